package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-support-gateway/internal/api"
	"whatsapp-support-gateway/internal/campaign"
	"whatsapp-support-gateway/internal/config"
	"whatsapp-support-gateway/internal/database"
	"whatsapp-support-gateway/internal/dedupe"
	"whatsapp-support-gateway/internal/dispatch"
	"whatsapp-support-gateway/internal/logging"
	"whatsapp-support-gateway/internal/pipeline"
	"whatsapp-support-gateway/internal/queue"
	"whatsapp-support-gateway/internal/rag"
	"whatsapp-support-gateway/internal/store"
	"whatsapp-support-gateway/internal/webhook"
	"whatsapp-support-gateway/internal/whatsapp"
	"whatsapp-support-gateway/internal/ws"

	"github.com/gin-gonic/gin"
)

const dedupeCacheSize = 10000

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close(db)
	conversations := store.New(db)

	guard, err := newGuard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer guard.Close()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	waClient := whatsapp.NewClient(cfg)
	dispatcher := dispatch.New(waClient, cfg.SendTimeout, cfg.SendRatePerSec, logger)

	jobs := queue.New(cfg.WorkerCount, cfg.QueueSize, logger)
	jobs.Start()

	p, err := pipeline.New(pipeline.Deps{
		Store:     conversations,
		Responder: newResponder(cfg, conversations, logger),
		Sender:    dispatcher,
		Notifier:  hub,
		Jobs:      jobs,
		Guard:     guard,
	}, cfg.StoreMaxAttempts, logger)
	if err != nil {
		return err
	}

	broadcaster := campaign.New(dispatcher, dispatcher, logger)

	webhookHandler := webhook.NewHandler(cfg.VerifyToken, p, logger)
	campaignHandler := api.NewCampaignHandler(broadcaster, logger)
	dashboardHandler := api.NewDashboardHandler(conversations, p, logger)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// Webhook Routes
	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook", webhookHandler.HandleMessage)

	// Dashboard API Routes
	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/campaign/send", campaignHandler.SendCampaign)

		apiGroup.GET("/chats", dashboardHandler.ListChats)
		apiGroup.GET("/chats/:id", dashboardHandler.GetChat)
		apiGroup.POST("/chats/:id/send", dashboardHandler.SendMessage)
	}

	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "rag_enabled", cfg.RAGEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// Pending replies still get their chance to finish.
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Error("reply queue shutdown", "error", err)
	}
	return nil
}

func newGuard(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dedupe.Guard, error) {
	if cfg.RedisAddr == "" {
		return dedupe.NewCache(cfg.DedupeTTL, dedupeCacheSize), nil
	}
	guard, err := dedupe.NewRedisGuard(ctx, cfg.RedisAddr, cfg.DedupeTTL)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis replay guard", "addr", cfg.RedisAddr)
	return guard, nil
}

func newResponder(cfg *config.Config, history rag.HistoryReader, logger *slog.Logger) pipeline.Responder {
	if !cfg.RAGEnabled() {
		logger.Warn("OPENAI_API_KEY or Pinecone settings missing, every reply will be the degraded message")
		return rag.Disabled{}
	}

	client := rag.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	return rag.New(
		rag.NewOpenAIEmbedder(client, cfg.EmbeddingModel),
		rag.NewPineconeIndex(cfg.PineconeIndexHost, cfg.PineconeAPIKey),
		rag.NewOpenAIGenerator(client, cfg.ChatModel),
		history,
		rag.Options{
			TopK:              cfg.RAGTopK,
			HistoryLimit:      cfg.HistoryLimit,
			RetrievalTimeout:  cfg.RetrievalTimeout,
			GenerationTimeout: cfg.GenerationTimeout,
		},
		logger,
	)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}
