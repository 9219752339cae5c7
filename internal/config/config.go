package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	// WhatsApp Cloud API
	VerifyToken        string
	WhatsAppToken      string
	PhoneNumberID      string
	WhatsAppAPIBase    string
	WhatsAppAPIVersion string

	// Storage
	DBDriver         string
	DBPath           string
	DatabaseURL      string
	RedisAddr        string
	StoreMaxAttempts int

	// Retrieval and generation services
	OpenAIKey         string
	OpenAIBaseURL     string
	EmbeddingModel    string
	ChatModel         string
	PineconeAPIKey    string
	PineconeIndexHost string
	RAGTopK           int
	HistoryLimit      int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration

	// Outbound sends
	SendTimeout    time.Duration
	SendRatePerSec float64

	// Reply worker pool
	WorkerCount int
	QueueSize   int

	DedupeTTL time.Duration

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the process environment, after merging an optional .env file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		VerifyToken:        getEnv("VERIFY_TOKEN", ""),
		WhatsAppToken:      getEnv("WHATSAPP_TOKEN", ""),
		PhoneNumberID:      getEnv("PHONE_NUMBER_ID", ""),
		WhatsAppAPIBase:    getEnv("WHATSAPP_API_BASE", "https://graph.facebook.com"),
		WhatsAppAPIVersion: getEnv("WHATSAPP_API_VERSION", "v19.0"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite"),
		DBPath:             getEnv("DB_PATH", "./whatsapp.db"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		StoreMaxAttempts:   p.int("STORE_MAX_ATTEMPTS", 3),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		ChatModel:          getEnv("CHAT_MODEL", "gpt-4o"),
		PineconeAPIKey:     getEnv("PINECONE_API_KEY", ""),
		PineconeIndexHost:  getEnv("PINECONE_INDEX_HOST", ""),
		RAGTopK:            p.int("RAG_TOP_K", 3),
		HistoryLimit:       p.int("HISTORY_LIMIT", 5),
		RetrievalTimeout:   p.duration("RETRIEVAL_TIMEOUT", 15*time.Second),
		GenerationTimeout:  p.duration("GENERATION_TIMEOUT", 30*time.Second),
		SendTimeout:        p.duration("SEND_TIMEOUT", 10*time.Second),
		SendRatePerSec:     p.float("SEND_RATE_PER_SEC", 0),
		WorkerCount:        p.int("WORKER_COUNT", 4),
		QueueSize:          p.int("QUEUE_SIZE", 256),
		DedupeTTL:          p.duration("DEDUPE_TTL", 24*time.Hour),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later at runtime.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.WorkerCount <= 0 {
		return errors.New("WORKER_COUNT must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("QUEUE_SIZE must be positive")
	}
	if c.StoreMaxAttempts <= 0 {
		return errors.New("STORE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// RAGEnabled reports whether the retrieval and generation services are configured.
func (c *Config) RAGEnabled() bool {
	return c.OpenAIKey != "" && c.PineconeAPIKey != "" && c.PineconeIndexHost != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so FromEnv can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parsing %s: %w", key, err)
	}
}
