// Package rag answers customer messages with retrieval-augmented generation.
//
// The Responder embeds the incoming text, pulls the nearest reference
// passages from a vector index, adds the recent conversation as memory and
// asks a chat model for the reply. It never fails: every error collapses into
// DegradedReply.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"whatsapp-support-gateway/internal/models"
)

// DegradedReply is sent whenever a reply could not be generated.
const DegradedReply = "I'm having trouble connecting to my brain right now. Please try again later."

const systemPromptPrefix = "You are a helpful customer service assistant. Use the following context to answer the user's question. If the answer is not in the context, say you don't know.\n\nContext:\n"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var errEmptyReply = errors.New("generator returned an empty reply")

type ChatMessage struct {
	Role    string
	Content string
}

type Passage struct {
	ID    string
	Score float32
	Text  string
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Query(ctx context.Context, vector []float32, topK int) ([]Passage, error)
}

type Generator interface {
	Generate(ctx context.Context, messages []ChatMessage) (string, error)
}

type HistoryReader interface {
	RecentHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

type Options struct {
	TopK         int
	HistoryLimit int
	// RetrievalTimeout bounds embedding, index query and history read together.
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
}

type Responder struct {
	embedder  Embedder
	index     VectorIndex
	generator Generator
	history   HistoryReader
	opts      Options
	logger    *slog.Logger
}

func New(embedder Embedder, index VectorIndex, generator Generator, history HistoryReader, opts Options, logger *slog.Logger) *Responder {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 5
	}
	if opts.RetrievalTimeout <= 0 {
		opts.RetrievalTimeout = 15 * time.Second
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 30 * time.Second
	}
	return &Responder{
		embedder:  embedder,
		index:     index,
		generator: generator,
		history:   history,
		opts:      opts,
		logger:    logger.With("component", "rag"),
	}
}

// Respond produces the reply to userText within the given conversation.
func (r *Responder) Respond(ctx context.Context, conversationID, userAddress, userText string) string {
	start := time.Now()
	reply, err := r.respond(ctx, conversationID, userText)
	if err != nil {
		r.logger.Error("reply generation failed, sending degraded reply",
			"conversation_id", conversationID, "from", userAddress, "error", err)
		return DegradedReply
	}
	r.logger.Info("reply generated", "conversation_id", conversationID, "took", time.Since(start))
	return reply
}

func (r *Responder) respond(ctx context.Context, conversationID, userText string) (string, error) {
	passages, history, err := r.retrieve(ctx, conversationID, userText)
	if err != nil {
		return "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, r.opts.GenerationTimeout)
	defer cancel()

	raw, err := r.generator.Generate(genCtx, BuildPrompt(passages, history, userText))
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	reply := cleanReply(raw)
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

func (r *Responder) retrieve(ctx context.Context, conversationID, userText string) ([]Passage, []models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RetrievalTimeout)
	defer cancel()

	vector, err := r.embedder.Embed(ctx, userText)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding query: %w", err)
	}

	passages, err := r.index.Query(ctx, vector, r.opts.TopK)
	if err != nil {
		return nil, nil, fmt.Errorf("querying vector index: %w", err)
	}

	history, err := r.history.RecentHistory(ctx, conversationID, r.opts.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("reading history: %w", err)
	}
	return passages, history, nil
}

// BuildPrompt lays out the system instruction with the retrieved context,
// then the conversation memory, then the new user turn. When the newest
// memory entry already is this user turn it is not repeated.
func BuildPrompt(passages []Passage, history []models.Message, userText string) []ChatMessage {
	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}

	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Sender == models.SenderUser && last.Content == userText {
			history = history[:n-1]
		}
	}

	msgs := make([]ChatMessage, 0, len(history)+2)
	msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: systemPromptPrefix + strings.Join(texts, "\n\n")})
	for _, m := range history {
		role := RoleAssistant
		if m.Sender == models.SenderUser {
			role = RoleUser
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, ChatMessage{Role: RoleUser, Content: userText})
	return msgs
}

var (
	usedToolsPattern = regexp.MustCompile(`\[Used tools:[\s\S]*?\]\]`)
	markdownPattern  = regexp.MustCompile("[*#_~`]")
)

// cleanReply drops tool traces and markdown emphasis, which WhatsApp would
// render literally.
func cleanReply(s string) string {
	s = usedToolsPattern.ReplaceAllString(s, "")
	s = markdownPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Disabled answers every message with DegradedReply. It stands in for the
// Responder when no retrieval or generation backend is configured.
type Disabled struct{}

func (Disabled) Respond(context.Context, string, string, string) string {
	return DegradedReply
}
