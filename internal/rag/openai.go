package rag

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const openAIRequestTimeout = 60 * time.Second

// NewOpenAIClient builds a client for OpenAI or, with baseURL set, any
// OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: openAIRequestTimeout}
	return openai.NewClientWithConfig(cfg)
}

type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(client *openai.Client, model string) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response has no data")
	}
	return resp.Data[0].Embedding, nil
}

type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(client *openai.Client, model string) *OpenAIGenerator {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIGenerator{client: client, model: model}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, messages []ChatMessage) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
