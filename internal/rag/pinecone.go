package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const pineconeAPIVersion = "2024-07"

// PineconeIndex queries a Pinecone index over its data-plane REST API.
type PineconeIndex struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

func NewPineconeIndex(host, apiKey string) *PineconeIndex {
	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return &PineconeIndex{
		host:       host,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type pineconeQuery struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type pineconeResult struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float32        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

// Query returns up to topK passages. Matches without a text payload are dropped.
func (p *PineconeIndex) Query(ctx context.Context, vector []float32, topK int) ([]Passage, error) {
	body, err := json.Marshal(pineconeQuery{Vector: vector, TopK: topK, IncludeMetadata: true})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinecone-API-Version", pineconeAPIVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("pinecone query: status %d: %s", resp.StatusCode, msg)
	}

	var result pineconeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding pinecone response: %w", err)
	}

	passages := make([]Passage, 0, len(result.Matches))
	for _, m := range result.Matches {
		text, _ := m.Metadata["text"].(string)
		if text == "" {
			continue
		}
		passages = append(passages, Passage{ID: m.ID, Score: m.Score, Text: text})
	}
	return passages, nil
}
