package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPineconeIndex_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "pc-key", r.Header.Get("Api-Key"))

		var q map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, float64(3), q["topK"])
		assert.Equal(t, true, q["includeMetadata"])

		w.Write([]byte(`{"matches":[
			{"id":"1","score":0.9,"metadata":{"text":"first"}},
			{"id":"2","score":0.8,"metadata":{"source":"faq"}},
			{"id":"3","score":0.7}
		]}`))
	}))
	defer srv.Close()

	idx := NewPineconeIndex(srv.URL, "pc-key")
	passages, err := idx.Query(context.Background(), []float32{0.1, 0.2}, 3)
	require.NoError(t, err)

	require.Len(t, passages, 1)
	assert.Equal(t, "1", passages[0].ID)
	assert.Equal(t, "first", passages[0].Text)
}

func TestPineconeIndex_QueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewPineconeIndex(srv.URL, "bad").Query(context.Background(), []float32{1}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNewPineconeIndex_AddsScheme(t *testing.T) {
	idx := NewPineconeIndex("my-index.svc.pinecone.io/", "k")
	assert.Equal(t, "https://my-index.svc.pinecone.io", idx.host)
}

func TestOpenAIAdapters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/embeddings":
			w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.25,0.5]}]}`))
		case "/v1/chat/completions":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "gpt-4o", req["model"])
			w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL+"/v1")

	vec, err := NewOpenAIEmbedder(client, "").Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5}, vec)

	reply, err := NewOpenAIGenerator(client, "gpt-4o").Generate(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
}
