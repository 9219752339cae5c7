package rag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"whatsapp-support-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	err   error
	block bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 0.5}, nil
}

type fakeIndex struct {
	passages []Passage
	err      error
	gotTopK  int
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, topK int) ([]Passage, error) {
	f.gotTopK = topK
	return f.passages, f.err
}

type fakeGenerator struct {
	reply string
	err   error
	block bool
	got   []ChatMessage
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []ChatMessage) (string, error) {
	f.got = messages
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

type fakeHistory struct {
	msgs     []models.Message
	err      error
	gotLimit int
}

func (f *fakeHistory) RecentHistory(_ context.Context, _ string, limit int) ([]models.Message, error) {
	f.gotLimit = limit
	return f.msgs, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newResponder(e *fakeEmbedder, i *fakeIndex, g *fakeGenerator, h *fakeHistory) *Responder {
	return New(e, i, g, h, Options{GenerationTimeout: 50 * time.Millisecond}, discardLogger())
}

func TestResponder_Respond(t *testing.T) {
	index := &fakeIndex{passages: []Passage{{ID: "a", Text: "Shipping takes 3 days."}, {ID: "b", Text: "Returns within 30 days."}}}
	gen := &fakeGenerator{reply: "Shipping takes **3 days**."}
	hist := &fakeHistory{msgs: []models.Message{
		{Sender: models.SenderUser, Content: "Hi"},
		{Sender: models.SenderBot, Content: "Hello! How can I help?"},
		{Sender: models.SenderAgent, Content: "Agent here"},
	}}
	r := newResponder(&fakeEmbedder{}, index, gen, hist)

	reply := r.Respond(context.Background(), "conv-1", "111", "How long is shipping?")

	assert.Equal(t, "Shipping takes 3 days.", reply)
	assert.Equal(t, 3, index.gotTopK)
	assert.Equal(t, 5, hist.gotLimit)

	require.Len(t, gen.got, 5)
	assert.Equal(t, RoleSystem, gen.got[0].Role)
	assert.True(t, strings.HasSuffix(gen.got[0].Content, "Context:\nShipping takes 3 days.\n\nReturns within 30 days."))
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "Hi"}, gen.got[1])
	assert.Equal(t, RoleAssistant, gen.got[2].Role)
	assert.Equal(t, RoleAssistant, gen.got[3].Role, "agent turns map to the assistant role")
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "How long is shipping?"}, gen.got[4])
}

func TestResponder_DegradesOnEveryFailure(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		embed *fakeEmbedder
		index *fakeIndex
		gen   *fakeGenerator
		hist  *fakeHistory
	}{
		{"embedding", &fakeEmbedder{err: boom}, &fakeIndex{}, &fakeGenerator{reply: "x"}, &fakeHistory{}},
		{"vector query", &fakeEmbedder{}, &fakeIndex{err: boom}, &fakeGenerator{reply: "x"}, &fakeHistory{}},
		{"history", &fakeEmbedder{}, &fakeIndex{}, &fakeGenerator{reply: "x"}, &fakeHistory{err: boom}},
		{"generation", &fakeEmbedder{}, &fakeIndex{}, &fakeGenerator{err: boom}, &fakeHistory{}},
		{"generation timeout", &fakeEmbedder{}, &fakeIndex{}, &fakeGenerator{block: true}, &fakeHistory{}},
		{"empty reply", &fakeEmbedder{}, &fakeIndex{}, &fakeGenerator{reply: "  ** "}, &fakeHistory{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResponder(tt.embed, tt.index, tt.gen, tt.hist)
			assert.Equal(t, DegradedReply, r.Respond(context.Background(), "conv", "111", "question"))
		})
	}
}

func TestResponder_DegradesWhenRetrievalHangs(t *testing.T) {
	gen := &fakeGenerator{reply: "never used"}
	r := New(&fakeEmbedder{block: true}, &fakeIndex{}, gen, &fakeHistory{}, Options{
		RetrievalTimeout:  50 * time.Millisecond,
		GenerationTimeout: 50 * time.Millisecond,
	}, discardLogger())

	done := make(chan string, 1)
	go func() { done <- r.Respond(context.Background(), "conv-1", "111", "hello") }()

	select {
	case reply := <-done:
		assert.Equal(t, DegradedReply, reply)
		assert.Nil(t, gen.got, "generation is never reached")
	case <-time.After(2 * time.Second):
		t.Fatal("Respond stayed blocked on a hanging embedder")
	}
}

func TestBuildPrompt_SkipsJustStoredUserTurn(t *testing.T) {
	history := []models.Message{
		{Sender: models.SenderBot, Content: "Earlier answer"},
		{Sender: models.SenderUser, Content: "Hello"},
	}

	msgs := BuildPrompt(nil, history, "Hello")

	require.Len(t, msgs, 3)
	assert.Equal(t, "Earlier answer", msgs[1].Content)
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "Hello"}, msgs[2])
}

func TestBuildPrompt_DropsEmptyPassages(t *testing.T) {
	msgs := BuildPrompt([]Passage{{Text: ""}, {Text: "only"}}, nil, "q")

	require.Len(t, msgs, 2)
	assert.True(t, strings.HasSuffix(msgs[0].Content, "Context:\nonly"))
}

func TestCleanReply(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"  *bold* and _it_ ", "bold and it"},
		{"# Title\n`code` ~x~", "Title\ncode x"},
		{"Answer [Used tools: search]] done", "Answer  done"},
		{"[Used tools: a\nb]]", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanReply(tt.in), tt.in)
	}
}

func TestDisabled(t *testing.T) {
	assert.Equal(t, DegradedReply, Disabled{}.Respond(context.Background(), "c", "a", "t"))
}
