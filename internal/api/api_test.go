package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"whatsapp-support-gateway/internal/campaign"
	"whatsapp-support-gateway/internal/database"
	"whatsapp-support-gateway/internal/models"
	"whatsapp-support-gateway/internal/pipeline"
	"whatsapp-support-gateway/internal/queue"
	"whatsapp-support-gateway/internal/store"
	"whatsapp-support-gateway/internal/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doJSON(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type failingTemplates struct{}

func (failingTemplates) SendTemplate(context.Context, string, whatsapp.TemplateObj) error {
	return &whatsapp.APIError{StatusCode: 400, Body: "template not found"}
}

type textRecorder struct {
	mu     sync.Mutex
	bodies map[string]string
	err    error
}

func (r *textRecorder) SendText(_ context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.bodies == nil {
		r.bodies = map[string]string{}
	}
	r.bodies[to] = body
	return nil
}

func campaignRouter(texts *textRecorder) *gin.Engine {
	b := campaign.New(failingTemplates{}, texts, discardLogger())
	h := NewCampaignHandler(b, discardLogger())
	r := gin.New()
	r.POST("/api/campaign/send", h.SendCampaign)
	return r
}

func TestSendCampaign_FallbackScenario(t *testing.T) {
	texts := &textRecorder{}
	r := campaignRouter(texts)

	body := `{
		"cards": [
			{"headerUrl": "https://img/1.png", "bodyText": "One", "buttonText": "Go", "buttonUrl": "https://x/1"},
			{"headerUrl": "https://img/2.png", "bodyText": "Two", "buttonText": "Go", "buttonUrl": "https://x/2"}
		],
		"numbers": ["111", "222"],
		"templateName": "promo"
	}`
	w := doJSON(r, http.MethodPost, "/api/campaign/send", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool              `json:"success"`
		Results []campaign.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Results, 2)
	for i, number := range []string{"111", "222"} {
		assert.Equal(t, number, resp.Results[i].Recipient)
		assert.Equal(t, campaign.OutcomeSentTextFallback, resp.Results[i].Outcome)
		assert.Contains(t, texts.bodies[number], "Card 1")
		assert.Contains(t, texts.bodies[number], "Card 2")
	}
	assert.NotContains(t, w.Body.String(), `"error"`)
}

func TestSendCampaign_FailedResultCarriesError(t *testing.T) {
	r := campaignRouter(&textRecorder{err: errors.New("provider down")})

	w := doJSON(r, http.MethodPost, "/api/campaign/send",
		`{"cards":[{"bodyText":"One"}],"numbers":["111"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)
	assert.Contains(t, w.Body.String(), `"error":"provider down"`)
}

func TestSendCampaign_BadRequests(t *testing.T) {
	r := campaignRouter(&textRecorder{})

	tooMany := `{"cards":[` + strings.TrimSuffix(strings.Repeat(`{"bodyText":"x"},`, 11), ",") + `],"numbers":["1"]}`

	for name, body := range map[string]string{
		"invalid json":    `{"cards":`,
		"missing cards":   `{"numbers":["111"]}`,
		"missing numbers": `{"cards":[{"bodyText":"x"}]}`,
		"numbers string":  `{"cards":[{"bodyText":"x"}],"numbers":"111"}`,
		"empty cards":     `{"cards":[],"numbers":["111"]}`,
		"empty numbers":   `{"cards":[{"bodyText":"x"}],"numbers":[]}`,
		"too many cards":  tooMany,
	} {
		t.Run(name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/api/campaign/send", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

type dashboardFixture struct {
	store  *store.Store
	texts  *textRecorder
	router *gin.Engine
}

func newDashboardFixture(t *testing.T) *dashboardFixture {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	st := store.New(db)
	texts := &textRecorder{}
	p, err := pipeline.New(pipeline.Deps{
		Store:     st,
		Responder: nil,
		Sender:    texts,
		Jobs:      queue.New(1, 1, discardLogger()),
	}, 2, discardLogger())
	require.NoError(t, err)

	h := NewDashboardHandler(st, p, discardLogger())
	r := gin.New()
	r.GET("/api/chats", h.ListChats)
	r.GET("/api/chats/:id", h.GetChat)
	r.POST("/api/chats/:id/send", h.SendMessage)

	return &dashboardFixture{store: st, texts: texts, router: r}
}

func TestDashboard_ListAndGetChat(t *testing.T) {
	f := newDashboardFixture(t)
	ctx := context.Background()

	conv, err := f.store.FindOrCreateByAddress(ctx, "555", "Carol")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, conv.ID, "Is my order shipped?", models.SenderUser)
	require.NoError(t, err)

	w := doJSON(f.router, http.MethodGet, "/api/chats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []store.ConversationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Carol", list[0].ContactName)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Is my order shipped?", list[0].LastMessage.Content)

	w = doJSON(f.router, http.MethodGet, "/api/chats/"+conv.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, conv.ID, detail.Conversation.ID)
	assert.Zero(t, detail.Conversation.UnreadCount)
	require.Len(t, detail.Messages, 1)

	stored, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.UnreadCount, "opening a chat marks it read")
}

func TestDashboard_ListChats_BadLimit(t *testing.T) {
	f := newDashboardFixture(t)

	w := doJSON(f.router, http.MethodGet, "/api/chats?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDashboard_GetChat_NotFound(t *testing.T) {
	f := newDashboardFixture(t)

	w := doJSON(f.router, http.MethodGet, "/api/chats/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboard_SendMessage(t *testing.T) {
	f := newDashboardFixture(t)
	ctx := context.Background()

	conv, err := f.store.FindOrCreateByAddress(ctx, "555", "")
	require.NoError(t, err)

	w := doJSON(f.router, http.MethodPost, "/api/chats/"+conv.ID+"/send", `{"content":"Yes, it ships today"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Yes, it ships today", f.texts.bodies["555"])

	msgs, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SenderAgent, msgs[0].Sender)
}

func TestDashboard_SendMessage_Errors(t *testing.T) {
	f := newDashboardFixture(t)
	ctx := context.Background()

	w := doJSON(f.router, http.MethodPost, "/api/chats/nope/send", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	conv, err := f.store.FindOrCreateByAddress(ctx, "556", "")
	require.NoError(t, err)

	w = doJSON(f.router, http.MethodPost, "/api/chats/"+conv.ID+"/send", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.texts.err = errors.New("provider down")
	w = doJSON(f.router, http.MethodPost, "/api/chats/"+conv.ID+"/send", `{"content":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
