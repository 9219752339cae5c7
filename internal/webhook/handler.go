package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"whatsapp-support-gateway/internal/models"
	"whatsapp-support-gateway/internal/pipeline"
	"whatsapp-support-gateway/internal/store"
	webhookmodels "whatsapp-support-gateway/pkg/models"

	"github.com/gin-gonic/gin"
)

// Ack is the body WhatsApp expects for an accepted delivery.
const Ack = "EVENT_RECEIVED"

type Ingester interface {
	Ingest(ctx context.Context, in pipeline.InboundMessage) (*models.Message, error)
}

type Handler struct {
	verifyToken string
	ingester    Ingester
	logger      *slog.Logger
}

func NewHandler(verifyToken string, ingester Ingester, logger *slog.Logger) *Handler {
	return &Handler{
		verifyToken: verifyToken,
		ingester:    ingester,
		logger:      logger.With("component", "webhook"),
	}
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		h.logger.Info("webhook verified")
		c.String(http.StatusOK, challenge)
		return
	}
	c.String(http.StatusForbidden, "Forbidden")
}

func (h *Handler) HandleMessage(c *gin.Context) {
	var payload webhookmodels.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		// 400, not 500: redelivering a malformed body cannot succeed.
		h.logger.Warn("invalid webhook payload", "error", err)
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}

	for _, st := range payload.StatusUpdates() {
		h.logger.Debug("delivery status", "wamid", st.ID, "status", st.Status, "recipient", st.RecipientId)
	}

	for _, tm := range payload.TextMessages() {
		_, err := h.ingester.Ingest(c.Request.Context(), pipeline.InboundMessage{
			ProviderMessageID: tm.ID,
			From:              tm.From,
			ContactName:       tm.ContactName,
			Text:              tm.Body,
		})
		switch {
		case err == nil, errors.Is(err, pipeline.ErrDuplicate):
		case errors.Is(err, store.ErrInvalidAddress):
			h.logger.Warn("message without sender address skipped", "wamid", tm.ID)
		default:
			h.logger.Error("ingesting message failed", "from", tm.From, "wamid", tm.ID, "error", err)
			c.String(http.StatusInternalServerError, "Internal Server Error")
			return
		}
	}

	c.String(http.StatusOK, Ack)
}
