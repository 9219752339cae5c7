package api

import (
	"context"
	"log/slog"
	"net/http"

	"whatsapp-support-gateway/internal/campaign"

	"github.com/gin-gonic/gin"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, req campaign.Request) []campaign.Result
}

type CampaignHandler struct {
	broadcaster Broadcaster
	logger      *slog.Logger
}

func NewCampaignHandler(broadcaster Broadcaster, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{broadcaster: broadcaster, logger: logger.With("component", "api")}
}

type CampaignRequest struct {
	Cards        []campaign.Card `json:"cards" binding:"required"`
	Numbers      []string        `json:"numbers" binding:"required"`
	TemplateName string          `json:"templateName"`
	Language     string          `json:"language"`
}

// SendCampaign handles POST /api/campaign/send. Per-recipient failures are
// reported in the results, never as an error status.
func (h *CampaignHandler) SendCampaign(c *gin.Context) {
	var body CampaignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	req := campaign.Request{
		Cards:        body.Cards,
		Recipients:   body.Numbers,
		TemplateName: body.TemplateName,
		LanguageCode: body.Language,
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("campaign requested", "recipients", len(req.Recipients), "cards", len(req.Cards), "template", req.TemplateName)
	results := h.broadcaster.Broadcast(c.Request.Context(), req)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"results": results,
	})
}
