package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"whatsapp-support-gateway/internal/models"
	"whatsapp-support-gateway/internal/store"

	"github.com/gin-gonic/gin"
)

type ChatStore interface {
	ListConversations(ctx context.Context, limit int) ([]store.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

type AgentSender interface {
	SendAgentMessage(ctx context.Context, conv *models.Conversation, content string) (*models.Message, error)
}

type DashboardHandler struct {
	store  ChatStore
	sender AgentSender
	logger *slog.Logger
}

func NewDashboardHandler(chats ChatStore, sender AgentSender, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{store: chats, sender: sender, logger: logger.With("component", "api")}
}

func (h *DashboardHandler) ListChats(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	convs, err := h.store.ListConversations(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("listing conversations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, convs)
}

// GetChat returns a conversation with its messages and marks it read.
func (h *DashboardHandler) GetChat(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	conv, err := h.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("getting conversation", "conversation_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return
	}

	messages, err := h.store.ListMessages(ctx, id)
	if err != nil {
		h.logger.Error("listing messages", "conversation_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	if err := h.store.MarkRead(ctx, id); err != nil {
		h.logger.Warn("marking conversation read", "conversation_id", id, "error", err)
	} else {
		conv.UnreadCount = 0
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

type SendRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *DashboardHandler) SendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	conv, err := h.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("getting conversation", "conversation_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return
	}

	msg, err := h.sender.SendAgentMessage(ctx, conv, req.Content)
	if err != nil {
		if msg == nil {
			h.logger.Error("storing agent message", "conversation_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store message"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send message: " + err.Error(), "message": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "Message sent", "message": msg})
}
