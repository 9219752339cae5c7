// Package store persists conversations and their messages.
//
// Writes for one conversation (and lookups for one contact address) are
// serialized in-process; the unique index on contact_phone keeps
// FindOrCreateByAddress safe across processes as well.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"whatsapp-support-gateway/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultHistoryLimit bounds the prompt memory when callers pass limit <= 0.
const DefaultHistoryLimit = 5

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("message already stored")
	ErrInvalidAddress   = errors.New("contact address is empty")
	ErrInvalidSender    = errors.New("unknown message sender")
)

type Store struct {
	db        *gorm.DB
	addrLocks *keyedMutex
	convLocks *keyedMutex
	now       func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		addrLocks: newKeyedMutex(),
		convLocks: newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ConversationSummary is a conversation plus its newest message, for listings.
type ConversationSummary struct {
	models.Conversation
	LastMessage *models.Message `json:"lastMessage,omitempty"`
}

// FindOrCreateByAddress returns the conversation for address, creating it with
// displayNameHint when none exists. A non-empty hint that differs from the
// stored name replaces it.
func (s *Store) FindOrCreateByAddress(ctx context.Context, address, displayNameHint string) (*models.Conversation, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrInvalidAddress
	}
	displayNameHint = strings.TrimSpace(displayNameHint)

	unlock := s.addrLocks.Lock(address)
	defer unlock()

	db := s.db.WithContext(ctx)

	conv, err := s.findByAddress(db, address)
	if err == nil {
		return s.refreshName(db, conv, displayNameHint)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := &models.Conversation{
		ID:            uuid.NewString(),
		ContactPhone:  address,
		ContactName:   displayNameHint,
		LastMessageAt: s.now(),
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contact_phone"}},
		DoNothing: true,
	}).Create(created)
	if res.Error != nil {
		return nil, fmt.Errorf("creating conversation: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return created, nil
	}

	// Another process inserted the same address between our read and write.
	conv, err = s.findByAddress(db, address)
	if err != nil {
		return nil, err
	}
	return s.refreshName(db, conv, displayNameHint)
}

func (s *Store) findByAddress(db *gorm.DB, address string) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.Where("contact_phone = ?", address).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) refreshName(db *gorm.DB, conv *models.Conversation, hint string) (*models.Conversation, error) {
	if hint == "" || hint == conv.ContactName {
		return conv, nil
	}
	if err := db.Model(conv).Update("contact_name", hint).Error; err != nil {
		return nil, fmt.Errorf("updating contact name: %w", err)
	}
	conv.ContactName = hint
	return conv, nil
}

// AppendMessage stores a message, bumps the conversation's last activity and,
// for user messages, its unread counter.
func (s *Store) AppendMessage(ctx context.Context, conversationID, content string, sender models.Sender) (*models.Message, error) {
	return s.appendMessage(ctx, conversationID, content, sender, nil)
}

// AppendInboundMessage is AppendMessage for a user message carrying the
// provider's message id. A replayed id yields ErrDuplicateMessage.
func (s *Store) AppendInboundMessage(ctx context.Context, conversationID, providerMessageID, content string) (*models.Message, error) {
	var pid *string
	if providerMessageID != "" {
		pid = &providerMessageID
	}
	return s.appendMessage(ctx, conversationID, content, models.SenderUser, pid)
}

func (s *Store) appendMessage(ctx context.Context, conversationID, content string, sender models.Sender, providerMessageID *string) (*models.Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}

	unlock := s.convLocks.Lock(conversationID)
	defer unlock()

	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if providerMessageID != nil {
			var count int64
			if err := tx.Model(&models.Message{}).
				Where("provider_message_id = ?", *providerMessageID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateMessage
			}
		}

		var conv models.Conversation
		if err := tx.Select("id", "last_message_at").Where("id = ?", conversationID).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		// Creation time never goes backwards within a conversation.
		ts := s.now()
		if ts.Before(conv.LastMessageAt) {
			ts = conv.LastMessageAt
		}

		msg = models.Message{
			ConversationID:    conversationID,
			Content:           content,
			Sender:            sender,
			ProviderMessageID: providerMessageID,
			CreatedAt:         ts,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		updates := map[string]any{"last_message_at": ts}
		if sender == models.SenderUser {
			updates["unread_count"] = gorm.Expr("unread_count + ?", 1)
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateMessage) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return &msg, nil
}

// RecentHistory returns the newest limit messages of a conversation, oldest first.
func (s *Store) RecentHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	unlock := s.convLocks.Lock(conversationID)
	defer unlock()

	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// ListConversations returns conversations by most recent activity.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	db := s.db.WithContext(ctx)

	var convs []models.Conversation
	q := db.Order("last_message_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summary := ConversationSummary{Conversation: c}

		var last models.Message
		err := db.Where("conversation_id = ?", c.ID).Order("created_at DESC").Order("id DESC").First(&last).Error
		switch {
		case err == nil:
			summary.LastMessage = &last
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, fmt.Errorf("loading last message: %w", err)
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return &conv, nil
}

// ListMessages returns every message of a conversation in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// MarkRead resets the unread counter.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	unlock := s.convLocks.Lock(conversationID)
	defer unlock()

	res := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("unread_count", 0)
	if res.Error != nil {
		return fmt.Errorf("marking conversation read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
