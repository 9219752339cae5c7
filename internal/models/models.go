package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
	SenderBot   Sender = "bot"
)

// Valid reports whether s is one of the known sender roles.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderBot:
		return true
	}
	return false
}

// Conversation is a thread of messages with one WhatsApp contact.
type Conversation struct {
	ID            string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ContactPhone  string    `gorm:"type:varchar(32);not null;uniqueIndex" json:"contactPhone"`
	ContactName   string    `gorm:"type:varchar(255)" json:"contactName"`
	LastMessageAt time.Time `gorm:"index" json:"lastMessageAt"`
	UnreadCount   int       `gorm:"not null;default:0" json:"unreadCount"`
	Messages      []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE;" json:"messages,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// BeforeCreate sets the UUID before creating
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Message is a single turn within a conversation.
type Message struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ConversationID    string    `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1" json:"conversationId"`
	Content           string    `gorm:"type:text;not null" json:"content"`
	Sender            Sender    `gorm:"type:varchar(16);not null" json:"sender"`
	ProviderMessageID *string   `gorm:"type:varchar(128);uniqueIndex" json:"providerMessageId,omitempty"` // wamid of inbound messages
	CreatedAt         time.Time `gorm:"index:idx_messages_conversation_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// All returns every model managed by AutoMigrate.
func All() []any {
	return []any{&Conversation{}, &Message{}}
}
