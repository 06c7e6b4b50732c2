package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageType distinguishes plain text messages from attachment posts
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
)

// StringSlice stores a JSON-encoded list of strings in a single column.
// Attachment references are opaque to this subsystem, so a serialized
// list is enough; no per-attachment queries are ever made.
type StringSlice []string

// Value implements driver.Valuer
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		s = StringSlice{}
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("unsupported type for StringSlice")
	}
}

// User is the surface of the externally-owned account record that the
// conversation subsystem needs for rendering summaries.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a chat room between board users, usually anchored to a
// lost or found item listing.
type Conversation struct {
	ID            string               `json:"id" gorm:"primaryKey;size:36"`
	IsGroup       bool                 `json:"isGroup"`
	ItemTitle     string               `json:"itemTitle"`
	LastMessageAt time.Time            `json:"lastMessageAt" gorm:"index"`
	CreatedAt     time.Time            `json:"createdAt"`
	Members       []ConversationMember `json:"members,omitempty" gorm:"foreignKey:ConversationID"`
}

// BeforeCreate assigns a UUID if none was provided
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// ConversationMember carries the per-member read state: the unread counter
// and the last-seen watermark.
type ConversationMember struct {
	ID             uint       `json:"-" gorm:"primaryKey"`
	ConversationID string     `json:"conversationId" gorm:"size:36;index:idx_member_convo;uniqueIndex:idx_member_convo_user"`
	UserID         string     `json:"userId" gorm:"size:36;index;uniqueIndex:idx_member_convo_user"`
	UnreadCount    int        `json:"unreadCount"`
	LastSeenAt     *time.Time `json:"lastSeenAt"`
	User           User       `json:"user" gorm:"foreignKey:UserID"`
}

// Message is the durable unit of conversation. Created by the send path,
// never mutated or deleted afterwards.
type Message struct {
	ID             string      `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string      `json:"conversationId" gorm:"size:36;index:idx_messages_convo_created"`
	SenderID       string      `json:"senderId" gorm:"size:36;index"`
	Type           MessageType `json:"type" gorm:"size:16"`
	Text           *string     `json:"text"`
	Attachments    StringSlice `json:"attachments" gorm:"type:text"`
	// ClientKey is an optional sender-generated correlation key echoed
	// back verbatim so the sending client can match this message to its
	// locally-rendered pending copy without content comparison.
	ClientKey string    `json:"clientKey,omitempty" gorm:"size:64"`
	CreatedAt time.Time `json:"createdAt" gorm:"index:idx_messages_convo_created"`
}

// BeforeCreate assigns a UUID if none was provided
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}
