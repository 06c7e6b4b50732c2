package models

import "time"

// UserPreview is the member subset shown in conversation lists
type UserPreview struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarUrl"`
}

// MessagePreview is the last-message subset shown in conversation lists
type MessagePreview struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Text      *string     `json:"text"`
	SenderID  string      `json:"senderId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ConversationSummary is one row of a user's inbox and the payload of
// inbox:upsert events. Unread is always relative to the receiving user.
type ConversationSummary struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	IsGroup       bool            `json:"isGroup"`
	OtherUser     *UserPreview    `json:"otherUser"`
	LastMessage   *MessagePreview `json:"lastMessage"`
	LastMessageAt time.Time       `json:"lastMessageAt"`
	Unread        int             `json:"unread"`
}

// PreviewOf trims a full user record down to its list form
func PreviewOf(u User) *UserPreview {
	return &UserPreview{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		AvatarURL: u.AvatarURL,
	}
}

// PreviewOfMessage trims a full message down to its list form
func PreviewOfMessage(m *Message) *MessagePreview {
	if m == nil {
		return nil
	}
	return &MessagePreview{
		ID:        m.ID,
		Type:      m.Type,
		Text:      m.Text,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}
