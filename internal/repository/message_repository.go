package repository

import (
	"time"

	"lostfound-board/backend/internal/models"

	"gorm.io/gorm"
)

// MessageRepository is the durable, ordered append log of messages.
type MessageRepository interface {
	Create(message *models.Message) error
	// ListSince returns messages strictly newer than since, oldest first.
	// A nil since returns the most recent take messages, still oldest first.
	ListSince(conversationID string, since *time.Time, take int) ([]models.Message, error)
	// ListBefore returns up to limit messages strictly older than cursor,
	// oldest first, plus the cursor for the next older page (nil when the
	// history is exhausted). A nil cursor starts from the newest message.
	ListBefore(conversationID string, cursor *time.Time, limit int) ([]models.Message, *time.Time, error)
	Latest(conversationID string) (*models.Message, error)
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(message *models.Message) error {
	return r.db.Create(message).Error
}

func (r *GormMessageRepository) ListSince(conversationID string, since *time.Time, take int) ([]models.Message, error) {
	var messages []models.Message

	if since != nil {
		err := r.db.Where("conversation_id = ? AND created_at > ?", conversationID, *since).
			Order("created_at ASC, id ASC").
			Limit(take).
			Find(&messages).Error
		return messages, err
	}

	// No watermark: newest take rows, then flipped back to ascending
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(take).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

func (r *GormMessageRepository) ListBefore(conversationID string, cursor *time.Time, limit int) ([]models.Message, *time.Time, error) {
	var rows []models.Message

	q := r.db.Where("conversation_id = ?", conversationID)
	if cursor != nil {
		q = q.Where("created_at < ?", *cursor)
	}

	// Fetch one extra row to learn whether an older page exists
	err := q.Order("created_at DESC, id DESC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *time.Time
	if len(rows) > limit {
		rows = rows[:limit]
		oldest := rows[len(rows)-1].CreatedAt
		nextCursor = &oldest
	}

	reverse(rows)
	return rows, nextCursor, nil
}

func (r *GormMessageRepository) Latest(conversationID string) (*models.Message, error) {
	var message models.Message
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&message).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

func reverse(messages []models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
