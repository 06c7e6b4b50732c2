package repository

import (
	"time"

	"lostfound-board/backend/internal/models"

	"gorm.io/gorm"
)

// ConversationRepository owns conversation metadata, the membership list
// and the per-member unread counters.
type ConversationRepository interface {
	IsMember(conversationID, userID string) (bool, error)
	GetWithMembers(conversationID string) (*models.Conversation, error)
	ListForUser(userID string) ([]models.Conversation, error)
	TouchLastMessage(conversationID string, at time.Time) error
	// BumpUnreadExcept atomically increments the unread counter of every
	// member except the sender. The increment happens in SQL so concurrent
	// sends into the same conversation cannot lose updates.
	BumpUnreadExcept(conversationID, senderID string) error
	ClearUnread(conversationID, userID string, at time.Time) error
	MarkSeen(conversationID, userID string, at time.Time) error
	MemberState(conversationID, userID string) (*models.ConversationMember, error)
	FindDirect(userA, userB, itemTitle string) (*models.Conversation, error)
	CreateDirect(userA, userB, itemTitle string) (*models.Conversation, error)
}

type GormConversationRepository struct {
	db *gorm.DB
}

func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	return &GormConversationRepository{db: db}
}

func (r *GormConversationRepository) IsMember(conversationID, userID string) (bool, error) {
	var count int64
	err := r.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *GormConversationRepository) GetWithMembers(conversationID string) (*models.Conversation, error) {
	var convo models.Conversation
	err := r.db.Preload("Members.User").First(&convo, "id = ?", conversationID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &convo, nil
}

func (r *GormConversationRepository) ListForUser(userID string) ([]models.Conversation, error) {
	var convos []models.Conversation
	err := r.db.
		Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id AND cm.user_id = ?", userID).
		Preload("Members.User").
		Order("conversations.last_message_at DESC").
		Find(&convos).Error
	return convos, err
}

func (r *GormConversationRepository) TouchLastMessage(conversationID string, at time.Time) error {
	return r.db.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_message_at", at).Error
}

func (r *GormConversationRepository) BumpUnreadExcept(conversationID, senderID string) error {
	return r.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, senderID).
		Update("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

func (r *GormConversationRepository) ClearUnread(conversationID, userID string, at time.Time) error {
	return r.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]interface{}{
			"unread_count": 0,
			"last_seen_at": at,
		}).Error
}

func (r *GormConversationRepository) MarkSeen(conversationID, userID string, at time.Time) error {
	return r.db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_seen_at", at).Error
}

func (r *GormConversationRepository) MemberState(conversationID, userID string) (*models.ConversationMember, error) {
	var member models.ConversationMember
	err := r.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

func (r *GormConversationRepository) FindDirect(userA, userB, itemTitle string) (*models.Conversation, error) {
	var convo models.Conversation
	q := r.db.
		Joins("JOIN conversation_members a ON a.conversation_id = conversations.id AND a.user_id = ?", userA).
		Joins("JOIN conversation_members b ON b.conversation_id = conversations.id AND b.user_id = ?", userB).
		Where("conversations.is_group = ?", false)
	if itemTitle != "" {
		q = q.Where("conversations.item_title = ?", itemTitle)
	}
	err := q.Preload("Members.User").First(&convo).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &convo, nil
}

func (r *GormConversationRepository) CreateDirect(userA, userB, itemTitle string) (*models.Conversation, error) {
	convo := &models.Conversation{
		IsGroup:       false,
		ItemTitle:     itemTitle,
		LastMessageAt: time.Now().UTC(),
		Members: []models.ConversationMember{
			{UserID: userA},
			{UserID: userB},
		},
	}
	if err := r.db.Create(convo).Error; err != nil {
		return nil, err
	}
	return r.GetWithMembers(convo.ID)
}
