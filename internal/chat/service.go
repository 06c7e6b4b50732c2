package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lostfound-board/backend/internal/hub"
	"lostfound-board/backend/internal/metrics"
	"lostfound-board/backend/internal/models"
	"lostfound-board/backend/internal/repository"
	"lostfound-board/backend/pkg/config"
	apperrors "lostfound-board/backend/pkg/errors"
	"lostfound-board/backend/pkg/logger"
)

// Service is the message ingress and read-tracking layer: it persists
// outgoing messages, maintains the per-member unread counters and fans
// events out to the room and inbox hubs.
type Service struct {
	messages repository.MessageRepository
	convos   repository.ConversationRepository
	events   hub.Broadcaster
	cfg      *config.Config
	log      *logger.Logger
}

func NewService(
	messages repository.MessageRepository,
	convos repository.ConversationRepository,
	events hub.Broadcaster,
	cfg *config.Config,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Service{
		messages: messages,
		convos:   convos,
		events:   events,
		cfg:      cfg,
		log:      log,
	}
}

// SendInput is one outgoing message as submitted by a client.
type SendInput struct {
	Text        string
	Attachments []string
	// ClientKey is an optional sender-generated correlation key, echoed
	// back in the stored message so the sender can reconcile its pending
	// copy without comparing content.
	ClientKey string
}

// Send validates and persists a message, updates the conversation's read
// state, and publishes to both hubs. Publishing strictly follows a
// successful persist: a message that failed to persist is never fanned
// out. Counter or fan-out failures after persist are logged and not
// surfaced; the polling path repairs any resulting staleness.
func (s *Service) Send(ctx context.Context, conversationID, senderID string, in SendInput) (*models.Message, error) {
	ok, err := s.convos.IsMember(conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrForbidden()
	}

	text := strings.TrimSpace(in.Text)
	if len(text) > s.cfg.Chat.MaxTextLength {
		text = text[:s.cfg.Chat.MaxTextLength]
	}
	if len(in.Attachments) > s.cfg.Chat.MaxAttachments {
		return nil, apperrors.NewBadRequestError("TOO_MANY_ATTACHMENTS",
			fmt.Sprintf("At most %d attachments per message", s.cfg.Chat.MaxAttachments))
	}
	if text == "" && len(in.Attachments) == 0 {
		return nil, apperrors.ErrEmptyMessage()
	}

	msgType := models.MessageTypeText
	if len(in.Attachments) > 0 {
		msgType = models.MessageTypeImage
	}

	var textPtr *string
	if text != "" {
		textPtr = &text
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           msgType,
		Text:           textPtr,
		Attachments:    models.StringSlice(in.Attachments),
		ClientKey:      in.ClientKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.messages.Create(msg); err != nil {
		return nil, err
	}
	metrics.MessagesSent.Inc()

	now := msg.CreatedAt
	if err := s.convos.TouchLastMessage(conversationID, now); err != nil {
		s.log.LogError(err, "touch last message", "conversation_id", conversationID)
	}
	if err := s.convos.BumpUnreadExcept(conversationID, senderID); err != nil {
		s.log.LogError(err, "bump unread counters", "conversation_id", conversationID)
	}
	// Sending implies having seen the conversation up to now
	if err := s.convos.ClearUnread(conversationID, senderID, now); err != nil {
		s.log.LogError(err, "clear sender unread", "conversation_id", conversationID)
	}

	s.events.PublishRoom(conversationID, hub.MessageNew{Message: *msg})
	s.fanOutInbox(conversationID, msg)

	return msg, nil
}

// fanOutInbox publishes one conversation summary to every member of the
// conversation, the sender included: the sender's unread count does not
// change, but their last-message preview does, and skipping them would
// leave their own open inbox views stale.
func (s *Service) fanOutInbox(conversationID string, last *models.Message) {
	convo, err := s.convos.GetWithMembers(conversationID)
	if err != nil || convo == nil {
		s.log.LogError(err, "load conversation for inbox fan-out", "conversation_id", conversationID)
		return
	}

	for _, member := range convo.Members {
		summary := s.summaryFor(convo, member, models.PreviewOfMessage(last))
		s.events.PublishInbox(member.UserID, hub.InboxUpsert{Item: summary})
	}
}

// summaryFor builds the inbox row for one member's point of view.
func (s *Service) summaryFor(convo *models.Conversation, viewer models.ConversationMember, last *models.MessagePreview) models.ConversationSummary {
	var other *models.UserPreview
	for _, m := range convo.Members {
		if m.UserID != viewer.UserID {
			other = models.PreviewOf(m.User)
			break
		}
	}

	title := convo.ItemTitle
	if title == "" {
		switch {
		case other != nil && !convo.IsGroup:
			title = strings.TrimSpace(other.FirstName + " " + other.LastName)
		case convo.IsGroup:
			title = fmt.Sprintf("Group conversation (%d members)", len(convo.Members))
		}
		if title == "" {
			title = "Conversation"
		}
	}

	lastAt := convo.LastMessageAt
	if last != nil && last.CreatedAt.After(lastAt) {
		lastAt = last.CreatedAt
	}

	return models.ConversationSummary{
		ID:            convo.ID,
		Title:         title,
		IsGroup:       convo.IsGroup,
		OtherUser:     other,
		LastMessage:   last,
		LastMessageAt: lastAt,
		Unread:        viewer.UnreadCount,
	}
}

// MarkRead zeroes the caller's unread counter and advances their
// last-seen watermark, then notifies the caller's own inbox views so an
// unread badge disappears in every open tab at once. Other members are
// not notified. Idempotent: a second call is a no-op.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) error {
	ok, err := s.convos.IsMember(conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrForbidden()
	}

	if err := s.convos.ClearUnread(conversationID, userID, time.Now().UTC()); err != nil {
		return err
	}

	convo, err := s.convos.GetWithMembers(conversationID)
	if err != nil || convo == nil {
		s.log.LogError(err, "load conversation for read notify", "conversation_id", conversationID)
		return nil
	}
	last, err := s.messages.Latest(conversationID)
	if err != nil {
		s.log.LogError(err, "load last message for read notify", "conversation_id", conversationID)
	}

	for _, member := range convo.Members {
		if member.UserID != userID {
			continue
		}
		member.UnreadCount = 0
		summary := s.summaryFor(convo, member, models.PreviewOfMessage(last))
		s.events.PublishInbox(userID, hub.InboxUpsert{Item: summary})
		break
	}
	return nil
}

// ConversationView is the payload of opening a conversation.
type ConversationView struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	IsGroup   bool                  `json:"isGroup"`
	ItemTitle string                `json:"itemTitle,omitempty"`
	Members   []models.UserPreview  `json:"members"`
	OtherUser *models.UserPreview   `json:"otherUser"`
}

// Open returns conversation metadata plus a message page: everything
// strictly newer than since, or the most recent take messages when no
// watermark is supplied.
func (s *Service) Open(ctx context.Context, conversationID, viewerID string, since *time.Time, take int) (*ConversationView, []models.Message, error) {
	convo, err := s.convos.GetWithMembers(conversationID)
	if err != nil {
		return nil, nil, err
	}
	if convo == nil {
		return nil, nil, apperrors.ErrNotFound()
	}

	var viewer *models.ConversationMember
	for i := range convo.Members {
		if convo.Members[i].UserID == viewerID {
			viewer = &convo.Members[i]
			break
		}
	}
	if viewer == nil {
		return nil, nil, apperrors.ErrForbidden()
	}

	if take <= 0 {
		take = s.cfg.Chat.DefaultPageTake
	}
	if take > s.cfg.Chat.MaxPageTake {
		take = s.cfg.Chat.MaxPageTake
	}

	messages, err := s.messages.ListSince(conversationID, since, take)
	if err != nil {
		return nil, nil, err
	}

	summary := s.summaryFor(convo, *viewer, nil)
	view := &ConversationView{
		ID:        convo.ID,
		Title:     summary.Title,
		IsGroup:   convo.IsGroup,
		ItemTitle: convo.ItemTitle,
		OtherUser: summary.OtherUser,
	}
	for _, m := range convo.Members {
		view.Members = append(view.Members, *models.PreviewOf(m.User))
	}

	return view, messages, nil
}

// History returns an older-than page for backfill, oldest first, plus the
// cursor for the next older page.
func (s *Service) History(ctx context.Context, conversationID, viewerID string, cursor *time.Time, limit int) ([]models.Message, *time.Time, error) {
	ok, err := s.convos.IsMember(conversationID, viewerID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, apperrors.ErrForbidden()
	}

	if limit <= 0 {
		limit = s.cfg.Chat.DefaultHistoryPage
	}
	if limit > s.cfg.Chat.MaxHistoryPage {
		limit = s.cfg.Chat.MaxHistoryPage
	}

	return s.messages.ListBefore(conversationID, cursor, limit)
}

// Backlog returns the messages an event stream should replay on open:
// everything after since when a watermark is supplied, otherwise the most
// recent window.
func (s *Service) Backlog(ctx context.Context, conversationID string, since *time.Time) ([]models.Message, error) {
	take := s.cfg.Chat.BacklogRecent
	if since != nil {
		take = s.cfg.Chat.BacklogSince
	}
	return s.messages.ListSince(conversationID, since, take)
}

// Inbox returns the caller's conversation list, most recently active
// first, with per-conversation unread counts and last-message previews.
func (s *Service) Inbox(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	convos, err := s.convos.ListForUser(userID)
	if err != nil {
		return nil, err
	}

	items := make([]models.ConversationSummary, 0, len(convos))
	for i := range convos {
		convo := convos[i]
		var viewer *models.ConversationMember
		for j := range convo.Members {
			if convo.Members[j].UserID == userID {
				viewer = &convo.Members[j]
				break
			}
		}
		if viewer == nil {
			continue
		}
		last, err := s.messages.Latest(convo.ID)
		if err != nil {
			s.log.LogError(err, "load last message for inbox", "conversation_id", convo.ID)
		}
		items = append(items, s.summaryFor(&convo, *viewer, models.PreviewOfMessage(last)))
	}
	return items, nil
}

// StartDirect finds or creates the 1:1 conversation between two users,
// optionally anchored to an item listing and seeded with a first message.
func (s *Service) StartDirect(ctx context.Context, fromID, toID, itemTitle, firstText string) (string, error) {
	toID = strings.TrimSpace(toID)
	if toID == "" {
		return "", apperrors.NewBadRequestError("MISSING_RECIPIENT", "Missing recipient")
	}
	if toID == fromID {
		return "", apperrors.NewBadRequestError("SELF_CHAT", "Cannot chat with yourself")
	}

	convo, err := s.convos.FindDirect(fromID, toID, itemTitle)
	if err != nil {
		return "", err
	}
	if convo == nil {
		convo, err = s.convos.CreateDirect(fromID, toID, itemTitle)
		if err != nil {
			return "", err
		}
	}

	if strings.TrimSpace(firstText) != "" {
		if _, err := s.Send(ctx, convo.ID, fromID, SendInput{Text: firstText}); err != nil {
			return "", err
		}
	}

	return convo.ID, nil
}

// IsMember reports whether the user belongs to the conversation. Used by
// the transport layer to gate event streams.
func (s *Service) IsMember(conversationID, userID string) (bool, error) {
	return s.convos.IsMember(conversationID, userID)
}
