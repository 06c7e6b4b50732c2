package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"lostfound-board/backend/internal/hub"
	"lostfound-board/backend/internal/models"
	"lostfound-board/backend/internal/repository"
	"lostfound-board/backend/pkg/config"
	apperrors "lostfound-board/backend/pkg/errors"
	"lostfound-board/backend/pkg/logger"
)

// recordingBroadcaster captures hub publishes instead of fanning out.
type recordingBroadcaster struct {
	room  []publishedEvent
	inbox []publishedEvent
}

type publishedEvent struct {
	topic string
	event hub.Event
}

func (b *recordingBroadcaster) PublishRoom(conversationID string, e hub.Event) {
	b.room = append(b.room, publishedEvent{topic: conversationID, event: e})
}

func (b *recordingBroadcaster) PublishInbox(userID string, e hub.Event) {
	b.inbox = append(b.inbox, publishedEvent{topic: userID, event: e})
}

func (b *recordingBroadcaster) inboxTopics() []string {
	out := make([]string, 0, len(b.inbox))
	for _, p := range b.inbox {
		out = append(out, p.topic)
	}
	return out
}

var dbSeq int

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:svc%d?mode=memory&cache=shared", dbSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Message{},
	))
	return db
}

type fixture struct {
	svc    *Service
	events *recordingBroadcaster
	db     *gorm.DB
	convo  string
	alice  string
	bob    string
	carol  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)

	users := []models.User{
		{ID: "alice", FirstName: "Alice", LastName: "Adler"},
		{ID: "bob", FirstName: "Bob", LastName: "Berg"},
		{ID: "carol", FirstName: "Carol", LastName: "Chen"},
	}
	require.NoError(t, db.Create(&users).Error)

	convo := models.Conversation{ID: "conv-1", ItemTitle: "Blue umbrella"}
	require.NoError(t, db.Create(&convo).Error)
	members := []models.ConversationMember{
		{ConversationID: "conv-1", UserID: "alice"},
		{ConversationID: "conv-1", UserID: "bob"},
	}
	require.NoError(t, db.Create(&members).Error)

	events := &recordingBroadcaster{}
	log := logger.New(logger.Config{Level: "error", Output: io.Discard})
	svc := NewService(
		repository.NewGormMessageRepository(db),
		repository.NewGormConversationRepository(db),
		events,
		config.New(),
		log,
	)
	return &fixture{svc: svc, events: events, db: db, convo: "conv-1", alice: "alice", bob: "bob", carol: "carol"}
}

func (f *fixture) unread(t *testing.T, userID string) int {
	t.Helper()
	var m models.ConversationMember
	require.NoError(t, f.db.Where("conversation_id = ? AND user_id = ?", f.convo, userID).First(&m).Error)
	return m.UnreadCount
}

func TestSendPersistsAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "  found your umbrella  ", ClientKey: "ck-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "found your umbrella", *msg.Text)
	assert.Equal(t, "ck-1", msg.ClientKey)

	// One room publish carrying the persisted message.
	require.Len(t, f.events.room, 1)
	assert.Equal(t, f.convo, f.events.room[0].topic)
	room := f.events.room[0].event.(hub.MessageNew)
	assert.Equal(t, msg.ID, room.Message.ID)
	assert.Equal(t, "ck-1", room.Message.ClientKey)

	// Inbox fan-out reaches every member, the sender included.
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.events.inboxTopics())

	// Counters: recipient bumped, sender untouched.
	assert.Equal(t, 1, f.unread(t, f.bob))
	assert.Equal(t, 0, f.unread(t, f.alice))
}

func TestSendInboxSummariesArePerMember(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), f.convo, f.alice, SendInput{Text: "hello"})
	require.NoError(t, err)

	for _, p := range f.events.inbox {
		item := p.event.(hub.InboxUpsert).Item
		assert.Equal(t, f.convo, item.ID)
		assert.Equal(t, "Blue umbrella", item.Title)
		switch p.topic {
		case "alice":
			assert.Equal(t, 0, item.Unread)
		case "bob":
			assert.Equal(t, 1, item.Unread)
		}
	}
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), f.convo, f.carol, SendInput{Text: "let me in"})
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, 403, appErr.StatusCode)

	// No persist, no fan-out.
	var count int64
	f.db.Model(&models.Message{}).Count(&count)
	assert.Zero(t, count)
	assert.Empty(t, f.events.room)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "   "})
	require.Error(t, err)
	assert.Equal(t, "EMPTY_MESSAGE", err.(*apperrors.AppError).Code)

	long := strings.Repeat("a", 6000)
	msg, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: long})
	require.NoError(t, err)
	assert.Len(t, *msg.Text, 5000)

	many := make([]string, 11)
	for i := range many {
		many[i] = fmt.Sprintf("att-%d", i)
	}
	_, err = f.svc.Send(ctx, f.convo, f.alice, SendInput{Attachments: many})
	require.Error(t, err)
	assert.Equal(t, "TOO_MANY_ATTACHMENTS", err.(*apperrors.AppError).Code)

	// Attachment-only posts are allowed and typed as images.
	msg, err = f.svc.Send(ctx, f.convo, f.alice, SendInput{Attachments: []string{"photo.jpg"}})
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeImage, msg.Type)
	assert.Nil(t, msg.Text)
}

func TestUnreadAccumulatesPerRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.unread(t, f.bob))

	// A reply clears the replier's counter and bumps the other side.
	_, err := f.svc.Send(ctx, f.convo, f.bob, SendInput{Text: "got it"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.unread(t, f.bob))
	assert.Equal(t, 1, f.unread(t, f.alice))
}

func TestMarkReadIsIdempotentAndNotifiesOnlyReader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "ping"})
	require.NoError(t, err)
	require.Equal(t, 1, f.unread(t, f.bob))
	f.events.inbox = nil

	require.NoError(t, f.svc.MarkRead(ctx, f.convo, f.bob))
	assert.Equal(t, 0, f.unread(t, f.bob))
	assert.Equal(t, []string{"bob"}, f.events.inboxTopics())
	item := f.events.inbox[0].event.(hub.InboxUpsert).Item
	assert.Equal(t, 0, item.Unread)

	// Second call changes nothing and still succeeds.
	f.events.inbox = nil
	require.NoError(t, f.svc.MarkRead(ctx, f.convo, f.bob))
	assert.Equal(t, 0, f.unread(t, f.bob))

	// Non-members cannot mark.
	err = f.svc.MarkRead(ctx, f.convo, f.carol)
	require.Error(t, err)
	assert.Equal(t, 403, err.(*apperrors.AppError).StatusCode)
}

func TestOpenReturnsViewAndSincePage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "one"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.svc.Send(ctx, f.convo, f.bob, SendInput{Text: "two"})
	require.NoError(t, err)

	view, msgs, err := f.svc.Open(ctx, f.convo, f.alice, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Blue umbrella", view.Title)
	assert.Len(t, view.Members, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", *msgs[0].Text)
	assert.Equal(t, "two", *msgs[1].Text)

	// With a watermark only strictly newer messages come back.
	_, newer, err := f.svc.Open(ctx, f.convo, f.alice, &first.CreatedAt, 0)
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.Equal(t, "two", *newer[0].Text)

	_, _, err = f.svc.Open(ctx, f.convo, f.carol, nil, 0)
	require.Error(t, err)

	_, _, err = f.svc.Open(ctx, "missing", f.alice, nil, 0)
	require.Error(t, err)
	assert.Equal(t, 404, err.(*apperrors.AppError).StatusCode)
}

func TestHistoryPagesBackward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page, cursor, err := f.svc.History(ctx, f.convo, f.bob, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", *page[0].Text)
	assert.Equal(t, "m4", *page[1].Text)
	require.NotNil(t, cursor)

	page, cursor, err = f.svc.History(ctx, f.convo, f.bob, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", *page[0].Text)
	assert.Equal(t, "m2", *page[1].Text)
	require.NotNil(t, cursor)

	page, cursor, err = f.svc.History(ctx, f.convo, f.bob, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m0", *page[0].Text)
	assert.Nil(t, cursor)
}

func TestInboxOrderedByActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	convo2 := models.Conversation{ID: "conv-2", ItemTitle: "Red scarf"}
	require.NoError(t, f.db.Create(&convo2).Error)
	members := []models.ConversationMember{
		{ConversationID: "conv-2", UserID: "alice"},
		{ConversationID: "conv-2", UserID: "carol"},
	}
	require.NoError(t, f.db.Create(&members).Error)

	_, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "first"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.svc.Send(ctx, "conv-2", f.carol, SendInput{Text: "second"})
	require.NoError(t, err)

	items, err := f.svc.Inbox(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "conv-2", items[0].ID)
	assert.Equal(t, f.convo, items[1].ID)
	assert.Equal(t, 1, items[0].Unread)
	assert.Equal(t, 0, items[1].Unread)
	require.NotNil(t, items[0].LastMessage)
	assert.Equal(t, "second", *items[0].LastMessage.Text)
}

func TestStartDirectFindsOrCreates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.StartDirect(ctx, f.alice, f.carol, "Lost keys", "is this yours?")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Same pair and item resolves to the same conversation.
	again, err := f.svc.StartDirect(ctx, f.carol, f.alice, "Lost keys", "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// The seeded first message went through the normal send path.
	_, msgs, err := f.svc.Open(ctx, id, f.alice, nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "is this yours?", *msgs[0].Text)

	_, err = f.svc.StartDirect(ctx, f.alice, "", "", "")
	require.Error(t, err)
	assert.Equal(t, "MISSING_RECIPIENT", err.(*apperrors.AppError).Code)

	_, err = f.svc.StartDirect(ctx, f.alice, f.alice, "", "")
	require.Error(t, err)
	assert.Equal(t, "SELF_CHAT", err.(*apperrors.AppError).Code)
}

func TestBacklogWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "old"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.svc.Send(ctx, f.convo, f.alice, SendInput{Text: "new"})
	require.NoError(t, err)

	all, err := f.svc.Backlog(ctx, f.convo, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	since, err := f.svc.Backlog(ctx, f.convo, &first.CreatedAt)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "new", *since[0].Text)
}
