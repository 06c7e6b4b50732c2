package hub

// Broadcaster is what the send path publishes through. The room side is
// keyed by conversation id, the inbox side by user id.
type Broadcaster interface {
	PublishRoom(conversationID string, e Event)
	PublishInbox(userID string, e Event)
}

// LocalBroadcaster fans out through in-process hubs only. Sufficient for
// a single server instance; every subscriber is attached to this process.
type LocalBroadcaster struct {
	Rooms   *Hub
	Inboxes *Hub
}

func NewLocalBroadcaster(rooms, inboxes *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{Rooms: rooms, Inboxes: inboxes}
}

func (b *LocalBroadcaster) PublishRoom(conversationID string, e Event) {
	b.Rooms.Publish(conversationID, e)
}

func (b *LocalBroadcaster) PublishInbox(userID string, e Event) {
	b.Inboxes.Publish(userID, e)
}
