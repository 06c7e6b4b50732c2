package hub

import (
	"context"
	"strings"

	"lostfound-board/backend/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	roomChannelPrefix  = "chat.room."
	inboxChannelPrefix = "chat.inbox."
)

// RedisBroadcaster routes events through a Redis Pub/Sub broker so that a
// subscriber connected to any server instance receives events accepted by
// any other instance. Events are not delivered to the local hubs directly;
// the relay loop is the single delivery path, which keeps each event
// at-most-once per subscriber regardless of which instance published it.
type RedisBroadcaster struct {
	client *redis.Client
	local  *LocalBroadcaster
	log    *logger.Logger
	cancel context.CancelFunc
}

func NewRedisBroadcaster(client *redis.Client, local *LocalBroadcaster, log *logger.Logger) *RedisBroadcaster {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &RedisBroadcaster{
		client: client,
		local:  local,
		log:    log,
	}
}

func (b *RedisBroadcaster) PublishRoom(conversationID string, e Event) {
	b.publish(roomChannelPrefix+conversationID, e, func() {
		b.local.PublishRoom(conversationID, e)
	})
}

func (b *RedisBroadcaster) PublishInbox(userID string, e Event) {
	b.publish(inboxChannelPrefix+userID, e, func() {
		b.local.PublishInbox(userID, e)
	})
}

func (b *RedisBroadcaster) publish(channel string, e Event, deliverLocally func()) {
	data, err := EncodeJSON(e)
	if err != nil {
		b.log.LogError(err, "encode event for broker", "channel", channel)
		return
	}
	if err := b.client.Publish(context.Background(), channel, data).Err(); err != nil {
		// Broker down: degrade to local-only delivery so subscribers on
		// this instance still get the event.
		b.log.LogError(err, "broker publish failed, delivering locally", "channel", channel)
		deliverLocally()
	}
}

// Run subscribes to the room and inbox channel patterns and relays broker
// messages into the local hubs until the context is cancelled.
func (b *RedisBroadcaster) Run(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	pubsub := b.client.PSubscribe(ctx, roomChannelPrefix+"*", inboxChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.relay(msg)
		}
	}
}

// Stop cancels the relay loop started by Run.
func (b *RedisBroadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *RedisBroadcaster) relay(msg *redis.Message) {
	e, err := DecodeJSON([]byte(msg.Payload))
	if err != nil {
		b.log.LogError(err, "decode broker event", "channel", msg.Channel)
		return
	}

	switch {
	case strings.HasPrefix(msg.Channel, roomChannelPrefix):
		b.local.PublishRoom(strings.TrimPrefix(msg.Channel, roomChannelPrefix), e)
	case strings.HasPrefix(msg.Channel, inboxChannelPrefix):
		b.local.PublishInbox(strings.TrimPrefix(msg.Channel, inboxChannelPrefix), e)
	}
}
