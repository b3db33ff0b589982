package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pairsync/internal/redis"
)

const publishTimeout = 2 * time.Second

// Notifier delivers out-of-band nudges (partner stepped away, partner
// waiting for a turn) over redis pub/sub, one channel per user, where a
// push gateway or companion app picks them up. It implements
// engine.Notifier and is strictly fire-and-forget: delivery failures are
// logged and never surface into the session.
type Notifier struct {
	client *redis.Client
}

// Message is the wire format published to a user's channel.
type Message struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// NewNotifier builds a notifier. client may be nil, in which case nudges are
// only logged.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// ChannelFor returns the pub/sub channel for a user.
func ChannelFor(userID int64) string {
	return fmt.Sprintf("notify:user:%d", userID)
}

// Notify publishes a nudge to the user's channel.
func (n *Notifier) Notify(userID int64, kind string, payload map[string]any) {
	if n.client == nil {
		log.Printf("notify user %d: %s (no redis, dropped)", userID, kind)
		return
	}
	data, err := json.Marshal(Message{Kind: kind, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		log.Printf("notify user %d: marshal %s: %v", userID, kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, ChannelFor(userID), data); err != nil {
		log.Printf("notify user %d: publish %s: %v", userID, kind, err)
	}
}
