package engine

import (
	"pairsync/internal/models"
	"time"
)

const subscriberBuffer = 32

// Subscription is a live attachment to a session's event stream. Replay
// holds the bounded recent-history window current at subscribe time; Events
// then delivers everything newer in sequence order.
type Subscription struct {
	SessionID int64
	UserID    int64
	Replay    []models.Event
	Events    <-chan models.Event

	ch     chan models.Event
	closed bool
}

// broadcaster keeps one ordered event log per session and fans out to the
// current subscribers. Fan-out never blocks the actor: a subscriber that
// cannot keep up is dropped and must resubscribe, reconciling from the
// replay window (at-least-once delivery, never out of order).
type broadcaster struct {
	sessionID int64
	window    int
	cache     *eventCache

	seq     int64
	history []models.Event
	subs    map[*Subscription]struct{}
}

func newBroadcaster(sessionID int64, window int, cache *eventCache) *broadcaster {
	return &broadcaster{
		sessionID: sessionID,
		window:    window,
		cache:     cache,
		subs:      make(map[*Subscription]struct{}),
	}
}

// seed restores the replay window and sequence counter, used when an actor
// is re-opened and the recent history is still cached in redis.
func (b *broadcaster) seed(events []models.Event) {
	if len(events) == 0 {
		return
	}
	b.history = append(b.history, events...)
	if len(b.history) > b.window {
		b.history = b.history[len(b.history)-b.window:]
	}
	b.seq = b.history[len(b.history)-1].Sequence
}

// publish appends the event to the session log and fans it out.
func (b *broadcaster) publish(evType string, actorID int64, payload map[string]any, now time.Time) models.Event {
	b.seq++
	ev := models.Event{
		Type:      evType,
		SessionID: b.sessionID,
		ActorID:   actorID,
		Sequence:  b.seq,
		Timestamp: now,
		Payload:   payload,
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.window {
		b.history = b.history[len(b.history)-b.window:]
	}
	b.cache.store(ev)

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber fell behind; cut it loose rather than stall
			// the session. It reconciles by resubscribing.
			delete(b.subs, sub)
			close(sub.ch)
			sub.closed = true
		}
	}
	return ev
}

// subscribe registers a new subscriber and hands back the replay window.
func (b *broadcaster) subscribe(userID int64) *Subscription {
	ch := make(chan models.Event, subscriberBuffer)
	sub := &Subscription{
		SessionID: b.sessionID,
		UserID:    userID,
		Replay:    append([]models.Event(nil), b.history...),
		Events:    ch,
		ch:        ch,
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
}

func (b *broadcaster) subscriberFor(userID int64) bool {
	for sub := range b.subs {
		if sub.UserID == userID {
			return true
		}
	}
	return false
}

func (b *broadcaster) closeAll() {
	for sub := range b.subs {
		delete(b.subs, sub)
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
}
