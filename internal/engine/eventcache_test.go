package engine

import (
	"testing"
	"time"

	"pairsync/internal/models"
	"pairsync/internal/redis"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T, window int) *eventCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := redis.NewFromAddr(srv.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return newEventCache(client, window)
}

func TestEventCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t, 64)
	now := time.Now().UTC().Truncate(time.Second)

	for i := int64(1); i <= 3; i++ {
		cache.store(models.Event{
			Type:      models.EventStepChanged,
			SessionID: 7,
			Sequence:  i,
			Timestamp: now,
			Payload:   map[string]any{"step": "discussion"},
		})
	}

	events := cache.loadRecent(7)
	if len(events) != 3 {
		t.Fatalf("loaded %d events, want 3", len(events))
	}
	if events[0].Sequence != 1 || events[2].Sequence != 3 {
		t.Fatalf("sequence order broken: %+v", events)
	}
	if events[1].Type != models.EventStepChanged || events[1].SessionID != 7 {
		t.Fatalf("event fields lost: %+v", events[1])
	}
}

func TestEventCacheTrimsToWindow(t *testing.T) {
	cache := newTestCache(t, 4)
	now := time.Now()

	for i := int64(1); i <= 10; i++ {
		cache.store(models.Event{Type: models.EventReaction, SessionID: 7, Sequence: i, Timestamp: now})
	}

	events := cache.loadRecent(7)
	if len(events) != 4 {
		t.Fatalf("window holds %d events, want 4", len(events))
	}
	if events[0].Sequence != 7 {
		t.Fatalf("oldest cached sequence = %d, want 7", events[0].Sequence)
	}
}

func TestEventCacheMissAndInvalidate(t *testing.T) {
	cache := newTestCache(t, 64)
	if events := cache.loadRecent(99); events != nil {
		t.Fatalf("cold load returned %v, want nil", events)
	}

	cache.store(models.Event{Type: models.EventReaction, SessionID: 5, Sequence: 1, Timestamp: time.Now()})
	cache.invalidate(5)
	if events := cache.loadRecent(5); events != nil {
		t.Fatalf("load after invalidate returned %v, want nil", events)
	}
}

func TestEventCacheNilClientIsNoop(t *testing.T) {
	cache := newEventCache(nil, 64)
	cache.store(models.Event{SessionID: 1, Sequence: 1})
	if events := cache.loadRecent(1); events != nil {
		t.Fatalf("nil-client cache returned %v", events)
	}
	cache.invalidate(1)
}
