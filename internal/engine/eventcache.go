package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pairsync/internal/models"
	"pairsync/internal/redis"
)

const eventCacheTTL = time.Hour

// eventCache mirrors each session's replay window into a redis list so the
// window survives an engine restart. Everything here is best-effort: a cache
// failure is logged and never fails the operation that produced the event.
type eventCache struct {
	client *redis.Client
	window int
}

func newEventCache(client *redis.Client, window int) *eventCache {
	return &eventCache{client: client, window: window}
}

func eventKey(sessionID int64) string {
	return fmt.Sprintf("engine:events:%d", sessionID)
}

func (c *eventCache) store(ev models.Event) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("event cache marshal failed: %v", err)
		return
	}
	ctx := context.Background()
	key := eventKey(ev.SessionID)
	if err := c.client.RPush(ctx, key, data); err != nil {
		log.Printf("event cache push failed: %v", err)
		return
	}
	if err := c.client.LTrim(ctx, key, int64(-c.window), -1); err != nil {
		log.Printf("event cache trim failed: %v", err)
	}
	if err := c.client.Expire(ctx, key, eventCacheTTL); err != nil {
		log.Printf("event cache expire failed: %v", err)
	}
}

func (c *eventCache) loadRecent(sessionID int64) []models.Event {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := c.client.LRange(context.Background(), eventKey(sessionID), 0, -1)
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("event cache load failed: %v", err)
		}
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	events := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			log.Printf("event cache decode failed: %v", err)
			return nil
		}
		events = append(events, ev)
	}
	return events
}

func (c *eventCache) invalidate(sessionID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(context.Background(), eventKey(sessionID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("event cache invalidate failed: %v", err)
	}
}
