package models

import "time"

// PresenceStatus is the per-user availability state within a session.
type PresenceStatus string

const (
	PresenceOnline      PresenceStatus = "online"
	PresenceIdle        PresenceStatus = "idle"
	PresenceSteppedAway PresenceStatus = "stepped_away"
	PresenceOffline     PresenceStatus = "offline"
)

// ParticipantPresence tracks one user's availability inside one session.
// Created on subscribe, updated on every activity signal, removed on
// disconnect.
type ParticipantPresence struct {
	UserID         int64          `json:"user_id"`
	SessionID      int64          `json:"session_id"`
	Status         PresenceStatus `json:"status"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	TypingContext  string         `json:"typing_context,omitempty"`
}
