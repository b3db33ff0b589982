package models

import "time"

// Event types fanned out to session subscribers.
const (
	EventTurnRequested    = "turn_requested"
	EventTurnGranted      = "turn_granted"
	EventTurnDenied       = "turn_denied"
	EventTurnReleased     = "turn_released"
	EventStepChanged      = "step_changed"
	EventStepCompleted    = "step_completed"
	EventNoteCreated      = "note_created"
	EventNoteUpdated      = "note_updated"
	EventNoteConflict     = "note_conflict"
	EventNoteLocked       = "note_locked"
	EventNoteLockReleased = "note_lock_released"
	EventTyping           = "typing"
	EventPresenceChanged  = "presence_changed"
	EventHeartbeatAck     = "heartbeat_ack"
	EventReaction         = "reaction"
	EventSessionPaused    = "session_paused"
	EventSessionResumed   = "session_resumed"
	EventSessionCompleted = "session_completed"
	EventSessionAbandoned = "session_abandoned"
)

// Event is one entry in a session's ordered event log. Sequence increases
// monotonically per session; no ordering holds across sessions.
type Event struct {
	Type      string         `json:"type"`
	SessionID int64          `json:"session_id"`
	ActorID   int64          `json:"actor_id,omitempty"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
