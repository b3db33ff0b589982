package engine

import (
	"errors"
	"fmt"
	"time"

	"pairsync/internal/models"
)

// ErrEngineBusy is returned when a session's command inbox is full.
var ErrEngineBusy = errors.New("engine: command queue full")

// ErrSessionNotFound is returned for sessions that do not exist or are
// already archived.
var ErrSessionNotFound = errors.New("engine: session not found")

// ErrEngineClosed is returned after Close.
var ErrEngineClosed = errors.New("engine: closed")

// ValidationError rejects a malformed request before any state is touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// UnauthorizedError rejects an action by a non-participant, or an attempt to
// release a turn or lock the caller does not hold.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return e.Reason }

// StateError rejects an illegal lifecycle transition. Treated as a
// client-logic bug and logged at warning level by the actor.
type StateError struct {
	Status models.SessionStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while session is %s", e.Op, e.Status)
}

// ConflictError carries the authoritative current state back to the caller so
// it can reconcile; the engine never retries on its behalf.
type ConflictError struct {
	Reason   string
	NoteID   int64
	Version  int64
	Content  string
	HolderID int64
	Until    time.Time
}

func (e *ConflictError) Error() string { return e.Reason }

// TimeoutError rejects mutating operations on a session whose inactivity
// exceeded the configured timeout. Cleared by resume or abandon.
type TimeoutError struct {
	Idle time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session inactive for %s", e.Idle.Truncate(time.Second))
}
