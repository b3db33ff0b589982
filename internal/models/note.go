package models

import "time"

// NotePrivacy controls who can read a note.
type NotePrivacy string

const (
	NotePrivate NotePrivacy = "private"
	NoteShared  NotePrivacy = "shared"
	NoteDraft   NotePrivacy = "draft"
)

// Note is a shared note attached to a session. LockVersion is the optimistic
// concurrency stamp: every accepted write increments it by exactly one, and a
// write is accepted only when the caller's expected version matches it.
// LockedByUserID/LockedUntil describe the advisory edit lock, which is
// independent of the version check.
type Note struct {
	ID             int64       `json:"id"`
	SessionID      int64       `json:"session_id"`
	AuthorID       int64       `json:"author_id"`
	Content        string      `json:"content"`
	Privacy        NotePrivacy `json:"privacy"`
	LockVersion    int64       `json:"lock_version"`
	LockedByUserID int64       `json:"locked_by_user_id,omitempty"`
	LockedUntil    *time.Time  `json:"locked_until,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
