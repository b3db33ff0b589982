package models

import "time"

// SessionStatus is the lifecycle state of a check-in session.
type SessionStatus string

const (
	StatusPreparing  SessionStatus = "preparing"
	StatusInProgress SessionStatus = "in_progress"
	StatusReviewing  SessionStatus = "reviewing"
	StatusCompleted  SessionStatus = "completed"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Session is one synchronous two-party check-in instance.
// CurrentTurnUserID is zero while the turn is unheld.
type Session struct {
	ID                int64         `json:"id"`
	CoupleID          int64         `json:"couple_id"`
	Status            SessionStatus `json:"status"`
	CurrentStep       string        `json:"current_step"`
	ParticipantIDs    []int64       `json:"participant_ids"`
	TurnBasedMode     bool          `json:"turn_based_mode"`
	CurrentTurnUserID int64         `json:"current_turn_user_id,omitempty"`
	TurnStartedAt     *time.Time    `json:"turn_started_at,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Participant reports whether userID is one of the session's participants.
func (s *Session) Participant(userID int64) bool {
	for _, id := range s.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Partner returns the other participant's id, or zero for a solo session.
func (s *Session) Partner(userID int64) int64 {
	for _, id := range s.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return 0
}
