package checkin

import (
	"database/sql"
)

// Service handles account, couple, and session persistence. The live
// in-session state belongs to the engine; this service owns everything
// durable around it.
type Service struct {
	db    *sql.DB
	steps []string
}

// NewService builds a new check-in service. steps is the configured step
// sequence handed to the engine when a session is opened.
func NewService(db *sql.DB, steps []string) *Service {
	return &Service{db: db, steps: steps}
}

// Steps returns the configured step sequence.
func (s *Service) Steps() []string {
	return s.steps
}
