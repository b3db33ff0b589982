package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pairsync/internal/engine"
	"pairsync/internal/models"
)

// CreateSession inserts a new session in the preparing state for the couple.
func (s *Service) CreateSession(ctx context.Context, coupleID int64, turnBased bool) (*models.Session, error) {
	if coupleID <= 0 {
		return nil, errors.New("couple_id is required")
	}
	couple, err := s.GetCouple(ctx, coupleID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (couple_id, status, current_step, turn_based, last_activity_at, created_at)
		 VALUES (?, ?, '', ?, ?, ?)`,
		coupleID, models.StatusPreparing, turnBased, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{
		ID:             id,
		CoupleID:       coupleID,
		Status:         models.StatusPreparing,
		ParticipantIDs: []int64{couple.UserAID, couple.UserBID},
		TurnBasedMode:  turnBased,
		LastActivityAt: now,
		CreatedAt:      now,
	}, nil
}

// LoadSession resolves a session and its participants for the engine. It
// implements engine.Loader; the step sequence is the service-wide
// configuration.
func (s *Service) LoadSession(ctx context.Context, sessionID int64) (*models.Session, []string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.couple_id, s.status, s.current_step, s.turn_based,
		        s.started_at, s.completed_at, s.last_activity_at, s.created_at,
		        c.user_a_id, c.user_b_id
		 FROM sessions s JOIN couples c ON c.id = s.couple_id
		 WHERE s.id = ?`, sessionID,
	)
	var (
		session     models.Session
		startedAt   sql.NullTime
		completedAt sql.NullTime
		userA       int64
		userB       int64
	)
	err := row.Scan(
		&session.ID, &session.CoupleID, &session.Status, &session.CurrentStep,
		&session.TurnBasedMode, &startedAt, &completedAt,
		&session.LastActivityAt, &session.CreatedAt, &userA, &userB,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, engine.ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	session.ParticipantIDs = []int64{userA, userB}
	return &session, s.steps, nil
}

// ListSessions returns the couple's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, coupleID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, couple_id, status, current_step, turn_based, started_at, completed_at, last_activity_at, created_at
		 FROM sessions WHERE couple_id = ? ORDER BY created_at DESC`,
		coupleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var (
			session     models.Session
			startedAt   sql.NullTime
			completedAt sql.NullTime
		)
		if err := rows.Scan(
			&session.ID, &session.CoupleID, &session.Status, &session.CurrentStep,
			&session.TurnBasedMode, &startedAt, &completedAt,
			&session.LastActivityAt, &session.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if startedAt.Valid {
			session.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			session.CompletedAt = &completedAt.Time
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SaveReflection stores a participant's end-of-session mood and comment.
func (s *Service) SaveReflection(ctx context.Context, sessionID, userID int64, mood, comment string) error {
	if sessionID <= 0 || userID <= 0 {
		return errors.New("session_id and user_id are required")
	}
	mood = strings.TrimSpace(mood)
	if mood == "" {
		return errors.New("mood is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reflections (session_id, user_id, mood, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, userID, mood, strings.TrimSpace(comment), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}
	return nil
}

// SessionSummary is one archived session with its step timings, used by the
// history endpoint.
type SessionSummary struct {
	Session models.Session `json:"session"`
	Steps   []StepDuration `json:"steps"`
	Notes   []models.Note  `json:"notes"`
}

// StepDuration is the recorded time spent in one step.
type StepDuration struct {
	Step       string `json:"step"`
	DurationMs int64  `json:"duration_ms"`
}

// SessionSummary returns the archived record of one finished session.
func (s *Service) SessionSummary(ctx context.Context, sessionID int64) (*SessionSummary, error) {
	session, _, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary := &SessionSummary{Session: *session}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step, duration_ms FROM session_steps WHERE session_id = ? ORDER BY completed_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sd StepDuration
		if err := rows.Scan(&sd.Step, &sd.DurationMs); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		summary.Steps = append(summary.Steps, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	noteRows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, author_id, content, privacy, lock_version, created_at, updated_at
		 FROM notes WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer noteRows.Close()
	for noteRows.Next() {
		var note models.Note
		if err := noteRows.Scan(
			&note.ID, &note.SessionID, &note.AuthorID, &note.Content,
			&note.Privacy, &note.LockVersion, &note.CreatedAt, &note.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		summary.Notes = append(summary.Notes, note)
	}
	return summary, noteRows.Err()
}
