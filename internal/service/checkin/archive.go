package checkin

import (
	"context"
	"log"
	"sync"
	"time"

	"pairsync/internal/engine"
)

const (
	archiveQueueSize   = 64
	archiveMaxAttempts = 5
	archiveRetryBase   = 250 * time.Millisecond
	archiveTimeout     = 10 * time.Second
)

// Archiver drains terminal session records onto durable storage. It
// implements engine.Archiver: Archive accepts the record immediately and a
// background goroutine persists it, retrying transient database failures
// with exponential backoff so a hiccup never loses a finished session.
type Archiver struct {
	svc       *Service
	queue     chan engine.ArchiveRecord
	retryBase time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewArchiver starts the archive worker.
func NewArchiver(svc *Service) *Archiver {
	a := &Archiver{
		svc:       svc,
		queue:     make(chan engine.ArchiveRecord, archiveQueueSize),
		retryBase: archiveRetryBase,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Archive queues the record. If the queue is full the record is persisted
// inline; losing it is not an option.
func (a *Archiver) Archive(rec engine.ArchiveRecord) {
	select {
	case a.queue <- rec:
	default:
		log.Printf("archive queue full, persisting session %d inline", rec.Session.ID)
		a.persistWithRetry(rec)
	}
}

// Close stops accepting records and blocks until the queue is drained.
func (a *Archiver) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for rec := range a.queue {
		a.persistWithRetry(rec)
	}
}

func (a *Archiver) persistWithRetry(rec engine.ArchiveRecord) {
	for attempt := 1; attempt <= archiveMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := a.persist(ctx, rec)
		cancel()
		if err == nil {
			return
		}
		if attempt == archiveMaxAttempts {
			log.Printf("archive session %d failed permanently: %v", rec.Session.ID, err)
			return
		}
		wait := archiveBackoff(a.retryBase, attempt)
		log.Printf("archive session %d attempt %d failed: %v (retrying in %s)", rec.Session.ID, attempt, err, wait)
		time.Sleep(wait)
	}
}

// archiveBackoff doubles the wait per attempt: base, 2*base, 4*base, ...
func archiveBackoff(base time.Duration, attempt int) time.Duration {
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
	}
	return wait
}

// persist writes the final session row, its notes, and the per-step timings
// in one transaction. Reruns are safe: notes and steps for the session are
// replaced, not appended.
func (a *Archiver) persist(ctx context.Context, rec engine.ArchiveRecord) error {
	tx, err := a.svc.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, current_step = ?, started_at = ?, completed_at = ?, duration_ms = ?, last_activity_at = ?
		 WHERE id = ?`,
		rec.Session.Status, rec.Session.CurrentStep, rec.Session.StartedAt, rec.Session.CompletedAt,
		rec.TotalDuration.Milliseconds(), rec.Session.LastActivityAt, rec.Session.ID,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE session_id = ?`, rec.Session.ID); err != nil {
		return err
	}
	for _, note := range rec.Notes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notes (session_id, author_id, content, privacy, lock_version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Session.ID, note.AuthorID, note.Content, note.Privacy, note.LockVersion, note.CreatedAt, note.UpdatedAt,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_steps WHERE session_id = ?`, rec.Session.ID); err != nil {
		return err
	}
	completedAt := rec.Session.LastActivityAt
	if rec.Session.CompletedAt != nil {
		completedAt = *rec.Session.CompletedAt
	}
	for step, ms := range rec.StepDurations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_steps (session_id, step, duration_ms, completed_at) VALUES (?, ?, ?, ?)`,
			rec.Session.ID, step, ms, completedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
