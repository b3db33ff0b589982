package engine

import (
	"time"

	"pairsync/internal/models"
)

// noteSync implements optimistic concurrency control over the session's
// notes: version-stamped compare-and-swap for writes, plus advisory soft
// locks for the editing UI. The version check is the correctness mechanism;
// the soft lock never blocks updateNote. Notes live in memory for the
// session's lifetime and are persisted by the checkin collaborator on the
// terminal transition.
type noteSync struct {
	lockTTL time.Duration

	notes  map[int64]*models.Note
	order  []int64
	nextID int64
}

func newNoteSync(lockTTL time.Duration) *noteSync {
	return &noteSync{
		lockTTL: lockTTL,
		notes:   make(map[int64]*models.Note),
	}
}

func (n *noteSync) get(noteID int64) (*models.Note, error) {
	note, ok := n.notes[noteID]
	if !ok {
		return nil, &ValidationError{Reason: "unknown note"}
	}
	return note, nil
}

func (n *noteSync) create(sessionID, authorID int64, content string, privacy models.NotePrivacy, now time.Time) *models.Note {
	n.nextID++
	note := &models.Note{
		ID:          n.nextID,
		SessionID:   sessionID,
		AuthorID:    authorID,
		Content:     content,
		Privacy:     privacy,
		LockVersion: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	n.notes[note.ID] = note
	n.order = append(n.order, note.ID)
	return note
}

// update accepts the write iff expectedVersion matches the current version,
// incrementing it by exactly one. On mismatch the returned ConflictError
// carries the authoritative (version, content) so the caller can re-render
// and retry; nothing is merged and nothing mutates.
func (n *noteSync) update(noteID, expectedVersion int64, content string, now time.Time) (*models.Note, error) {
	note, err := n.get(noteID)
	if err != nil {
		return nil, err
	}
	if note.LockVersion != expectedVersion {
		return nil, &ConflictError{
			Reason:  "stale note version",
			NoteID:  note.ID,
			Version: note.LockVersion,
			Content: note.Content,
		}
	}
	note.Content = content
	note.LockVersion++
	note.UpdatedAt = now
	return note, nil
}

// lock places a soft edit lock if the note is unlocked or the existing lock
// has expired; otherwise it fails naming the current holder.
func (n *noteSync) lock(noteID, userID int64, now time.Time) (*models.Note, error) {
	note, err := n.get(noteID)
	if err != nil {
		return nil, err
	}
	if note.LockedByUserID != 0 && note.LockedByUserID != userID &&
		note.LockedUntil != nil && note.LockedUntil.After(now) {
		return nil, &ConflictError{
			Reason:   "note locked by another participant",
			NoteID:   note.ID,
			HolderID: note.LockedByUserID,
			Until:    *note.LockedUntil,
		}
	}
	until := now.Add(n.lockTTL)
	note.LockedByUserID = userID
	note.LockedUntil = &until
	return note, nil
}

// unlock releases the soft lock; only the holder may do so.
func (n *noteSync) unlock(noteID, userID int64) (*models.Note, error) {
	note, err := n.get(noteID)
	if err != nil {
		return nil, err
	}
	if note.LockedByUserID != userID {
		return nil, &UnauthorizedError{Reason: "lock not held by caller"}
	}
	note.LockedByUserID = 0
	note.LockedUntil = nil
	return note, nil
}

// sweep clears expired locks and reports the affected note ids, so a
// disconnected editor never permanently blocks the other participant.
func (n *noteSync) sweep(now time.Time) []int64 {
	var released []int64
	for _, id := range n.order {
		note := n.notes[id]
		if note.LockedByUserID != 0 && note.LockedUntil != nil && !note.LockedUntil.After(now) {
			note.LockedByUserID = 0
			note.LockedUntil = nil
			released = append(released, id)
		}
	}
	return released
}

// activeLockHolder returns the holder of any still-valid soft lock, used to
// gate session completion while an edit is in flight.
func (n *noteSync) activeLockHolder(now time.Time) (int64, int64) {
	for _, id := range n.order {
		note := n.notes[id]
		if note.LockedByUserID != 0 && note.LockedUntil != nil && note.LockedUntil.After(now) {
			return id, note.LockedByUserID
		}
	}
	return 0, 0
}

func (n *noteSync) releaseAll() []int64 {
	var released []int64
	for _, id := range n.order {
		note := n.notes[id]
		if note.LockedByUserID != 0 {
			note.LockedByUserID = 0
			note.LockedUntil = nil
			released = append(released, id)
		}
	}
	return released
}

// all returns the notes in creation order, copied for snapshots.
func (n *noteSync) all() []models.Note {
	out := make([]models.Note, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, *n.notes[id])
	}
	return out
}
