package engine

import (
	"testing"
	"time"

	"pairsync/internal/models"
)

func TestNoteVersioningMonotonic(t *testing.T) {
	now := time.Now()
	n := newNoteSync(5 * time.Minute)

	note := n.create(1, 11, "first draft", models.NoteShared, now)
	if note.LockVersion != 1 {
		t.Fatalf("new note version = %d, want 1", note.LockVersion)
	}
	updated, err := n.update(note.ID, 1, "second draft", now)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.LockVersion != 2 {
		t.Fatalf("version after update = %d, want 2", updated.LockVersion)
	}
}

func TestNoteStaleUpdateConflict(t *testing.T) {
	now := time.Now()
	n := newNoteSync(5 * time.Minute)
	note := n.create(1, 11, "base", models.NoteShared, now)
	if _, err := n.update(note.ID, 1, "partner edit", now); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err := n.update(note.ID, 1, "stale edit", now)
	conflict, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("stale update = %v, want ConflictError", err)
	}
	if conflict.Version != 2 || conflict.Content != "partner edit" {
		t.Fatalf("conflict carries (%d, %q), want authoritative (2, partner edit)", conflict.Version, conflict.Content)
	}
	if got, _ := n.get(note.ID); got.Content != "partner edit" || got.LockVersion != 2 {
		t.Fatalf("rejected write mutated the note: %+v", got)
	}
}

func TestNoteSoftLockConflict(t *testing.T) {
	now := time.Now()
	n := newNoteSync(5 * time.Minute)
	note := n.create(1, 11, "", models.NoteShared, now)

	if _, err := n.lock(note.ID, 11, now); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err := n.lock(note.ID, 22, now.Add(time.Minute))
	conflict, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("second lock = %v, want ConflictError", err)
	}
	if conflict.HolderID != 11 {
		t.Fatalf("conflict holder = %d, want 11", conflict.HolderID)
	}

	// The soft lock is advisory: a version-valid write still lands.
	if _, err := n.update(note.ID, 1, "written through the lock", now); err != nil {
		t.Fatalf("update under lock: %v", err)
	}

	// An expired lock can be taken over.
	if _, err := n.lock(note.ID, 22, now.Add(6*time.Minute)); err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
}

func TestNoteUnlockRequiresHolder(t *testing.T) {
	now := time.Now()
	n := newNoteSync(5 * time.Minute)
	note := n.create(1, 11, "", models.NoteShared, now)
	n.lock(note.ID, 11, now)

	_, err := n.unlock(note.ID, 22)
	if _, ok := err.(*UnauthorizedError); !ok {
		t.Fatalf("unlock by non-holder = %v, want UnauthorizedError", err)
	}
	if _, err := n.unlock(note.ID, 11); err != nil {
		t.Fatalf("unlock by holder: %v", err)
	}
}

func TestNoteLockSweep(t *testing.T) {
	now := time.Now()
	n := newNoteSync(5 * time.Minute)
	a := n.create(1, 11, "", models.NoteShared, now)
	b := n.create(1, 22, "", models.NoteShared, now)
	n.lock(a.ID, 11, now)
	n.lock(b.ID, 22, now.Add(3*time.Minute))

	released := n.sweep(now.Add(5 * time.Minute))
	if len(released) != 1 || released[0] != a.ID {
		t.Fatalf("sweep released %v, want [%d]", released, a.ID)
	}
	noteID, holder := n.activeLockHolder(now.Add(5 * time.Minute))
	if noteID != b.ID || holder != 22 {
		t.Fatalf("active lock = (%d, %d), want (%d, 22)", noteID, holder, b.ID)
	}
}

func TestNoteUnknownID(t *testing.T) {
	n := newNoteSync(5 * time.Minute)
	_, err := n.update(99, 1, "", time.Now())
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("update unknown note = %v, want ValidationError", err)
	}
}
