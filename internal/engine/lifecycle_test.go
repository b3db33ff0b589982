package engine

import (
	"testing"
	"time"

	"pairsync/internal/models"
)

var testSteps = []string{"warm_up", "discussion", "planning", "close"}

func preparingSession() *models.Session {
	now := time.Now()
	return &models.Session{
		ID:             1,
		CoupleID:       1,
		Status:         models.StatusPreparing,
		ParticipantIDs: []int64{11, 22},
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 30*time.Minute)

	if err := m.start(now, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.session.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", m.session.Status)
	}
	if m.session.CurrentStep != "warm_up" {
		t.Fatalf("current step = %q, want warm_up", m.session.CurrentStep)
	}

	if err := m.advanceStep("discussion", now.Add(time.Minute)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	ms, err := m.completeStep("discussion", now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if ms != (2 * time.Minute).Milliseconds() {
		t.Fatalf("step duration = %d ms, want 120000", ms)
	}

	m.recordReflection(11, now.Add(4*time.Minute))
	if err := m.enterReview(now.Add(4 * time.Minute)); err != nil {
		t.Fatalf("enter review: %v", err)
	}
	total, err := m.complete(now.Add(5 * time.Minute))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if total != 5*time.Minute {
		t.Fatalf("total = %s, want 5m", total)
	}
	if m.session.Status != models.StatusCompleted || m.session.CompletedAt == nil {
		t.Fatalf("terminal state not recorded: %+v", m.session)
	}
}

func TestStartRejectedOutsidePreparing(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 0)
	if err := m.start(now, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := m.start(now, 1)
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("second start = %v, want StateError", err)
	}
}

func TestStartRequiresAParticipant(t *testing.T) {
	m := newStateMachine(preparingSession(), testSteps, 0)
	err := m.start(time.Now(), 0)
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("start with empty room = %v, want StateError", err)
	}
}

func TestAdvanceStepValidation(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 0)
	if err := m.start(now, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.advanceStep("planning", now); err != nil {
		t.Fatalf("skip forward: %v", err)
	}

	err := m.advanceStep("warm_up", now)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("backward advance = %v, want ValidationError", err)
	}
	err = m.advanceStep("planning", now)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("advance to current = %v, want ValidationError", err)
	}
	err = m.advanceStep("retrospective", now)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("unknown step = %v, want ValidationError", err)
	}
}

func TestCompleteStepIdempotent(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 0)
	if err := m.start(now, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := m.completeStep("warm_up", now.Add(90*time.Second))
	if err != nil {
		t.Fatalf("complete step: %v", err)
	}
	second, err := m.completeStep("warm_up", now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("repeat complete step: %v", err)
	}
	if first != second {
		t.Fatalf("repeat returned %d ms, want recorded %d ms", second, first)
	}
}

func TestEnterReviewRequiresReflection(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 0)
	if err := m.start(now, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := m.enterReview(now)
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("review without reflection = %v, want StateError", err)
	}
	m.recordReflection(22, now)
	if err := m.enterReview(now); err != nil {
		t.Fatalf("enter review: %v", err)
	}
}

func TestCompleteRequiresReviewing(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 0)
	if err := m.start(now, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := m.complete(now)
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("complete while in_progress = %v, want StateError", err)
	}
}

func TestAbandonFromAnyNonTerminalState(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 0)
	if err := m.abandon(now); err != nil {
		t.Fatalf("abandon while preparing: %v", err)
	}
	if m.session.Status != models.StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", m.session.Status)
	}
	err := m.abandon(now)
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("abandon after terminal = %v, want StateError", err)
	}
}

func TestInactivityTimeoutAndResume(t *testing.T) {
	now := time.Now()
	m := newStateMachine(preparingSession(), testSteps, 30*time.Minute)
	if err := m.start(now, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.checkTimeout(now.Add(29 * time.Minute)) {
		t.Fatal("timed out before the threshold")
	}
	if !m.checkTimeout(now.Add(30 * time.Minute)) {
		t.Fatal("did not time out at the threshold")
	}
	if m.checkTimeout(now.Add(31 * time.Minute)) {
		t.Fatal("timeout reported twice")
	}
	m.resume(now.Add(31 * time.Minute))
	if m.timedOut {
		t.Fatal("resume did not clear the timeout")
	}
	if m.checkTimeout(now.Add(32 * time.Minute)) {
		t.Fatal("timed out right after resume")
	}
}
