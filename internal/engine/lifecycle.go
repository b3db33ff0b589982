package engine

import (
	"time"

	"pairsync/internal/models"
)

// stateMachine owns the session's lifecycle: status, current step, activity
// and step timing. It is only ever touched from the owning actor goroutine.
type stateMachine struct {
	session *models.Session
	steps   []string
	timeout time.Duration

	stepStartedAt time.Time
	stepDurations map[string]int64 // step -> ms, recorded once per step
	reflections   map[int64]bool   // user id -> has recorded a mood/reflection
	timedOut      bool
}

func newStateMachine(session *models.Session, steps []string, timeout time.Duration) *stateMachine {
	return &stateMachine{
		session:       session,
		steps:         steps,
		timeout:       timeout,
		stepDurations: make(map[string]int64),
		reflections:   make(map[int64]bool),
	}
}

func (m *stateMachine) stepIndex(step string) int {
	for i, s := range m.steps {
		if s == step {
			return i
		}
	}
	return -1
}

// start moves preparing -> in_progress and enters the first configured step.
// presentCount is the number of currently connected participants.
func (m *stateMachine) start(now time.Time, presentCount int) error {
	if m.session.Status != models.StatusPreparing {
		return &StateError{Status: m.session.Status, Op: "start"}
	}
	if presentCount < 1 {
		return &StateError{Status: m.session.Status, Op: "start without participants"}
	}
	m.session.Status = models.StatusInProgress
	m.session.StartedAt = &now
	m.session.CurrentStep = m.steps[0]
	m.stepStartedAt = now
	m.touch(now)
	return nil
}

// advanceStep moves to a later step in the configured list. Moving backward
// is rejected; advancing resets the activity timer.
func (m *stateMachine) advanceStep(step string, now time.Time) error {
	if m.session.Status != models.StatusInProgress {
		return &StateError{Status: m.session.Status, Op: "advance step"}
	}
	idx := m.stepIndex(step)
	if idx < 0 {
		return &ValidationError{Reason: "unknown step: " + step}
	}
	if cur := m.stepIndex(m.session.CurrentStep); idx <= cur {
		return &ValidationError{Reason: "cannot move back to step: " + step}
	}
	m.session.CurrentStep = step
	m.stepStartedAt = now
	m.touch(now)
	return nil
}

// completeStep records the step's duration for analytics export. Idempotent:
// a second completion of the same step returns the recorded duration.
func (m *stateMachine) completeStep(step string, now time.Time) (int64, error) {
	if m.session.Status != models.StatusInProgress {
		return 0, &StateError{Status: m.session.Status, Op: "complete step"}
	}
	if m.stepIndex(step) < 0 {
		return 0, &ValidationError{Reason: "unknown step: " + step}
	}
	if ms, ok := m.stepDurations[step]; ok {
		return ms, nil
	}
	ms := now.Sub(m.stepStartedAt).Milliseconds()
	if step != m.session.CurrentStep {
		// Completing a step that is no longer current carries no
		// measurable span; record zero rather than guessing.
		ms = 0
	}
	m.stepDurations[step] = ms
	m.touch(now)
	return ms, nil
}

func (m *stateMachine) recordReflection(userID int64, now time.Time) {
	m.reflections[userID] = true
	m.touch(now)
}

// enterReview moves in_progress -> reviewing. Requires at least one recorded
// mood/reflection; persistence of the value itself belongs to the checkin
// collaborator.
func (m *stateMachine) enterReview(now time.Time) error {
	if m.session.Status != models.StatusInProgress {
		return &StateError{Status: m.session.Status, Op: "enter review"}
	}
	if len(m.reflections) == 0 {
		return &StateError{Status: m.session.Status, Op: "enter review without a reflection"}
	}
	m.session.Status = models.StatusReviewing
	m.touch(now)
	return nil
}

// complete moves reviewing -> completed and returns the total duration.
func (m *stateMachine) complete(now time.Time) (time.Duration, error) {
	if m.session.Status != models.StatusReviewing {
		return 0, &StateError{Status: m.session.Status, Op: "complete"}
	}
	m.session.Status = models.StatusCompleted
	m.session.CompletedAt = &now
	m.timedOut = false
	m.touch(now)
	if m.session.StartedAt == nil {
		return 0, nil
	}
	return now.Sub(*m.session.StartedAt), nil
}

// abandon is legal from any non-terminal state.
func (m *stateMachine) abandon(now time.Time) error {
	if m.session.Status.Terminal() {
		return &StateError{Status: m.session.Status, Op: "abandon"}
	}
	m.session.Status = models.StatusAbandoned
	m.session.CompletedAt = &now
	m.timedOut = false
	return nil
}

func (m *stateMachine) touch(now time.Time) {
	m.session.LastActivityAt = now
}

// checkTimeout flips the timed-out flag once inactivity exceeds the session
// timeout. Mutating operations are rejected until resume or abandon.
func (m *stateMachine) checkTimeout(now time.Time) bool {
	if m.timedOut || m.session.Status.Terminal() || m.timeout <= 0 {
		return false
	}
	if now.Sub(m.session.LastActivityAt) < m.timeout {
		return false
	}
	m.timedOut = true
	return true
}

func (m *stateMachine) resume(now time.Time) {
	m.timedOut = false
	m.touch(now)
}

func (m *stateMachine) idleFor(now time.Time) time.Duration {
	return now.Sub(m.session.LastActivityAt)
}
