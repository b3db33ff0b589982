package engine

import (
	"time"

	"pairsync/internal/models"
)

// Connection quality buckets reported by heartbeat, keyed off the interval
// since the previous beat.
const (
	qualityGood = "good"
	qualityFair = "fair"
	qualityPoor = "poor"
)

// presenceTracker runs the per-user availability state machine
// (online <-> idle <-> stepped_away, offline on disconnect) and debounces
// typing signals. Time-driven transitions happen in sweep, which the actor
// calls from its tick.
type presenceTracker struct {
	sessionID      int64
	idleAfter      time.Duration
	awayAfter      time.Duration
	typingDebounce time.Duration

	users map[int64]*presenceState
}

type presenceState struct {
	p models.ParticipantPresence

	lastHeartbeatAt time.Time

	typingActive  bool
	typingContext string
	// stopRequestedAt is non-zero after an explicit stop; the stop is only
	// broadcast once the debounce window passes without a new start, which
	// coalesces rapid start/stop flapping into a single pair of events.
	stopRequestedAt  time.Time
	lastTypingSignal time.Time
}

type presenceChange struct {
	userID int64
	status models.PresenceStatus
}

type typingStop struct {
	userID  int64
	context string
}

func newPresenceTracker(sessionID int64, idleAfter, awayAfter, typingDebounce time.Duration) *presenceTracker {
	return &presenceTracker{
		sessionID:      sessionID,
		idleAfter:      idleAfter,
		awayAfter:      awayAfter,
		typingDebounce: typingDebounce,
		users:          make(map[int64]*presenceState),
	}
}

// connect creates or revives the user's presence record and reports whether
// their status changed, so the caller can broadcast it.
func (t *presenceTracker) connect(userID int64, now time.Time) (models.ParticipantPresence, bool) {
	st, ok := t.users[userID]
	if !ok {
		st = &presenceState{p: models.ParticipantPresence{
			UserID:    userID,
			SessionID: t.sessionID,
		}}
		t.users[userID] = st
	}
	changed := st.p.Status != models.PresenceOnline
	st.p.Status = models.PresenceOnline
	st.p.LastActivityAt = now
	return st.p, changed
}

// recordActivity resets the inactivity clock; a user who was idle or stepped
// away recovers to online and the recovery is reported for broadcast.
func (t *presenceTracker) recordActivity(userID int64, now time.Time) bool {
	st, ok := t.users[userID]
	if !ok {
		return false
	}
	st.p.LastActivityAt = now
	if st.p.Status == models.PresenceIdle || st.p.Status == models.PresenceSteppedAway {
		st.p.Status = models.PresenceOnline
		return true
	}
	return false
}

// heartbeat updates the activity clock and classifies connection quality by
// the interval since the previous beat.
func (t *presenceTracker) heartbeat(userID int64, now time.Time) (string, bool) {
	st, ok := t.users[userID]
	if !ok {
		return qualityPoor, false
	}
	quality := qualityGood
	if !st.lastHeartbeatAt.IsZero() {
		switch interval := now.Sub(st.lastHeartbeatAt); {
		case interval <= 10*time.Second:
			quality = qualityGood
		case interval <= 30*time.Second:
			quality = qualityFair
		default:
			quality = qualityPoor
		}
	}
	st.lastHeartbeatAt = now
	recovered := t.recordActivity(userID, now)
	return quality, recovered
}

// setTyping debounces typing signals. A start is broadcast at most once per
// burst; an explicit stop is deferred by the debounce window and suppressed
// entirely if typing resumes within it. Starting in a different context ends
// the previous burst, and the superseded stop is returned for broadcast.
func (t *presenceTracker) setTyping(userID int64, context string, isTyping bool, now time.Time) (stop *typingStop, start bool) {
	st, ok := t.users[userID]
	if !ok {
		return nil, false
	}
	st.p.LastActivityAt = now
	if isTyping {
		st.lastTypingSignal = now
		st.stopRequestedAt = time.Time{}
		if st.typingActive && st.typingContext == context {
			return nil, false
		}
		if st.typingActive {
			stop = &typingStop{userID: userID, context: st.typingContext}
		}
		st.typingActive = true
		st.typingContext = context
		st.p.TypingContext = context
		return stop, true
	}
	if !st.typingActive {
		return nil, false
	}
	st.stopRequestedAt = now
	return nil, false
}

// sweepTyping emits deferred and implicit stops: an explicit stop whose
// debounce window has passed, or a typing burst with no signal for longer
// than the window.
func (t *presenceTracker) sweepTyping(now time.Time) []typingStop {
	var stops []typingStop
	for userID, st := range t.users {
		if !st.typingActive {
			continue
		}
		expired := !st.stopRequestedAt.IsZero() && now.Sub(st.stopRequestedAt) >= t.typingDebounce
		stale := now.Sub(st.lastTypingSignal) >= t.typingDebounce
		if expired || stale {
			st.typingActive = false
			st.stopRequestedAt = time.Time{}
			st.p.TypingContext = ""
			stops = append(stops, typingStop{userID: userID, context: st.typingContext})
		}
	}
	return stops
}

// sweep applies the time-driven transitions: online -> idle past the idle
// threshold, idle -> stepped_away past the longer one.
func (t *presenceTracker) sweep(now time.Time) []presenceChange {
	var changes []presenceChange
	for userID, st := range t.users {
		inactive := now.Sub(st.p.LastActivityAt)
		switch st.p.Status {
		case models.PresenceOnline:
			if inactive >= t.idleAfter {
				st.p.Status = models.PresenceIdle
				changes = append(changes, presenceChange{userID: userID, status: models.PresenceIdle})
			}
		case models.PresenceIdle:
			if inactive >= t.awayAfter {
				st.p.Status = models.PresenceSteppedAway
				changes = append(changes, presenceChange{userID: userID, status: models.PresenceSteppedAway})
			}
		}
	}
	return changes
}

// disconnect destroys the user's presence record and returns how many
// participants remain connected; the caller auto-pauses the session when
// that reaches zero. A later subscribe recreates the record from scratch.
func (t *presenceTracker) disconnect(userID int64) int {
	delete(t.users, userID)
	return t.activeCount()
}

func (t *presenceTracker) activeCount() int {
	n := 0
	for _, st := range t.users {
		if st.p.Status != models.PresenceOffline {
			n++
		}
	}
	return n
}

func (t *presenceTracker) status(userID int64) (models.PresenceStatus, bool) {
	st, ok := t.users[userID]
	if !ok {
		return "", false
	}
	return st.p.Status, true
}

// all returns presence records for snapshots, copied.
func (t *presenceTracker) all() []models.ParticipantPresence {
	out := make([]models.ParticipantPresence, 0, len(t.users))
	for _, st := range t.users {
		out = append(out, st.p)
	}
	return out
}
