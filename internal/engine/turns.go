package engine

import (
	"time"

	"pairsync/internal/models"
)

// deniedBeforeEscalation is how many consecutive denials a waiting
// participant accrues before the holder's partner is nudged through the
// notification collaborator.
const deniedBeforeEscalation = 3

// turnCoordinator arbitrates single-speaker turn ownership. Only meaningful
// when the session runs in turn-based mode; operated solely from the owning
// actor goroutine, which is what makes the tie-break rule ("first request in
// the serialized queue wins") hold.
type turnCoordinator struct {
	session *models.Session
	maxTurn time.Duration

	pendingUserID int64
	denyStreak    map[int64]int
}

type turnGrant struct {
	granted  bool
	holderID int64 // current holder when denied
	expired  int64 // previous holder whose turn was taken over after expiry
	escalate bool  // deny streak reached the notification threshold
}

func newTurnCoordinator(session *models.Session, maxTurn time.Duration) *turnCoordinator {
	return &turnCoordinator{
		session:    session,
		maxTurn:    maxTurn,
		denyStreak: make(map[int64]int),
	}
}

func (t *turnCoordinator) holder() int64 {
	return t.session.CurrentTurnUserID
}

func (t *turnCoordinator) holderExpired(now time.Time) bool {
	if t.session.CurrentTurnUserID == 0 || t.session.TurnStartedAt == nil {
		return false
	}
	return now.Sub(*t.session.TurnStartedAt) >= t.maxTurn
}

// request grants immediately if the turn is unheld or the current holder's
// turn has auto-expired; otherwise the caller is denied and remembered as the
// pending requester.
func (t *turnCoordinator) request(userID int64, now time.Time) turnGrant {
	if holder := t.session.CurrentTurnUserID; holder != 0 {
		if holder == userID {
			// Already holding; treat as a granted no-op.
			return turnGrant{granted: true}
		}
		if !t.holderExpired(now) {
			t.pendingUserID = userID
			t.denyStreak[userID]++
			return turnGrant{
				holderID: holder,
				escalate: t.denyStreak[userID] == deniedBeforeEscalation,
			}
		}
		t.grant(userID, now)
		delete(t.denyStreak, userID)
		return turnGrant{granted: true, expired: holder}
	}
	t.grant(userID, now)
	delete(t.denyStreak, userID)
	return turnGrant{granted: true}
}

// release clears the turn if userID is the holder. The turn passes to the
// other participant only if they have a pending request.
func (t *turnCoordinator) release(userID int64, now time.Time) (int64, error) {
	if t.session.CurrentTurnUserID != userID {
		return 0, &UnauthorizedError{Reason: "turn not held by caller"}
	}
	t.clearHolder()
	return t.grantPending(now), nil
}

// expire force-releases a held turn whose duration exceeded maxTurn.
// Returns the expired holder and whoever a pending request re-granted to.
func (t *turnCoordinator) expire(now time.Time) (expired int64, granted int64) {
	if !t.holderExpired(now) {
		return 0, 0
	}
	expired = t.session.CurrentTurnUserID
	t.clearHolder()
	return expired, t.grantPending(now)
}

// dropUser releases the turn immediately when its holder disconnects and
// forgets any pending request by the departing user.
func (t *turnCoordinator) dropUser(userID int64, now time.Time) (released bool, granted int64) {
	if t.pendingUserID == userID {
		t.pendingUserID = 0
	}
	delete(t.denyStreak, userID)
	if t.session.CurrentTurnUserID != userID {
		return false, 0
	}
	t.clearHolder()
	return true, t.grantPending(now)
}

func (t *turnCoordinator) reset() {
	t.clearHolder()
	t.pendingUserID = 0
	t.denyStreak = make(map[int64]int)
}

func (t *turnCoordinator) grantPending(now time.Time) int64 {
	if t.pendingUserID == 0 {
		return 0
	}
	userID := t.pendingUserID
	t.pendingUserID = 0
	delete(t.denyStreak, userID)
	t.grant(userID, now)
	return userID
}

func (t *turnCoordinator) grant(userID int64, now time.Time) {
	t.session.CurrentTurnUserID = userID
	start := now
	t.session.TurnStartedAt = &start
}

func (t *turnCoordinator) clearHolder() {
	t.session.CurrentTurnUserID = 0
	t.session.TurnStartedAt = nil
}
