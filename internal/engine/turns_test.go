package engine

import (
	"testing"
	"time"

	"pairsync/internal/models"
)

func turnSession() *models.Session {
	return &models.Session{
		ID:             1,
		Status:         models.StatusInProgress,
		ParticipantIDs: []int64{11, 22},
		TurnBasedMode:  true,
	}
}

func TestTurnMutualExclusion(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)

	if g := tc.request(11, now); !g.granted {
		t.Fatalf("first request denied: %+v", g)
	}
	g := tc.request(22, now.Add(time.Second))
	if g.granted {
		t.Fatal("second participant granted while turn held")
	}
	if g.holderID != 11 {
		t.Fatalf("denied with holder %d, want 11", g.holderID)
	}
	// Re-requesting one's own turn is a granted no-op.
	if g := tc.request(11, now.Add(time.Second)); !g.granted {
		t.Fatalf("holder re-request denied: %+v", g)
	}
}

func TestTurnReleasePassesToPendingRequest(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)
	tc.request(22, now)

	next, err := tc.release(11, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if next != 22 {
		t.Fatalf("turn passed to %d, want 22", next)
	}
	if tc.holder() != 22 {
		t.Fatalf("holder = %d, want 22", tc.holder())
	}
}

func TestTurnReleaseWithoutPendingLeavesUnheld(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)

	next, err := tc.release(11, now)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if next != 0 || tc.holder() != 0 {
		t.Fatalf("next=%d holder=%d, want both unheld", next, tc.holder())
	}
}

func TestTurnReleaseRequiresHolder(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)

	_, err := tc.release(22, now)
	if _, ok := err.(*UnauthorizedError); !ok {
		t.Fatalf("release by non-holder = %v, want UnauthorizedError", err)
	}
}

func TestTurnRequestTakesOverExpiredHolder(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)

	g := tc.request(22, now.Add(5*time.Minute))
	if !g.granted {
		t.Fatalf("request after expiry denied: %+v", g)
	}
	if g.expired != 11 {
		t.Fatalf("expired holder = %d, want 11", g.expired)
	}
	if tc.holder() != 22 {
		t.Fatalf("holder = %d, want 22", tc.holder())
	}
}

func TestTurnExpireRegrantsOnlyPending(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)

	expired, granted := tc.expire(now.Add(5 * time.Minute))
	if expired != 11 || granted != 0 {
		t.Fatalf("expire = (%d, %d), want (11, 0)", expired, granted)
	}
	if tc.holder() != 0 {
		t.Fatalf("holder = %d after expiry with no pending", tc.holder())
	}

	start := now.Add(6 * time.Minute)
	tc.request(11, start)
	tc.request(22, start)
	expired, granted = tc.expire(start.Add(5 * time.Minute))
	if expired != 11 || granted != 22 {
		t.Fatalf("expire = (%d, %d), want (11, 22)", expired, granted)
	}
}

func TestTurnDenialEscalatesAtThreshold(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)

	for i := 1; i < deniedBeforeEscalation; i++ {
		if g := tc.request(22, now); g.escalate {
			t.Fatalf("escalated on denial %d", i)
		}
	}
	if g := tc.request(22, now); !g.escalate {
		t.Fatalf("no escalation on denial %d", deniedBeforeEscalation)
	}
	// Streak resets once the turn is finally granted.
	tc.release(11, now)
	tc.request(22, now)
	tc.release(22, now)
	tc.request(11, now)
	if g := tc.request(22, now); g.escalate {
		t.Fatal("escalated on first denial after a grant")
	}
}

func TestTurnDropUserReleasesAndRegrants(t *testing.T) {
	now := time.Now()
	tc := newTurnCoordinator(turnSession(), 5*time.Minute)
	tc.request(11, now)
	tc.request(22, now)

	released, granted := tc.dropUser(11, now)
	if !released || granted != 22 {
		t.Fatalf("dropUser = (%v, %d), want (true, 22)", released, granted)
	}

	// A departing pending requester is forgotten.
	tc.request(11, now)
	tc.dropUser(11, now)
	released, granted = tc.dropUser(22, now)
	if !released || granted != 0 {
		t.Fatalf("dropUser = (%v, %d), want (true, 0)", released, granted)
	}
}
