package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pairsync/internal/auth"
	"pairsync/internal/config"
	"pairsync/internal/engine"
	"pairsync/internal/service/checkin"
	"pairsync/internal/service/notify"
	"pairsync/internal/storage"
)

var flowSteps = []string{"warm_up", "discussion", "planning", "close"}

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := checkin.NewService(db, flowSteps)
	authSvc := auth.NewService(db, nil, time.Hour)
	archiver := checkin.NewArchiver(svc)
	t.Cleanup(archiver.Close)
	eng := engine.NewEngine(engine.Config{Steps: flowSteps}, svc, archiver, notify.NewNotifier(nil), nil)
	t.Cleanup(eng.Close)

	router := gin.New()
	NewHandler(svc, authSvc, eng).RegisterRoutes(router)
	return &testServer{router: router}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (ts *testServer) signup(t *testing.T, username string) (int64, string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users/register", "", gin.H{"username": username, "password": "secret-" + username})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", username, rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/users/login", "", gin.H{"username": username, "password": "secret-" + username})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, rec, &resp)
	return resp.ID, resp.AuthToken
}

// openStream starts the SSE subscription in the background and returns a
// function that stops it and hands back the raw stream body.
func (ts *testServer) openStream(t *testing.T, sessionID int64, token string) func() string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/sessions/%d/events?access_token=%s", sessionID, token), nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		ts.router.ServeHTTP(rec, req)
		close(done)
	}()
	return func() string {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not terminate")
		}
		return rec.Body.String()
	}
}

// waitOnline polls the snapshot until the user shows up as connected, so the
// test does not race the background subscribe.
func (ts *testServer) waitOnline(t *testing.T, sessionID int64, token string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", sessionID), token, nil)
		if rec.Code == http.StatusOK {
			var view struct {
				Presence []struct {
					Status string `json:"status"`
				} `json:"presence"`
			}
			decodeJSON(t, rec, &view)
			online := 0
			for _, p := range view.Presence {
				if p.Status == "online" {
					online++
				}
			}
			if online >= want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d participants online", want)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/sessions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCoupleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, tokenA := ts.signup(t, "alex")
	ts.signup(t, "sam")

	rec := ts.do(t, http.MethodPost, "/api/couples", tokenA, gin.H{"partner_username": "nobody"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown partner: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/couples", tokenA, gin.H{"partner_username": "sam"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create couple: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/api/couples/me", tokenA, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("my couple: %d", rec.Code)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, tokenA := ts.signup(t, "alex")
	_, tokenB := ts.signup(t, "sam")

	rec := ts.do(t, http.MethodPost, "/api/couples", tokenA, gin.H{"partner_username": "sam"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create couple: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/sessions", tokenA, gin.H{"turn_based": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	var session struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec, &session)
	base := fmt.Sprintf("/api/sessions/%d", session.ID)

	closeA := ts.openStream(t, session.ID, tokenA)
	closeB := ts.openStream(t, session.ID, tokenB)
	ts.waitOnline(t, session.ID, tokenA, 2)

	if rec := ts.do(t, http.MethodPost, base+"/start", tokenA, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	// Starting twice is a lifecycle violation.
	if rec := ts.do(t, http.MethodPost, base+"/start", tokenA, nil); rec.Code != http.StatusConflict {
		t.Fatalf("second start: %d", rec.Code)
	}

	// Turn arbitration: A holds, B is denied with the holder id.
	var turn struct {
		Granted  bool  `json:"granted"`
		HolderID int64 `json:"holder_id"`
	}
	rec = ts.do(t, http.MethodPost, base+"/turn/request", tokenA, nil)
	decodeJSON(t, rec, &turn)
	if !turn.Granted {
		t.Fatalf("turn request denied: %s", rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, base+"/turn/request", tokenB, nil)
	decodeJSON(t, rec, &turn)
	if turn.Granted || turn.HolderID == 0 {
		t.Fatalf("partner turn = %s", rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, base+"/turn/release", tokenA, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}

	// Notes: create, CAS update, then a stale write gets 409 with the
	// authoritative state.
	rec = ts.do(t, http.MethodPost, base+"/notes", tokenA, gin.H{"content": "plan the weekend", "privacy": "shared"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create note: %d %s", rec.Code, rec.Body.String())
	}
	var note struct {
		ID          int64 `json:"id"`
		LockVersion int64 `json:"lock_version"`
	}
	decodeJSON(t, rec, &note)
	notePath := fmt.Sprintf("%s/notes/%d", base, note.ID)

	rec = ts.do(t, http.MethodPut, notePath, tokenB, gin.H{"content": "plan the weekend, book dinner", "expected_version": note.LockVersion})
	if rec.Code != http.StatusOK {
		t.Fatalf("update note: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPut, notePath, tokenA, gin.H{"content": "stale", "expected_version": note.LockVersion})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale update: %d %s", rec.Code, rec.Body.String())
	}
	var conflict struct {
		Version int64  `json:"version"`
		Content string `json:"content"`
	}
	decodeJSON(t, rec, &conflict)
	if conflict.Version != note.LockVersion+1 || !strings.Contains(conflict.Content, "book dinner") {
		t.Fatalf("conflict payload = %s", rec.Body.String())
	}

	// Soft lock blocks the partner's lock but not a versioned write.
	if rec := ts.do(t, http.MethodPost, notePath+"/lock", tokenA, nil); rec.Code != http.StatusOK {
		t.Fatalf("lock: %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, notePath+"/lock", tokenB, nil); rec.Code != http.StatusConflict {
		t.Fatalf("partner lock: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, notePath+"/lock", tokenA, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("unlock: %d %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, http.MethodPost, base+"/typing", tokenA, gin.H{"context": "shared_note", "is_typing": true}); rec.Code != http.StatusNoContent {
		t.Fatalf("typing: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, base+"/heartbeat", tokenB, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d", rec.Code)
	}
	var ack struct {
		Type              string `json:"type"`
		ConnectionQuality string `json:"connectionQuality"`
	}
	decodeJSON(t, rec, &ack)
	if ack.Type != "heartbeat_ack" || ack.ConnectionQuality == "" {
		t.Fatalf("ack = %s", rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, base+"/reactions", tokenA, gin.H{"emoji": "❤️"}); rec.Code != http.StatusNoContent {
		t.Fatalf("reaction: %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, base+"/advance", tokenA, gin.H{"step": "discussion"}); rec.Code != http.StatusNoContent {
		t.Fatalf("advance: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, base+"/steps/discussion/complete", tokenB, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete step: %d %s", rec.Code, rec.Body.String())
	}

	// Review requires a reflection first.
	if rec := ts.do(t, http.MethodPost, base+"/review", tokenA, nil); rec.Code != http.StatusConflict {
		t.Fatalf("review without reflection: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, base+"/reflection", tokenA, gin.H{"mood": "content", "comment": "good talk"}); rec.Code != http.StatusNoContent {
		t.Fatalf("reflection: %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, base+"/review", tokenA, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, base+"/complete", tokenB, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	streamA := closeA()
	closeB()
	for _, want := range []string{"event: step_changed", "event: note_created", "event: note_conflict", "event: reaction", "event: session_completed"} {
		if !strings.Contains(streamA, want) {
			t.Fatalf("stream missing %q:\n%s", want, streamA)
		}
	}

	// The archive lands asynchronously; the summary endpoint serves it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = ts.do(t, http.MethodGet, base+"/summary", tokenA, nil)
		if rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "completed") &&
			strings.Contains(rec.Body.String(), "book dinner") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summary never settled: %d %s", rec.Code, rec.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOutsiderCannotTouchSession(t *testing.T) {
	ts := newTestServer(t)
	_, tokenA := ts.signup(t, "alex")
	ts.signup(t, "sam")
	_, tokenC := ts.signup(t, "intruder")

	rec := ts.do(t, http.MethodPost, "/api/couples", tokenA, gin.H{"partner_username": "sam"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create couple: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/sessions", tokenA, gin.H{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d", rec.Code)
	}
	var session struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec, &session)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/start", session.ID), tokenC, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider start: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d/summary", session.ID), tokenC, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider summary: %d", rec.Code)
	}
}
