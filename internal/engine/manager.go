package engine

import (
	"context"
	"sync"
	"time"

	"pairsync/internal/models"
	"pairsync/internal/redis"
)

// Config carries the engine's tunables; zero values fall back to the
// documented defaults.
type Config struct {
	Steps            []string
	IdleAfter        time.Duration
	SteppedAwayAfter time.Duration
	TypingDebounce   time.Duration
	MaxTurnDuration  time.Duration
	NoteLockTTL      time.Duration
	SessionTimeout   time.Duration
	// AbandonAfter is the grace past the session timeout before an
	// unattended session is abandoned and its actor retired.
	AbandonAfter time.Duration
	TickInterval time.Duration
	ReplayWindow int
	InboxSize    int
}

func (c *Config) applyDefaults() {
	if len(c.Steps) == 0 {
		c.Steps = []string{"warm_up", "discussion", "planning", "close"}
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 2 * time.Minute
	}
	if c.SteppedAwayAfter <= 0 {
		c.SteppedAwayAfter = 10 * time.Minute
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = 3 * time.Second
	}
	if c.MaxTurnDuration <= 0 {
		c.MaxTurnDuration = 5 * time.Minute
	}
	if c.NoteLockTTL <= 0 {
		c.NoteLockTTL = 5 * time.Minute
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 30 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 64
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 16
	}
}

// Loader supplies the session record, participant list and step
// configuration when a session actor is opened.
type Loader interface {
	LoadSession(ctx context.Context, sessionID int64) (*models.Session, []string, error)
}

// ArchiveRecord is the final state handed to the persistence collaborator on
// a terminal transition.
type ArchiveRecord struct {
	Session       models.Session
	Notes         []models.Note
	StepDurations map[string]int64
	TotalDuration time.Duration
}

// Archiver durably stores terminal session state. Called exactly once per
// terminal transition; implementations queue and retry, the engine treats
// the record as accepted once the call returns.
type Archiver interface {
	Archive(rec ArchiveRecord)
}

// Notifier delivers partner-facing nudges. Fire-and-forget: implementations
// log failures and never block the session.
type Notifier interface {
	Notify(userID int64, kind string, payload map[string]any)
}

const (
	terminalLinger = 30 * time.Second
	reapInterval   = 10 * time.Second
)

// Engine owns one actor per active session and routes every operation onto
// that session's serialized queue.
type Engine struct {
	cfg      Config
	loader   Loader
	archiver Archiver
	notifier Notifier
	cache    *eventCache

	mu     sync.Mutex
	actors map[int64]*sessionActor
	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine constructs the engine. cacheClient may be nil, which disables
// the redis replay-window mirror.
func NewEngine(cfg Config, loader Loader, archiver Archiver, notifier Notifier, cacheClient *redis.Client) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		loader:   loader,
		archiver: archiver,
		notifier: notifier,
		cache:    newEventCache(cacheClient, cfg.ReplayWindow),
		actors:   make(map[int64]*sessionActor),
		stopCh:   make(chan struct{}),
	}
	go e.reapLoop()
	return e
}

// Close stops every actor and the reaper. In-flight commands get their
// results; later calls fail with ErrEngineClosed.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.mu.Lock()
	e.closed = true
	for id, a := range e.actors {
		a.stop()
		delete(e.actors, id)
	}
	e.mu.Unlock()
}

// reapLoop retires actors whose sessions reached a terminal state, after a
// short linger so subscribers receive the final events.
func (e *Engine) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := timeNow()
			e.mu.Lock()
			for id, a := range e.actors {
				v := a.snapshot()
				if v.Session.Status.Terminal() && v.Session.CompletedAt != nil &&
					now.Sub(*v.Session.CompletedAt) >= terminalLinger {
					a.stop()
					delete(e.actors, id)
				}
			}
			e.mu.Unlock()
		}
	}
}

// actor returns the running actor for the session, opening one through the
// loader on first use.
func (e *Engine) actor(ctx context.Context, sessionID int64) (*sessionActor, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if a, ok := e.actors[sessionID]; ok {
		e.mu.Unlock()
		return a, nil
	}
	e.mu.Unlock()

	session, steps, err := e.loader.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, ErrSessionNotFound
	}
	if len(steps) == 0 {
		steps = e.cfg.Steps
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if a, ok := e.actors[sessionID]; ok {
		return a, nil
	}
	a := newSessionActor(e, session, steps)
	e.actors[sessionID] = a
	go a.run()
	return a, nil
}

func (e *Engine) do(ctx context.Context, sessionID int64, cmd *command) (any, error) {
	a, err := e.actor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cmd.resultCh = make(chan cmdResult, 1)
	select {
	case a.cmdCh <- cmd:
	case <-a.doneCh:
		return nil, ErrEngineClosed
	default:
		return nil, ErrEngineBusy
	}
	select {
	case res := <-cmd.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.doneCh:
		// The actor stopped under us; take the reply if its final handle
		// or drain already delivered one.
		select {
		case res := <-cmd.resultCh:
			return res.value, res.err
		default:
			return nil, ErrEngineClosed
		}
	}
}

// Subscribe attaches the user to the session's event stream, creates their
// presence record, and returns the bounded replay window.
func (e *Engine) Subscribe(ctx context.Context, sessionID, userID int64) (*Subscription, error) {
	v, err := e.do(ctx, sessionID, &command{
		name:   "subscribe",
		userID: userID,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doSubscribe(userID, now), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

// Unsubscribe detaches the subscription and records the disconnect, which
// may auto-pause an emptied session.
func (e *Engine) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	_, _ = e.do(context.Background(), sub.SessionID, &command{
		name: "unsubscribe",
		run: func(a *sessionActor, now time.Time) (any, error) {
			a.doUnsubscribe(sub, now)
			return nil, nil
		},
	})
}

// Snapshot serves the current read-only view; it does not queue behind
// pending mutations.
func (e *Engine) Snapshot(ctx context.Context, sessionID int64) (SessionView, error) {
	a, err := e.actor(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return a.snapshot(), nil
}

func (e *Engine) Start(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "start", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doStart(userID, now)
		},
	})
	return err
}

func (e *Engine) AdvanceStep(ctx context.Context, sessionID, userID int64, step string) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "advance_step", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doAdvanceStep(userID, step, now)
		},
	})
	return err
}

func (e *Engine) CompleteStep(ctx context.Context, sessionID, userID int64, step string) (int64, error) {
	v, err := e.do(ctx, sessionID, &command{
		name: "complete_step", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doCompleteStep(userID, step, now)
		},
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// RecordReflection marks that the user recorded a mood/reflection value,
// which gates EnterReview. Persisting the value itself belongs to the
// checkin collaborator.
func (e *Engine) RecordReflection(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "record_reflection", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			a.doRecordReflection(userID, now)
			return nil, nil
		},
	})
	return err
}

func (e *Engine) EnterReview(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "enter_review", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doEnterReview(userID, now)
		},
	})
	return err
}

func (e *Engine) Complete(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "complete", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doComplete(userID, now)
		},
	})
	return err
}

func (e *Engine) Abandon(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "abandon", userID: userID, terminal: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doAbandon(userID, now)
		},
	})
	return err
}

// Resume clears a timeout or empty-room pause after an explicit user action.
func (e *Engine) Resume(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "resume", userID: userID, terminal: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doResume(userID, now)
		},
	})
	return err
}

func (e *Engine) RequestTurn(ctx context.Context, sessionID, userID int64) (TurnResult, error) {
	v, err := e.do(ctx, sessionID, &command{
		name: "request_turn", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doRequestTurn(userID, now)
		},
	})
	if err != nil {
		return TurnResult{}, err
	}
	return v.(TurnResult), nil
}

func (e *Engine) ReleaseTurn(ctx context.Context, sessionID, userID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "release_turn", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doReleaseTurn(userID, now)
		},
	})
	return err
}

func (e *Engine) CreateNote(ctx context.Context, sessionID, userID int64, content string, privacy models.NotePrivacy) (models.Note, error) {
	v, err := e.do(ctx, sessionID, &command{
		name: "create_note", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doCreateNote(userID, content, privacy, now)
		},
	})
	if err != nil {
		return models.Note{}, err
	}
	return v.(models.Note), nil
}

func (e *Engine) UpdateNote(ctx context.Context, sessionID, userID, noteID, expectedVersion int64, content string) (models.Note, error) {
	v, err := e.do(ctx, sessionID, &command{
		name: "update_note", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doUpdateNote(userID, noteID, expectedVersion, content, now)
		},
	})
	if err != nil {
		return models.Note{}, err
	}
	return v.(models.Note), nil
}

func (e *Engine) LockNote(ctx context.Context, sessionID, userID, noteID int64) (models.Note, error) {
	v, err := e.do(ctx, sessionID, &command{
		name: "lock_note", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doLockNote(userID, noteID, now)
		},
	})
	if err != nil {
		return models.Note{}, err
	}
	return v.(models.Note), nil
}

func (e *Engine) UnlockNote(ctx context.Context, sessionID, userID, noteID int64) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "unlock_note", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doUnlockNote(userID, noteID, now)
		},
	})
	return err
}

// SetTyping is not gated by the session timeout: presence signals stay
// usable while the session waits for resume or abandon.
func (e *Engine) SetTyping(ctx context.Context, sessionID, userID int64, typingContext string, isTyping bool) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "set_typing", userID: userID,
		run: func(a *sessionActor, now time.Time) (any, error) {
			a.doSetTyping(userID, typingContext, isTyping, now)
			return nil, nil
		},
	})
	return err
}

func (e *Engine) Heartbeat(ctx context.Context, sessionID, userID int64) (HeartbeatAck, error) {
	v, err := e.do(ctx, sessionID, &command{
		name: "heartbeat", userID: userID,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return a.doHeartbeat(userID, now), nil
		},
	})
	if err != nil {
		return HeartbeatAck{}, err
	}
	return v.(HeartbeatAck), nil
}

func (e *Engine) React(ctx context.Context, sessionID, userID int64, emoji string) error {
	_, err := e.do(ctx, sessionID, &command{
		name: "reaction", userID: userID, mutating: true,
		run: func(a *sessionActor, now time.Time) (any, error) {
			return nil, a.doReact(userID, emoji, now)
		},
	})
	return err
}
