package engine

import (
	"log"
	"sync"
	"time"

	"pairsync/internal/models"
)

// timeNow is swapped by tests to drive time-dependent transitions.
var timeNow = time.Now

type cmdResult struct {
	value any
	err   error
}

// command is one unit of work on the session's serialized queue. Timer-driven
// concerns never mutate directly; they run as ticks on the same goroutine, so
// user-driven and timer-driven mutations cannot race.
type command struct {
	name     string
	userID   int64 // zero for internal commands, skips the participant check
	mutating bool  // gated by the inactivity timeout
	terminal bool  // abandon/resume, allowed while timed out
	run      func(a *sessionActor, now time.Time) (any, error)
	resultCh chan cmdResult
}

// SessionView is a read-only snapshot served without going through the
// command queue.
type SessionView struct {
	Session  models.Session                `json:"session"`
	Notes    []models.Note                 `json:"notes"`
	Presence []models.ParticipantPresence  `json:"presence"`
	Steps    []string                      `json:"steps"`
	Paused   bool                          `json:"paused"`
	TimedOut bool                          `json:"timed_out"`
}

// sessionActor owns every mutation for one session. All five engine
// components hang off it and are only touched from run's goroutine.
type sessionActor struct {
	engine *Engine
	cfg    Config

	lifecycle *stateMachine
	turns     *turnCoordinator
	notes     *noteSync
	presence  *presenceTracker
	caster    *broadcaster

	cmdCh    chan *command
	stopCh   chan struct{}
	doneCh   chan struct{} // closed when run exits; after that no command gets a reply
	stopOnce sync.Once

	paused      bool
	pauseReason string
	terminal    bool
	terminalAt  time.Time

	viewMu sync.RWMutex
	view   SessionView
}

func newSessionActor(e *Engine, session *models.Session, steps []string) *sessionActor {
	a := &sessionActor{
		engine:    e,
		cfg:       e.cfg,
		lifecycle: newStateMachine(session, steps, e.cfg.SessionTimeout),
		turns:     newTurnCoordinator(session, e.cfg.MaxTurnDuration),
		notes:     newNoteSync(e.cfg.NoteLockTTL),
		presence:  newPresenceTracker(session.ID, e.cfg.IdleAfter, e.cfg.SteppedAwayAfter, e.cfg.TypingDebounce),
		caster:    newBroadcaster(session.ID, e.cfg.ReplayWindow, e.cache),
		cmdCh:     make(chan *command, e.cfg.InboxSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	a.caster.seed(e.cache.loadRecent(session.ID))
	a.refreshView()
	return a
}

func (a *sessionActor) sessionID() int64 {
	return a.lifecycle.session.ID
}

func (a *sessionActor) run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-a.cmdCh:
			a.handle(cmd)
		case <-ticker.C:
			a.tick(timeNow())
		case <-a.stopCh:
			a.caster.closeAll()
			a.drainInbox()
			return
		}
	}
}

// drainInbox answers commands that were already enqueued when the stop
// landed, so no caller is left waiting on a reply that will never come.
func (a *sessionActor) drainInbox() {
	for {
		select {
		case cmd := <-a.cmdCh:
			if cmd.resultCh != nil {
				cmd.resultCh <- cmdResult{err: ErrEngineClosed}
			}
		default:
			return
		}
	}
}

func (a *sessionActor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *sessionActor) handle(cmd *command) {
	now := timeNow()
	var (
		value any
		err   error
	)
	switch {
	case cmd.userID != 0 && !a.lifecycle.session.Participant(cmd.userID):
		// The single capability check: who may act is decided once, here.
		err = &UnauthorizedError{Reason: "not a session participant"}
	case (cmd.mutating || cmd.terminal) && a.terminal:
		err = &StateError{Status: a.lifecycle.session.Status, Op: cmd.name}
	case cmd.mutating && a.lifecycle.timedOut:
		err = &TimeoutError{Idle: a.lifecycle.idleFor(now)}
	default:
		value, err = cmd.run(a, now)
	}
	switch err.(type) {
	case *StateError:
		log.Printf("session %d: %s rejected: %v", a.sessionID(), cmd.name, err)
	case *UnauthorizedError:
		log.Printf("session %d: unauthorized %s by user %d: %v", a.sessionID(), cmd.name, cmd.userID, err)
	}
	a.refreshView()
	if cmd.resultCh != nil {
		cmd.resultCh <- cmdResult{value: value, err: err}
	}
}

// tick runs the scheduled concerns on the same serialized queue as user
// commands: typing debounce, idle detection, turn auto-expiry, lock
// auto-release, and the session inactivity timeout.
func (a *sessionActor) tick(now time.Time) {
	if a.terminal {
		return
	}
	for _, stop := range a.presence.sweepTyping(now) {
		a.publish(models.EventTyping, stop.userID, map[string]any{
			"context":  stop.context,
			"isTyping": false,
		}, now)
	}
	for _, change := range a.presence.sweep(now) {
		a.publish(models.EventPresenceChanged, change.userID, map[string]any{
			"status": change.status,
		}, now)
		if change.status == models.PresenceSteppedAway {
			if partner := a.lifecycle.session.Partner(change.userID); partner != 0 {
				a.engine.notifier.Notify(partner, "partner_stepped_away", map[string]any{
					"sessionId": a.sessionID(),
					"userId":    change.userID,
				})
			}
		}
	}
	if a.lifecycle.session.TurnBasedMode {
		if expired, granted := a.turns.expire(now); expired != 0 {
			a.publish(models.EventTurnReleased, expired, map[string]any{"voluntary": false}, now)
			if granted != 0 {
				a.publish(models.EventTurnGranted, granted, nil, now)
			}
		}
	}
	for _, noteID := range a.notes.sweep(now) {
		a.publish(models.EventNoteLockReleased, 0, map[string]any{"noteId": noteID}, now)
	}
	if a.lifecycle.checkTimeout(now) {
		a.paused = true
		a.pauseReason = "timeout"
		a.publish(models.EventSessionPaused, 0, map[string]any{"reason": "timeout"}, now)
	}
	// An unattended timed-out session is eventually abandoned outright, so
	// its actor can be retired instead of ticking forever.
	if a.lifecycle.timedOut && a.lifecycle.idleFor(now) >= a.cfg.SessionTimeout+a.cfg.AbandonAfter {
		if err := a.lifecycle.abandon(now); err == nil {
			a.turns.reset()
			a.notes.releaseAll()
			a.publish(models.EventSessionAbandoned, 0, map[string]any{"reason": "timeout"}, now)
			a.finishTerminal(0, now)
		}
	}
	a.refreshView()
}

func (a *sessionActor) publish(evType string, actorID int64, payload map[string]any, now time.Time) {
	a.caster.publish(evType, actorID, payload, now)
}

// touchActivity counts any user operation as presence activity and resets
// the session's inactivity clock.
func (a *sessionActor) touchActivity(userID int64, now time.Time) {
	if a.presence.recordActivity(userID, now) {
		a.publish(models.EventPresenceChanged, userID, map[string]any{
			"status": models.PresenceOnline,
		}, now)
	}
	a.lifecycle.touch(now)
}

func (a *sessionActor) refreshView() {
	session := *a.lifecycle.session
	session.ParticipantIDs = append([]int64(nil), a.lifecycle.session.ParticipantIDs...)
	a.viewMu.Lock()
	a.view = SessionView{
		Session:  session,
		Notes:    a.notes.all(),
		Presence: a.presence.all(),
		Steps:    append([]string(nil), a.lifecycle.steps...),
		Paused:   a.paused,
		TimedOut: a.lifecycle.timedOut,
	}
	a.viewMu.Unlock()
}

func (a *sessionActor) snapshot() SessionView {
	a.viewMu.RLock()
	defer a.viewMu.RUnlock()
	return a.view
}

// ----- operations, all executed on the actor goroutine -----

func (a *sessionActor) doSubscribe(userID int64, now time.Time) *Subscription {
	sub := a.caster.subscribe(userID)
	if _, changed := a.presence.connect(userID, now); changed {
		a.publish(models.EventPresenceChanged, userID, map[string]any{
			"status": models.PresenceOnline,
		}, now)
	}
	if a.paused && a.pauseReason == "empty" {
		a.paused = false
		a.pauseReason = ""
		a.publish(models.EventSessionResumed, userID, map[string]any{"reason": "reconnected"}, now)
	}
	return sub
}

func (a *sessionActor) doUnsubscribe(sub *Subscription, now time.Time) {
	a.caster.unsubscribe(sub)
	if a.caster.subscriberFor(sub.UserID) {
		// The user still has another live subscription; not a disconnect.
		return
	}
	remaining := a.presence.disconnect(sub.UserID)
	a.publish(models.EventPresenceChanged, sub.UserID, map[string]any{
		"status": models.PresenceOffline,
	}, now)
	if a.lifecycle.session.TurnBasedMode {
		if released, granted := a.turns.dropUser(sub.UserID, now); released {
			a.publish(models.EventTurnReleased, sub.UserID, map[string]any{"voluntary": false}, now)
			if granted != 0 {
				a.publish(models.EventTurnGranted, granted, nil, now)
			}
		}
	}
	if remaining == 0 && !a.terminal && !a.paused {
		a.paused = true
		a.pauseReason = "empty"
		a.publish(models.EventSessionPaused, 0, map[string]any{"reason": "empty"}, now)
	}
}

func (a *sessionActor) doStart(userID int64, now time.Time) error {
	if err := a.lifecycle.start(now, a.presence.activeCount()); err != nil {
		return err
	}
	a.touchActivity(userID, now)
	a.publish(models.EventStepChanged, userID, map[string]any{
		"step":   a.lifecycle.session.CurrentStep,
		"status": a.lifecycle.session.Status,
	}, now)
	return nil
}

func (a *sessionActor) doAdvanceStep(userID int64, step string, now time.Time) error {
	if err := a.lifecycle.advanceStep(step, now); err != nil {
		return err
	}
	a.touchActivity(userID, now)
	a.publish(models.EventStepChanged, userID, map[string]any{
		"step":   step,
		"status": a.lifecycle.session.Status,
	}, now)
	return nil
}

func (a *sessionActor) doCompleteStep(userID int64, step string, now time.Time) (int64, error) {
	ms, err := a.lifecycle.completeStep(step, now)
	if err != nil {
		return 0, err
	}
	a.touchActivity(userID, now)
	a.publish(models.EventStepCompleted, userID, map[string]any{
		"step":       step,
		"durationMs": ms,
	}, now)
	return ms, nil
}

func (a *sessionActor) doRecordReflection(userID int64, now time.Time) {
	a.lifecycle.recordReflection(userID, now)
	a.touchActivity(userID, now)
}

func (a *sessionActor) doEnterReview(userID int64, now time.Time) error {
	if err := a.lifecycle.enterReview(now); err != nil {
		return err
	}
	a.touchActivity(userID, now)
	a.publish(models.EventStepChanged, userID, map[string]any{
		"step":   a.lifecycle.session.CurrentStep,
		"status": a.lifecycle.session.Status,
	}, now)
	return nil
}

func (a *sessionActor) doComplete(userID int64, now time.Time) error {
	if noteID, holder := a.notes.activeLockHolder(now); holder != 0 {
		return &ConflictError{
			Reason:   "a note is still being edited",
			NoteID:   noteID,
			HolderID: holder,
		}
	}
	total, err := a.lifecycle.complete(now)
	if err != nil {
		return err
	}
	a.turns.reset()
	a.notes.releaseAll()
	a.publish(models.EventSessionCompleted, userID, map[string]any{
		"durationMs": total.Milliseconds(),
	}, now)
	a.finishTerminal(total, now)
	return nil
}

func (a *sessionActor) doAbandon(userID int64, now time.Time) error {
	if err := a.lifecycle.abandon(now); err != nil {
		return err
	}
	a.turns.reset()
	a.notes.releaseAll()
	a.publish(models.EventSessionAbandoned, userID, nil, now)
	a.finishTerminal(0, now)
	return nil
}

func (a *sessionActor) doResume(userID int64, now time.Time) error {
	if !a.lifecycle.timedOut && !a.paused {
		return &ValidationError{Reason: "session is not paused"}
	}
	a.lifecycle.resume(now)
	a.paused = false
	a.pauseReason = ""
	a.presence.connect(userID, now)
	a.publish(models.EventSessionResumed, userID, nil, now)
	return nil
}

// finishTerminal hands the final state to the persistence collaborator
// exactly once. The archive is queued; durability is the collaborator's
// problem and never delays the completion event.
func (a *sessionActor) finishTerminal(total time.Duration, now time.Time) {
	a.terminal = true
	a.terminalAt = now
	session := *a.lifecycle.session
	session.ParticipantIDs = append([]int64(nil), a.lifecycle.session.ParticipantIDs...)
	durations := make(map[string]int64, len(a.lifecycle.stepDurations))
	for step, ms := range a.lifecycle.stepDurations {
		durations[step] = ms
	}
	a.engine.archiver.Archive(ArchiveRecord{
		Session:       session,
		Notes:         a.notes.all(),
		StepDurations: durations,
		TotalDuration: total,
	})
}

// TurnResult is the direct acknowledgment for a turn request.
type TurnResult struct {
	Granted  bool  `json:"granted"`
	HolderID int64 `json:"holder_id,omitempty"`
}

func (a *sessionActor) doRequestTurn(userID int64, now time.Time) (TurnResult, error) {
	if !a.lifecycle.session.TurnBasedMode {
		return TurnResult{}, &ValidationError{Reason: "session is not turn-based"}
	}
	a.touchActivity(userID, now)
	a.publish(models.EventTurnRequested, userID, nil, now)
	g := a.turns.request(userID, now)
	if !g.granted {
		a.publish(models.EventTurnDenied, userID, map[string]any{"holderId": g.holderID}, now)
		if g.escalate {
			a.engine.notifier.Notify(g.holderID, "partner_waiting_for_turn", map[string]any{
				"sessionId": a.sessionID(),
				"userId":    userID,
			})
		}
		return TurnResult{HolderID: g.holderID}, nil
	}
	if g.expired != 0 {
		a.publish(models.EventTurnReleased, g.expired, map[string]any{"voluntary": false}, now)
	}
	a.publish(models.EventTurnGranted, userID, nil, now)
	return TurnResult{Granted: true}, nil
}

func (a *sessionActor) doReleaseTurn(userID int64, now time.Time) error {
	if !a.lifecycle.session.TurnBasedMode {
		return &ValidationError{Reason: "session is not turn-based"}
	}
	a.touchActivity(userID, now)
	next, err := a.turns.release(userID, now)
	if err != nil {
		return err
	}
	a.publish(models.EventTurnReleased, userID, map[string]any{"voluntary": true}, now)
	if next != 0 {
		a.publish(models.EventTurnGranted, next, nil, now)
	}
	return nil
}

func (a *sessionActor) doCreateNote(userID int64, content string, privacy models.NotePrivacy, now time.Time) (models.Note, error) {
	switch privacy {
	case "":
		privacy = models.NoteShared
	case models.NotePrivate, models.NoteShared, models.NoteDraft:
	default:
		return models.Note{}, &ValidationError{Reason: "unknown privacy: " + string(privacy)}
	}
	a.touchActivity(userID, now)
	note := a.notes.create(a.sessionID(), userID, content, privacy, now)
	a.publish(models.EventNoteCreated, userID, map[string]any{
		"noteId":  note.ID,
		"version": note.LockVersion,
		"privacy": note.Privacy,
	}, now)
	return *note, nil
}

func (a *sessionActor) doUpdateNote(userID, noteID, expectedVersion int64, content string, now time.Time) (models.Note, error) {
	a.touchActivity(userID, now)
	note, err := a.notes.update(noteID, expectedVersion, content, now)
	if err != nil {
		if conflict, ok := err.(*ConflictError); ok {
			a.publish(models.EventNoteConflict, userID, map[string]any{
				"noteId":        conflict.NoteID,
				"serverVersion": conflict.Version,
				"serverContent": conflict.Content,
			}, now)
		}
		return models.Note{}, err
	}
	a.publish(models.EventNoteUpdated, userID, map[string]any{
		"noteId":  note.ID,
		"version": note.LockVersion,
	}, now)
	return *note, nil
}

func (a *sessionActor) doLockNote(userID, noteID int64, now time.Time) (models.Note, error) {
	a.touchActivity(userID, now)
	note, err := a.notes.lock(noteID, userID, now)
	if err != nil {
		return models.Note{}, err
	}
	a.publish(models.EventNoteLocked, userID, map[string]any{
		"noteId":   note.ID,
		"holderId": note.LockedByUserID,
		"until":    note.LockedUntil,
	}, now)
	return *note, nil
}

func (a *sessionActor) doUnlockNote(userID, noteID int64, now time.Time) error {
	a.touchActivity(userID, now)
	note, err := a.notes.unlock(noteID, userID)
	if err != nil {
		return err
	}
	a.publish(models.EventNoteLockReleased, userID, map[string]any{"noteId": note.ID}, now)
	return nil
}

func (a *sessionActor) doSetTyping(userID int64, context string, isTyping bool, now time.Time) {
	a.touchActivity(userID, now)
	stop, start := a.presence.setTyping(userID, context, isTyping, now)
	if stop != nil {
		a.publish(models.EventTyping, userID, map[string]any{
			"context":  stop.context,
			"isTyping": false,
		}, now)
	}
	if start {
		a.publish(models.EventTyping, userID, map[string]any{
			"context":  context,
			"isTyping": true,
		}, now)
	}
}

// HeartbeatAck is the direct acknowledgment for a heartbeat.
type HeartbeatAck struct {
	Type              string `json:"type"`
	ConnectionQuality string `json:"connectionQuality"`
}

func (a *sessionActor) doHeartbeat(userID int64, now time.Time) HeartbeatAck {
	quality, recovered := a.presence.heartbeat(userID, now)
	if recovered {
		a.publish(models.EventPresenceChanged, userID, map[string]any{
			"status": models.PresenceOnline,
		}, now)
	}
	a.lifecycle.touch(now)
	return HeartbeatAck{Type: models.EventHeartbeatAck, ConnectionQuality: quality}
}

func (a *sessionActor) doReact(userID int64, emoji string, now time.Time) error {
	if emoji == "" {
		return &ValidationError{Reason: "emoji is required"}
	}
	a.touchActivity(userID, now)
	a.publish(models.EventReaction, userID, map[string]any{"emoji": emoji}, now)
	return nil
}
