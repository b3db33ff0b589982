package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pairsync/internal/engine"
	"pairsync/internal/models"
)

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// ConflictError responses carry the authoritative state so the client can
// reconcile without another round trip.
func writeEngineError(c *gin.Context, err error) {
	var (
		validation *engine.ValidationError
		unauth     *engine.UnauthorizedError
		state      *engine.StateError
		conflict   *engine.ConflictError
		timeout    *engine.TimeoutError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Reason})
	case errors.As(err, &unauth):
		c.JSON(http.StatusForbidden, gin.H{"error": unauth.Reason})
	case errors.As(err, &state):
		c.JSON(http.StatusConflict, gin.H{"error": state.Error()})
	case errors.As(err, &conflict):
		payload := gin.H{"error": conflict.Reason}
		if conflict.NoteID != 0 {
			payload["note_id"] = conflict.NoteID
		}
		if conflict.Version != 0 {
			payload["version"] = conflict.Version
			payload["content"] = conflict.Content
		}
		if conflict.HolderID != 0 {
			payload["holder_id"] = conflict.HolderID
		}
		if !conflict.Until.IsZero() {
			payload["until"] = conflict.Until
		}
		c.JSON(http.StatusConflict, payload)
	case errors.As(err, &timeout):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, engine.ErrEngineBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "session is busy, please retry"})
	case errors.Is(err, engine.ErrEngineClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// sessionCall resolves the caller and session id shared by every engine
// operation handler.
func (h *Handler) sessionCall(c *gin.Context) (userID, sessionID int64, ok bool) {
	userID, ok = h.authorizedUserID(c)
	if !ok {
		return 0, 0, false
	}
	sessionID, ok = pathID(c, "session_id")
	if !ok {
		return 0, 0, false
	}
	return userID, sessionID, true
}

func (h *Handler) getSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	view, err := h.engine.Snapshot(c.Request.Context(), sessionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if !view.Session.Participant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a session participant"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) startSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	if err := h.engine.Start(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) advanceStep(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	var req struct {
		Step string `json:"step"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Step == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step is required"})
		return
	}
	if err := h.engine.AdvanceStep(c.Request.Context(), sessionID, userID, req.Step); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) completeStep(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	step := c.Param("step")
	if step == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step is required"})
		return
	}
	ms, err := h.engine.CompleteStep(c.Request.Context(), sessionID, userID, step)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"step": step, "duration_ms": ms})
}

func (h *Handler) saveReflection(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	var req struct {
		Mood    string `json:"mood"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// The engine gate comes first: a non-participant or timed-out session
	// must not leave a stray reflection row behind.
	if err := h.engine.RecordReflection(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	if err := h.checkin.SaveReflection(c.Request.Context(), sessionID, userID, req.Mood, req.Comment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) enterReview(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	if err := h.engine.EnterReview(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) completeSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	if err := h.engine.Complete(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) abandonSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	if err := h.engine.Abandon(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resumeSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	if err := h.engine.Resume(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) requestTurn(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	res, err := h.engine.RequestTurn(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) releaseTurn(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	if err := h.engine.ReleaseTurn(c.Request.Context(), sessionID, userID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createNote(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
		Privacy string `json:"privacy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	note, err := h.engine.CreateNote(c.Request.Context(), sessionID, userID, req.Content, models.NotePrivacy(req.Privacy))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *Handler) updateNote(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	noteID, ok := pathID(c, "note_id")
	if !ok {
		return
	}
	var req struct {
		Content         string `json:"content"`
		ExpectedVersion int64  `json:"expected_version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ExpectedVersion <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected_version is required"})
		return
	}
	note, err := h.engine.UpdateNote(c.Request.Context(), sessionID, userID, noteID, req.ExpectedVersion, req.Content)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *Handler) lockNote(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	noteID, ok := pathID(c, "note_id")
	if !ok {
		return
	}
	note, err := h.engine.LockNote(c.Request.Context(), sessionID, userID, noteID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *Handler) unlockNote(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	noteID, ok := pathID(c, "note_id")
	if !ok {
		return
	}
	if err := h.engine.UnlockNote(c.Request.Context(), sessionID, userID, noteID); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setTyping(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	var req struct {
		Context  string `json:"context"`
		IsTyping bool   `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.engine.SetTyping(c.Request.Context(), sessionID, userID, req.Context, req.IsTyping); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) heartbeat(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	ack, err := h.engine.Heartbeat(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (h *Handler) react(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.engine.React(c.Request.Context(), sessionID, userID, req.Emoji); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
