package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pairsync/internal/models"
)

const keepAliveInterval = 15 * time.Second

// streamEvents attaches the caller to the session's event stream over SSE.
// The bounded replay window is flushed first, then live events follow in
// sequence order; the event id carries the sequence so clients can detect
// gaps. If the engine drops the subscriber for falling behind, the stream
// ends with a reset event and the client reconnects to reconcile.
func (h *Handler) streamEvents(c *gin.Context) {
	userID, sessionID, ok := h.sessionCall(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sub, err := h.engine.Subscribe(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	defer h.engine.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(ev models.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, ev := range sub.Replay {
		if err := sendEvent(ev); err != nil {
			return
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events:
			if !open {
				// Dropped for falling behind, or the session actor shut
				// down. Tell the client to resubscribe.
				fmt.Fprint(c.Writer, "event: reset\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := sendEvent(ev); err != nil {
				return
			}
		}
	}
}
