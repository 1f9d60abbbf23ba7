package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/signal"
)

// streamEvents tails the session's signals as server-sent events. With
// ?history=true the recorded log is replayed first, then the live tail
// follows. Signal ids are stable across replays, so reconnecting clients
// suppress duplicates by id.
func (s *Server) streamEvents(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()

	// Subscribe before loading history so no live signal falls in the gap
	// between replay and tail. Overlap is resolved client-side by id.
	live := e.sess.Transport().Events(ctx, nil)

	var history []signal.Enriched
	if c.Query("history") == "true" {
		history, err = s.historySignals(ctx, e)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for _, sig := range history {
		if !writeEvent(c, sig) {
			return
		}
	}
	for sig := range live {
		if !writeEvent(c, sig) {
			return
		}
	}
}

// historySignals loads the session's recorded log.
func (s *Server) historySignals(ctx context.Context, e *entry) ([]signal.Enriched, error) {
	if s.store == nil {
		return nil, fault.New(fault.KindUsage, "no store configured for history")
	}
	recordingID := e.sess.RecordingID()
	if recordingID == "" {
		return nil, fault.New(fault.KindUsage, "session %s has no signal log", e.sess.ID())
	}
	rec, err := s.store.Load(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	return rec.Signals, nil
}

// writeEvent writes one SSE frame and reports whether the client is still
// connected.
func writeEvent(c *gin.Context, sig signal.Enriched) bool {
	data, err := json.Marshal(sig)
	if err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(data); err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
