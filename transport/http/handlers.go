package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/signal"
)

type (
	createRequest struct {
		Input map[string]any `json:"input"`
	}

	resumeRequest struct {
		Message string `json:"message"`
	}

	forkRequest struct {
		// Position bounds the copied log prefix. Nil copies everything.
		Position *int `json:"position"`
	}

	// serializedEvent is the wire form of an injected signal.
	serializedEvent struct {
		Name    string         `json:"name" binding:"required"`
		Payload map[string]any `json:"payload"`
	}

	inputRequest struct {
		Event serializedEvent `json:"event" binding:"required"`
	}
)

func (s *Server) createSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.Wrap(fault.KindValidation, err, "invalid session request"))
		return
	}

	sess, machine, err := s.launch(c.Request.Context(), req.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	s.Register(sess, machine)

	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID()})
}

func (s *Server) getSession(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": e.sess.ID(),
		"running":   e.sess.Running(),
		"status":    string(e.sess.Status()),
	})
}

// getState serves the committed dispatch state. With ?position=N the state is
// reconstructed by folding the first N recorded signals, so clients can
// inspect any point of a session's history.
func (s *Server) getState(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if e.machine == nil {
		writeError(c, fault.New(fault.KindUsage, "session %s has no dispatch state", e.sess.ID()))
		return
	}

	raw := c.Query("position")
	if raw == "" {
		c.JSON(http.StatusOK, gin.H{
			"sessionId": e.sess.ID(),
			"state":     e.machine.Snapshot(),
		})
		return
	}

	position, err := strconv.Atoi(raw)
	if err != nil {
		writeError(c, fault.Wrap(fault.KindValidation, err, "invalid position %q", raw))
		return
	}
	signals, err := s.historySignals(c.Request.Context(), e)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": e.sess.ID(),
		"position":  position,
		"state":     e.machine.Replay(signals, position),
	})
}

// postInput accepts HITL replies and out-of-band injections. Replies resolve
// pending prompts; message events enqueue; anything else is emitted verbatim
// on the session hub.
func (s *Server) postInput(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.Wrap(fault.KindValidation, err, "invalid input request"))
		return
	}

	ctx := c.Request.Context()
	switch req.Event.Name {
	case "session:reply":
		promptID, _ := req.Event.Payload["promptId"].(string)
		content, _ := req.Event.Payload["content"].(string)
		if promptID == "" {
			writeError(c, fault.New(fault.KindValidation, "session:reply requires a promptId"))
			return
		}
		if err := e.sess.Reply(ctx, promptID, content); err != nil {
			writeError(c, err)
			return
		}
	case "session:message":
		content, _ := req.Event.Payload["content"].(string)
		agent, _ := req.Event.Payload["agent"].(string)
		if content == "" {
			writeError(c, fault.New(fault.KindValidation, "session:message requires content"))
			return
		}
		if err := e.sess.Send(ctx, content, agent); err != nil {
			writeError(c, err)
			return
		}
	default:
		var payload any
		if req.Event.Payload != nil {
			payload = req.Event.Payload
		}
		e.sess.Emit(ctx, signal.Signal{Name: req.Event.Name, Payload: payload})
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) pauseSession(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	wasPaused := e.sess.Pause(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "wasPaused": wasPaused})
}

func (s *Server) resumeSession(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req resumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fault.Wrap(fault.KindValidation, err, "invalid resume request"))
			return
		}
	}
	wasResumed := e.sess.Resume(c.Request.Context(), req.Message)
	c.JSON(http.StatusOK, gin.H{"ok": true, "wasResumed": wasResumed})
}

func (s *Server) forkSession(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req forkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fault.Wrap(fault.KindValidation, err, "invalid fork request"))
			return
		}
	}
	position := -1
	if req.Position != nil {
		position = *req.Position
	}

	result, forked, err := e.sess.Fork(c.Request.Context(), position)
	if err != nil {
		writeError(c, err)
		return
	}
	s.Register(forked, nil)

	c.JSON(http.StatusOK, result)
}
