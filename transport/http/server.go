// Package http exposes sessions over a gin server: a command channel for
// lifecycle operations (create, pause, resume, fork, input) and a server-sent
// event stream for live signal tailing with optional history replay.
package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/store"
	"github.com/loomkit/loom/kernel/telemetry"
)

type (
	// Launcher builds and starts a session for the given workflow input. The
	// returned machine may be nil when the workflow carries no dispatch
	// state; the state endpoint then reports a usage error.
	Launcher func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error)

	// Options configures the server.
	Options struct {
		// Launch starts new sessions for POST /sessions. Required.
		Launch Launcher
		// Store serves history replay and positional state reconstruction.
		// Optional; without it those queries report a usage error.
		Store store.Store
		// Log defaults to the no-op logger.
		Log telemetry.Logger
	}

	// Server routes session commands and event streams.
	Server struct {
		launch Launcher
		store  store.Store
		log    telemetry.Logger

		mu       sync.RWMutex
		sessions map[string]*entry
	}

	entry struct {
		sess    *session.Session
		machine *session.Machine
	}
)

// NewServer builds a session server.
func NewServer(opts Options) (*Server, error) {
	if opts.Launch == nil {
		return nil, fault.New(fault.KindUsage, "http server: launcher is required")
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Server{
		launch:   opts.Launch,
		store:    opts.Store,
		log:      log,
		sessions: make(map[string]*entry),
	}, nil
}

// RegisterRoutes mounts the session endpoints on the router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.POST("/sessions", s.createSession)
	router.GET("/sessions/:id", s.getSession)
	router.GET("/sessions/:id/events", s.streamEvents)
	router.GET("/sessions/:id/state", s.getState)
	router.POST("/sessions/:id/input", s.postInput)
	router.POST("/sessions/:id/pause", s.pauseSession)
	router.POST("/sessions/:id/resume", s.resumeSession)
	router.POST("/sessions/:id/fork", s.forkSession)
}

// Register tracks an externally created session so clients can address it.
// The machine may be nil.
func (s *Server) Register(sess *session.Session, machine *session.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = &entry{sess: sess, machine: machine}
}

// lookup resolves a session id to its entry.
func (s *Server) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "unknown session %q", id)
	}
	return e, nil
}

// statusFor maps fault kinds to HTTP statuses.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict, fault.KindAborted:
		return http.StatusConflict
	case fault.KindValidation, fault.KindUsage:
		return http.StatusBadRequest
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}
