// Package session implements the runtime state machine that owns a workflow:
// lifecycle transitions (idle, running, paused, aborted, complete),
// cooperative pause/resume and abort, human-in-the-loop prompts, out-of-band
// message injection, and the reducer/handler/process-manager dispatch machine.
//
// A session wires a hub, an optional signal store for durable logs, and a set
// of named agents together, then executes a workflow body with a RunContext
// exposing the structured helpers (Phase, Task, Retry, Parallel, WaitForUser).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/hub"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
	"github.com/loomkit/loom/kernel/telemetry"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusIdle means the session is created but not yet running.
	StatusIdle Status = "idle"
	// StatusRunning means the workflow body is executing.
	StatusRunning Status = "running"
	// StatusPaused means the session is suspended and resumable.
	StatusPaused Status = "paused"
	// StatusAborted means the session was cancelled. Terminal.
	StatusAborted Status = "aborted"
	// StatusComplete means the workflow body returned. Terminal.
	StatusComplete Status = "complete"
)

// Well-known lifecycle signal names.
const (
	NameHarnessStart    = "harness:start"
	NameHarnessComplete = "harness:complete"
	NameFlowPaused      = "flow:paused"
	NameFlowResumed     = "flow:resumed"
	NameSessionMessage  = "session:message"
	NameSessionAbort    = "session:abort"
	NameSessionPrompt   = "session:prompt"
	NameSessionReply    = "session:reply"
)

type (
	// Agent is a unit of work the workflow can invoke by name. Agents are
	// plain values registered at session construction; the kernel performs
	// no discovery or dependency injection.
	Agent interface {
		// Name returns the agent's registration name.
		Name() string
		// Execute runs the agent.
		Execute(ctx context.Context, input any) (any, error)
	}

	// Body is the workflow entry point (run-form).
	Body func(ctx context.Context, rc *RunContext) error

	// Message is an injected out-of-band message. Not a prompt response.
	Message struct {
		// Content is the message text.
		Content string `json:"content"`
		// Agent optionally targets a specific agent.
		Agent string `json:"agent,omitempty"`
		// At records when the message was enqueued.
		At time.Time `json:"at"`
	}

	// Config assembles a session.
	Config struct {
		// ID identifies the session. A UUID is assigned when empty.
		ID string
		// Hub is the session's event bus. One is created when nil.
		Hub *hub.Hub
		// Store, when set, receives every emitted signal as a durable
		// session log recording, finalized on terminal state.
		Store store.Store
		// Agents are the named singletons handed to the workflow.
		Agents []Agent
		// Machine, when set, is bound to the hub before the body runs.
		Machine *Machine
		// Schemas, when set, validates well-known signal payloads on
		// emission. Signals failing validation are dropped by the hub.
		Schemas *signal.SchemaRegistry
		// Interactive enables WaitForUser. Non-interactive sessions reject
		// prompts with a usage error.
		Interactive bool
		// Log defaults to the no-op logger.
		Log telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Session owns one workflow execution.
	Session struct {
		id      string
		hub     *hub.Hub
		store   store.Store
		agents  map[string]Agent
		machine *Machine
		interactive bool
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu          sync.Mutex
		status      Status
		resumeCh    chan struct{} // non-nil while paused; closed on resume
		interruptCh chan struct{} // closed on pause or abort; renewed on resume
		abortCh     chan struct{} // closed on abort, never renewed
		abortReason string
		prompts     map[string]*prompt
		queue       []Message
		cleanups    []func()
		recordingID string
		runErr      error
		done        chan struct{}
		startedAt   time.Time
	}
)

// New assembles a session in the idle state.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Log == nil {
		cfg.Log = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Hub == nil {
		cfg.Hub = hub.New(cfg.ID, cfg.Log, cfg.Metrics)
	}
	if cfg.Schemas != nil {
		cfg.Hub.SetSchemas(cfg.Schemas)
	}
	agents := make(map[string]Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.Name()] = a
	}
	return &Session{
		id:          cfg.ID,
		hub:         cfg.Hub,
		store:       cfg.Store,
		agents:      agents,
		machine:     cfg.Machine,
		interactive: cfg.Interactive,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
		status:      StatusIdle,
		interruptCh: make(chan struct{}),
		abortCh:     make(chan struct{}),
		prompts:     make(map[string]*prompt),
		done:        make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Hub returns the session's event bus.
func (s *Session) Hub() *hub.Hub { return s.hub }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether the session is in a non-terminal, started state.
func (s *Session) Running() bool {
	st := s.Status()
	return st == StatusRunning || st == StatusPaused
}

// RecordingID returns the id of the session log recording, or empty when no
// store is configured or the session has not started.
func (s *Session) RecordingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingID
}

// Run starts the workflow body as a concurrent task. It fails with a conflict
// error unless the session is idle. Use Wait to observe completion.
func (s *Session) Run(ctx context.Context, body Body) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		defer s.mu.Unlock()
		return fault.New(fault.KindConflict, "session %s: run: status is %s", s.id, s.status)
	}
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.store != nil {
		s.mu.Lock()
		recordingID := s.recordingID // already set for forked sessions
		s.mu.Unlock()
		if recordingID == "" {
			created, err := s.store.Create(ctx, store.Meta{
				Name: "session:" + s.id,
				Tags: []string{"session"},
			})
			if err != nil {
				s.log.Error(ctx, "session log disabled: create recording failed", "err", err, "session_id", s.id)
			} else {
				recordingID = created
				s.mu.Lock()
				s.recordingID = recordingID
				s.mu.Unlock()
			}
		}
		if recordingID != "" {
			s.hub.SetTap(func(ctx context.Context, sig signal.Enriched) error {
				err := s.store.Append(ctx, recordingID, sig)
				if sig.Name == NameSessionAbort {
					// The abort signal closes the log. Tap invocations are
					// serialized by hub delivery, so finalizing here makes
					// session:abort the last recorded signal.
					s.hub.SetTap(nil)
					s.finalizeLog(recordingID)
				}
				return err
			})
		}
	}
	if s.machine != nil {
		s.machine.Bind(s.hub)
	}

	bodyCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.abortCh
		cancel()
	}()

	go s.runBody(bodyCtx, cancel, body)
	return nil
}

// runBody executes the workflow body, converts its outcome to a terminal
// state, and releases session resources.
func (s *Session) runBody(ctx context.Context, cancel context.CancelFunc, body Body) {
	defer cancel()

	s.hub.Emit(ctx, signal.Signal{Name: NameHarnessStart, Payload: map[string]any{"sessionId": s.id}})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fault.New(fault.KindInternal, "session %s: workflow panic: %v", s.id, r)
			}
		}()
		return body(ctx, &RunContext{session: s})
	}()

	s.mu.Lock()
	aborted := s.status == StatusAborted
	if !aborted {
		s.status = StatusComplete
		s.runErr = err
	}
	cleanups := s.cleanups
	s.cleanups = nil
	recordingID := s.recordingID
	s.mu.Unlock()

	if !aborted {
		payload := map[string]any{"success": err == nil}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.hub.Emit(ctx, signal.Signal{Name: NameHarnessComplete, Payload: payload})
		// On abort, Abort already ran cleanups and the recording tap closed
		// the log.
		s.finish(cleanups, recordingID)
	}

	s.metrics.IncCounter("loom.sessions.completed", 1, "aborted", fmt.Sprintf("%t", aborted))
	close(s.done)
}

// Wait blocks until the session reaches a terminal state and returns the
// workflow error, if any. An aborted session returns an aborted-kind error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusAborted {
		return fault.New(fault.KindAborted, "session %s aborted: %s", s.id, s.abortReason)
	}
	return s.runErr
}

// Pause suspends a running session. It reports whether the session was
// actually paused; pausing a non-running session is a no-op returning false.
func (s *Session) Pause(ctx context.Context) bool {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	s.status = StatusPaused
	s.resumeCh = make(chan struct{})
	close(s.interruptCh)
	s.mu.Unlock()

	s.hub.Emit(ctx, signal.Signal{Name: NameFlowPaused, Payload: map[string]any{"sessionId": s.id}})
	return true
}

// Resume continues a paused session. A non-empty message is enqueued as an
// injected user message and recorded before the resume signal. It reports
// whether the session was actually resumed.
func (s *Session) Resume(ctx context.Context, message string) bool {
	s.mu.Lock()
	if s.status != StatusPaused {
		s.mu.Unlock()
		return false
	}
	if message != "" {
		s.queue = append(s.queue, Message{Content: message, At: time.Now().UTC()})
	}
	s.status = StatusRunning
	s.interruptCh = make(chan struct{})
	resumeCh := s.resumeCh
	s.resumeCh = nil
	s.mu.Unlock()

	if message != "" {
		s.hub.Emit(ctx, signal.Signal{Name: NameSessionMessage, Payload: map[string]any{"content": message}})
	}
	s.hub.Emit(ctx, signal.Signal{Name: NameFlowResumed, Payload: map[string]any{"sessionId": s.id}})
	close(resumeCh)
	return true
}

// Abort terminates the session. Pending prompts reject with an aborted error,
// the message queue is drained, and session:abort is the final signal; any
// emission after it is dropped. Aborting a terminal session returns false.
func (s *Session) Abort(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.status == StatusAborted || s.status == StatusComplete {
		s.mu.Unlock()
		return false
	}
	wasPaused := s.status == StatusPaused
	wasIdle := s.status == StatusIdle
	s.status = StatusAborted
	s.abortReason = reason
	prompts := s.prompts
	s.prompts = make(map[string]*prompt)
	s.queue = nil
	cleanups := s.cleanups
	s.cleanups = nil
	recordingID := s.recordingID
	if wasPaused {
		close(s.resumeCh)
		s.resumeCh = nil
	} else {
		close(s.interruptCh)
	}
	close(s.abortCh)
	s.mu.Unlock()

	for _, p := range prompts {
		p.reject(fault.New(fault.KindAborted, "prompt %s: session aborted", p.id))
	}

	payload := map[string]any{"sessionId": s.id}
	if reason != "" {
		payload["reason"] = reason
	}
	// EmitFinal seals the hub: emissions racing with the abort (a provider
	// adapter's synthetic end, machine follow-ups) are dropped, and the
	// recording tap finalizes the log right after appending session:abort.
	s.hub.EmitFinal(ctx, signal.Signal{Name: NameSessionAbort, Payload: payload})

	s.runCleanups(cleanups)
	if wasIdle {
		if s.store != nil && recordingID != "" {
			// Run never installed the tap (forked, never started); close the
			// log directly.
			s.finalizeLog(recordingID)
		}
		// No body goroutine will ever close done.
		close(s.done)
	}
	return true
}

// finish runs attachment cleanups in reverse attach order and finalizes the
// session log.
func (s *Session) finish(cleanups []func(), recordingID string) {
	s.runCleanups(cleanups)
	if s.store != nil && recordingID != "" {
		s.finalizeLog(recordingID)
	}
}

// runCleanups runs attachment cleanups in reverse attach order. Individual
// cleanup failures are ignored.
func (s *Session) runCleanups(cleanups []func()) {
	for i := len(cleanups) - 1; i >= 0; i-- {
		func() {
			defer func() { _ = recover() }()
			cleanups[i]()
		}()
	}
}

// finalizeLog marks the session recording finalized with the elapsed run
// duration.
func (s *Session) finalizeLog(recordingID string) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	var durationMs int64
	if !started.IsZero() {
		durationMs = time.Since(started).Milliseconds()
	}
	if err := s.store.Finalize(context.Background(), recordingID, durationMs); err != nil {
		s.log.Error(context.Background(), "session log finalize failed", "err", err, "recording_id", recordingID)
	}
}

// Emit publishes a signal on the session hub. Emissions after abort are
// dropped so session:abort stays the final recorded signal.
func (s *Session) Emit(ctx context.Context, sig signal.Signal) signal.Enriched {
	s.mu.Lock()
	dropped := s.status == StatusAborted
	s.mu.Unlock()
	if dropped {
		return signal.Enriched{Signal: sig}
	}
	return s.hub.Emit(ctx, sig)
}

// InterruptSignal returns a channel closed when the session pauses or aborts.
// Provider adapters watch it between chunks. The channel is renewed on
// resume, so callers should re-fetch it per run.
func (s *Session) InterruptSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptCh
}

// AbortSignal returns a channel closed when the session aborts. Unlike
// InterruptSignal it never fires on pause and is never renewed.
func (s *Session) AbortSignal() <-chan struct{} { return s.abortCh }

// IsAborted reports whether the session was aborted.
func (s *Session) IsAborted() bool { return s.Status() == StatusAborted }

// checkpoint is a cooperative suspension point. It blocks while the session
// is paused and fails once it is aborted.
func (s *Session) checkpoint(ctx context.Context) error {
	for {
		s.mu.Lock()
		status := s.status
		resumeCh := s.resumeCh
		s.mu.Unlock()

		switch status {
		case StatusAborted:
			return fault.New(fault.KindAborted, "session %s aborted", s.id)
		case StatusPaused:
			select {
			case <-ctx.Done():
				return fault.Wrap(fault.KindAborted, ctx.Err(), "session %s", s.id)
			case <-resumeCh:
			}
		default:
			return nil
		}
	}
}

// Send injects an out-of-band message into the session queue and records it.
// This is not a prompt response mechanism.
func (s *Session) Send(ctx context.Context, content, agent string) error {
	s.mu.Lock()
	if s.status == StatusAborted || s.status == StatusComplete {
		defer s.mu.Unlock()
		return fault.New(fault.KindConflict, "session %s: send: status is %s", s.id, s.status)
	}
	s.queue = append(s.queue, Message{Content: content, Agent: agent, At: time.Now().UTC()})
	s.mu.Unlock()

	payload := map[string]any{"content": content}
	if agent != "" {
		payload["agent"] = agent
	}
	s.hub.Emit(ctx, signal.Signal{Name: NameSessionMessage, Payload: payload})
	return nil
}

// HasMessages reports whether injected messages are waiting.
func (s *Session) HasMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// ReadMessages drains and returns the injected message queue.
func (s *Session) ReadMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queue
	s.queue = nil
	return msgs
}
