package session

import (
	"context"
	"sync"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/hub"
	"github.com/loomkit/loom/kernel/signal"
)

type (
	// Transport is the surface handed to attachments: observe the session's
	// signals and steer it. Implementations are bound to one session.
	Transport interface {
		// SessionID returns the owning session's id.
		SessionID() string
		// Subscribe registers a listener for matching signals and returns
		// its unsubscribe function. Listeners registered before the first
		// emission miss nothing.
		Subscribe(filter signal.Filter, fn hub.Listener) func()
		// Events returns a channel of enriched signals matching the filter,
		// closed when ctx is done or the session reaches a terminal state.
		// The channel is buffered; a consumer that falls behind the buffer
		// loses signals rather than stalling delivery. Use Subscribe for
		// lossless synchronous observation.
		Events(ctx context.Context, filter signal.Filter) <-chan signal.Enriched
		// Send injects an out-of-band message, optionally targeting an
		// agent.
		Send(ctx context.Context, content, agent string) error
		// Reply resolves a pending prompt.
		Reply(ctx context.Context, promptID, response string) error
		// Abort terminates the session.
		Abort(ctx context.Context, reason string) bool
		// Status returns the session's lifecycle state.
		Status() Status
		// SessionActive reports whether the session is still running or
		// paused.
		SessionActive() bool
	}

	// Attachment binds behavior to a session: it subscribes, renders, or
	// steers, and returns a cleanup invoked on terminal state.
	Attachment func(t Transport) (cleanup func(), err error)

	// transport implements Transport over a session.
	transport struct {
		session *Session
	}
)

// Attach invokes the attachment factory and stores its cleanup. Cleanups run
// in reverse attach order when the session terminates; individual failures
// are ignored. Attaching to a terminal session is a conflict.
func (s *Session) Attach(att Attachment) error {
	s.mu.Lock()
	if s.status == StatusAborted || s.status == StatusComplete {
		defer s.mu.Unlock()
		return fault.New(fault.KindConflict, "session %s: attach: status is %s", s.id, s.status)
	}
	s.mu.Unlock()

	cleanup, err := att(&transport{session: s})
	if err != nil {
		return err
	}
	if cleanup != nil {
		s.mu.Lock()
		s.cleanups = append(s.cleanups, cleanup)
		s.mu.Unlock()
	}
	return nil
}

// Transport returns the session's transport surface, the same one handed to
// attachments. External clients (HTTP, CLI) steer sessions through it.
func (s *Session) Transport() Transport {
	return &transport{session: s}
}

func (t *transport) SessionID() string { return t.session.id }

func (t *transport) Subscribe(filter signal.Filter, fn hub.Listener) func() {
	return t.session.hub.Subscribe(filter, fn)
}

// eventBuffer bounds the per-consumer channel. Slow consumers drop signals
// rather than stall the hub.
const eventBuffer = 256

func (t *transport) Events(ctx context.Context, filter signal.Filter) <-chan signal.Enriched {
	ch := make(chan signal.Enriched, eventBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := t.session.hub.Subscribe(filter, func(_ context.Context, sig signal.Enriched) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- sig:
		default:
			t.session.log.Warn(context.Background(), "event consumer lagging, signal dropped",
				"session_id", t.session.id, "signal", sig.Name)
		}
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-t.session.done:
		}
		unsub()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

func (t *transport) Send(ctx context.Context, content, agent string) error {
	return t.session.Send(ctx, content, agent)
}

func (t *transport) Reply(ctx context.Context, promptID, response string) error {
	return t.session.Reply(ctx, promptID, response)
}

func (t *transport) Abort(ctx context.Context, reason string) bool {
	return t.session.Abort(ctx, reason)
}

func (t *transport) Status() Status { return t.session.Status() }

func (t *transport) SessionActive() bool { return t.session.Running() }
