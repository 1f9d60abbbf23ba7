// Package hub implements the per-session event bus: pattern-filtered pub/sub
// with synchronous ordered delivery, scoping context propagation, and an
// optional recording tap.
//
// Delivery semantics:
//
//   - Listeners run synchronously in subscription order; each listener sees
//     the signals it matches in emission order.
//   - A listener that emits during its callback does not recurse: the new
//     signal is queued and delivered after all listeners of the triggering
//     signal have run (FIFO micro-queue).
//   - Listener panics are isolated and logged; siblings still run.
//   - There is no backpressure. Listeners must be non-blocking and dispatch
//     long work asynchronously themselves.
//   - A hub can be sealed via EmitFinal: the sealing signal is the last one
//     admitted to the queue, and every later emission is dropped. Sessions
//     seal on abort so the abort signal terminates the log.
//   - When a schema registry is installed via SetSchemas, signals whose
//     payload fails validation are dropped before identity assignment.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/telemetry"
)

type (
	// Listener receives enriched signals matching its subscription filter.
	Listener func(ctx context.Context, sig signal.Enriched)

	// Tap observes every enriched signal after listener delivery. The hub uses
	// it to append signals to the active recording. Tap errors are logged and
	// surfaced as a "channel:error" signal; they never stop delivery.
	Tap func(ctx context.Context, sig signal.Enriched) error

	// Hub is the session-scoped event bus. Construct with New; the zero value
	// is not usable.
	Hub struct {
		sessionID string
		log       telemetry.Logger
		metrics   telemetry.Metrics

		subMu   sync.RWMutex
		subs    []*subscription
		nextSub int64

		tapMu sync.RWMutex
		tap   Tap

		schemaMu sync.RWMutex
		schemas  *signal.SchemaRegistry

		// seqMu guards identity assignment: ids are unique and monotonically
		// increasing, timestamps monotonically non-decreasing.
		seqMu  sync.Mutex
		nextID int64
		lastTS time.Time

		// qMu guards the delivery micro-queue and the seal. Delivery itself
		// runs outside the lock on whichever goroutine started draining,
		// which serializes dispatch per hub.
		qMu      sync.Mutex
		queue    []queued
		draining bool
		sealed   bool
	}

	// Option configures a single Emit call.
	Option func(*emitOptions)

	emitOptions struct {
		override    signal.Context
		hasOverride bool
	}

	subscription struct {
		id     int64
		filter signal.Filter
		fn     Listener
	}

	queued struct {
		ctx context.Context
		sig signal.Enriched
	}
)

// New constructs a hub for the given session. The logger and metrics may be
// nil, in which case no-ops are used.
func New(sessionID string, log telemetry.Logger, metrics telemetry.Metrics) *Hub {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Hub{sessionID: sessionID, log: log, metrics: metrics}
}

// SessionID returns the owning session identifier.
func (h *Hub) SessionID() string { return h.sessionID }

// WithOverride merges the given partial context into the emission context for
// a single Emit call, taking precedence over the inherited scope.
func WithOverride(sc signal.Context) Option {
	return func(o *emitOptions) {
		o.override = sc
		o.hasOverride = true
	}
}

// Subscribe registers a listener for signals matching the filter and returns
// its unsubscribe function. A nil (empty) filter matches every signal.
// Listeners registered earlier are invoked earlier. Subscribing during
// delivery takes effect for subsequent signals only.
func (h *Hub) Subscribe(filter signal.Filter, fn Listener) func() {
	h.subMu.Lock()
	h.nextSub++
	sub := &subscription{id: h.nextSub, filter: filter, fn: fn}
	h.subs = append(h.subs, sub)
	h.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subMu.Lock()
			for i, s := range h.subs {
				if s.id == sub.id {
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					break
				}
			}
			h.subMu.Unlock()
		})
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs)
}

// Clear removes every subscription. Intended for tests and teardown.
func (h *Hub) Clear() {
	h.subMu.Lock()
	h.subs = nil
	h.subMu.Unlock()
}

// SetTap installs the recording tap invoked after each delivery. A nil tap
// disables recording.
func (h *Hub) SetTap(tap Tap) {
	h.tapMu.Lock()
	h.tap = tap
	h.tapMu.Unlock()
}

// SetSchemas installs payload validation: emissions whose payload fails the
// schema registered for their name are dropped and logged. A nil registry
// disables validation.
func (h *Hub) SetSchemas(reg *signal.SchemaRegistry) {
	h.schemaMu.Lock()
	h.schemas = reg
	h.schemaMu.Unlock()
}

// Current returns the scoping context in effect for the given context: the
// session baseline merged with any frame pushed by Scoped. With no active
// scope the result carries just the session id.
func (h *Hub) Current(ctx context.Context) signal.Context {
	base := signal.Context{SessionID: h.sessionID}
	if sc, ok := ScopeFromContext(ctx); ok {
		return base.Merge(sc)
	}
	return base
}

// Scoped runs fn with the partial context merged into the current scope. Any
// emission performed inside fn — including inside awaited sub-calls that
// thread the context — observes the merged scope. The prior scope is restored
// on every exit path, including panics, because the frame lives on the
// context value passed to fn.
func (h *Hub) Scoped(ctx context.Context, partial signal.Context, fn func(ctx context.Context) error) error {
	merged := h.Current(ctx).Merge(partial)
	return fn(WithContext(ctx, merged))
}

// Emit enriches the signal with an id, a timestamp, and the current scoping
// context (plus any per-emit override), then delivers it synchronously to all
// matching listeners in subscription order and appends it to the active
// recording. It returns the enriched signal.
//
// Re-entrant emits (from inside a listener) are queued and delivered after
// the current signal finishes its listener pass; their enriched form is still
// returned immediately.
//
// Emissions on a sealed hub, and emissions rejected by the installed schema
// registry, are dropped: the returned Enriched carries the bare signal with
// a zero id.
func (h *Hub) Emit(ctx context.Context, sig signal.Signal, opts ...Option) signal.Enriched {
	return h.emit(ctx, sig, false, opts)
}

// EmitFinal delivers sig and seals the hub in the same step: sig is the last
// signal admitted to the delivery queue, and any emission racing with or
// following the seal is dropped. Sessions use it to make the abort signal
// terminate the log.
func (h *Hub) EmitFinal(ctx context.Context, sig signal.Signal, opts ...Option) signal.Enriched {
	return h.emit(ctx, sig, true, opts)
}

func (h *Hub) emit(ctx context.Context, sig signal.Signal, seal bool, opts []Option) signal.Enriched {
	var eo emitOptions
	for _, opt := range opts {
		opt(&eo)
	}

	sc := h.Current(ctx)
	if eo.hasOverride {
		sc = sc.Merge(eo.override)
	}

	h.schemaMu.RLock()
	schemas := h.schemas
	h.schemaMu.RUnlock()
	if schemas != nil {
		if err := schemas.Validate(sig); err != nil {
			h.log.Error(ctx, "signal rejected by schema", "signal", sig.Name, "err", err)
			h.metrics.IncCounter("loom.signals.rejected", 1, "signal", sig.Name)
			return signal.Enriched{Signal: sig}
		}
	}

	// The seal check, identity assignment, and enqueue form one critical
	// section: once the sealing signal is in the queue, no later emission can
	// slip in behind it.
	h.qMu.Lock()
	if h.sealed {
		h.qMu.Unlock()
		return signal.Enriched{Signal: sig}
	}
	h.seqMu.Lock()
	h.nextID++
	ts := time.Now()
	if ts.Before(h.lastTS) {
		ts = h.lastTS
	}
	h.lastTS = ts
	enr := signal.Enriched{Signal: sig, ID: h.nextID, Timestamp: ts, Context: sc}
	h.seqMu.Unlock()

	h.metrics.IncCounter("loom.signals.emitted", 1, "signal", sig.Name)

	if seal {
		h.sealed = true
	}
	h.queue = append(h.queue, queued{ctx: ctx, sig: enr})
	if h.draining {
		// A delivery pass is already running on this hub (either this
		// goroutine inside a listener, or another goroutine). The signal is
		// delivered FIFO after the in-flight one.
		h.qMu.Unlock()
		return enr
	}
	h.draining = true
	h.qMu.Unlock()

	for {
		h.qMu.Lock()
		if len(h.queue) == 0 {
			h.draining = false
			h.qMu.Unlock()
			return enr
		}
		next := h.queue[0]
		h.queue = h.queue[1:]
		h.qMu.Unlock()
		h.deliver(next.ctx, next.sig)
	}
}

// deliver fans the signal out to a snapshot of matching listeners, then feeds
// the recording tap.
func (h *Hub) deliver(ctx context.Context, sig signal.Enriched) {
	h.subMu.RLock()
	subs := make([]*subscription, len(h.subs))
	copy(subs, h.subs)
	h.subMu.RUnlock()

	for _, sub := range subs {
		if !sub.filter.Match(sig.Name) {
			continue
		}
		h.invoke(ctx, sub, sig)
	}

	h.tapMu.RLock()
	tap := h.tap
	h.tapMu.RUnlock()
	if tap == nil {
		return
	}
	if err := tap(ctx, sig); err != nil {
		h.log.Error(ctx, "recording tap failed", "signal", sig.Name, "id", sig.ID, "err", err)
		if sig.Name != NameChannelError {
			h.Emit(ctx, signal.Signal{
				Name:     NameChannelError,
				Payload:  map[string]any{"error": err.Error(), "signal": sig.Name},
				CausedBy: sig.ID,
			})
		}
	}
}

// invoke runs a single listener with panic isolation.
func (h *Hub) invoke(ctx context.Context, sub *subscription, sig signal.Enriched) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(ctx, "listener panicked", "signal", sig.Name, "id", sig.ID, "err", fmt.Sprint(r))
		}
	}()
	sub.fn(ctx, sig)
}

// NameChannelError is emitted when a durable side channel (such as the
// recording tap) fails. The session continues running.
const NameChannelError = "channel:error"
