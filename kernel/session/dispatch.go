package session

import (
	"context"
	"sync"

	"github.com/loomkit/loom/kernel/hub"
	"github.com/loomkit/loom/kernel/signal"
)

type (
	// State is the session's dispatch state: a JSON-like tree of maps,
	// slices, and scalars. Reducers and handlers mutate a working copy; the
	// kernel commits it after the dispatch cycle, so external observers only
	// ever see post-dispatch snapshots.
	State map[string]any

	// Reducer mutates state in response to a signal. Reducers must not emit.
	Reducer func(state State, sig signal.Enriched)

	// Handler mutates state and may return follow-up signals.
	Handler func(state State, sig signal.Enriched) []signal.Signal

	// ProcessManager reacts to a signal with follow-up signals. It receives
	// a read-only snapshot; mutations are discarded.
	ProcessManager func(state State, sig signal.Enriched) []signal.Signal

	// EndWhen declares workflow completion as a predicate over state.
	EndWhen func(state State) bool

	// Machine is the signal-driven dispatch loop. For every signal, in
	// emission order: reducers run on a working copy of state, then
	// handlers, the copy is committed, then process managers run on a fresh
	// snapshot. Follow-up signals are emitted FIFO after the cycle.
	// Dispatch is serialized per machine.
	Machine struct {
		mu       sync.Mutex
		state    State
		reducers []reducerEntry
		handlers []handlerEntry
		procs    []procEntry
		endWhen  EndWhen
		ended    bool
		endedCh  chan struct{}
		unbind   func()
	}

	reducerEntry struct {
		filter signal.Filter
		fn     Reducer
	}

	handlerEntry struct {
		filter signal.Filter
		fn     Handler
	}

	procEntry struct {
		filter signal.Filter
		fn     ProcessManager
	}
)

// NewMachine builds a dispatch machine over the initial state. The factory
// result is deep-copied, so the caller's value stays untouched.
func NewMachine(initial State) *Machine {
	return &Machine{
		state:   copyState(initial),
		endedCh: make(chan struct{}),
	}
}

// OnReduce registers a reducer for signals matching the pattern. Within a
// tier, execution order is registration order.
func (m *Machine) OnReduce(pattern string, fn Reducer) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reducers = append(m.reducers, reducerEntry{filter: filterFor(pattern), fn: fn})
	return m
}

// OnHandle registers a handler for signals matching the pattern.
func (m *Machine) OnHandle(pattern string, fn Handler) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handlerEntry{filter: filterFor(pattern), fn: fn})
	return m
}

// OnProcess registers a process manager for signals matching the pattern.
func (m *Machine) OnProcess(pattern string, fn ProcessManager) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs = append(m.procs, procEntry{filter: filterFor(pattern), fn: fn})
	return m
}

// SetEndWhen installs the completion predicate, checked after every dispatch
// cycle.
func (m *Machine) SetEndWhen(fn EndWhen) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endWhen = fn
	return m
}

// Bind subscribes the machine to the hub. Follow-up signals returned by
// handlers and process managers are emitted back on the same hub, which
// queues them FIFO behind the triggering signal.
func (m *Machine) Bind(h *hub.Hub) {
	unsub := h.Subscribe(nil, func(ctx context.Context, sig signal.Enriched) {
		for _, followUp := range m.dispatch(sig) {
			followUp.CausedBy = sig.ID
			h.Emit(ctx, followUp)
		}
	})
	m.mu.Lock()
	m.unbind = unsub
	m.mu.Unlock()
}

// Unbind detaches the machine from its hub.
func (m *Machine) Unbind() {
	m.mu.Lock()
	unbind := m.unbind
	m.unbind = nil
	m.mu.Unlock()
	if unbind != nil {
		unbind()
	}
}

// dispatch runs one cycle and returns the follow-up signals to emit. Cycles
// are serialized by the hub's delivery loop; the machine lock guards only
// registration and the commit, so reducers may call Snapshot and observe the
// pre-signal state.
func (m *Machine) dispatch(sig signal.Enriched) []signal.Signal {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return nil
	}
	working := copyState(m.state)
	reducers := m.reducers
	handlers := m.handlers
	procs := m.procs
	endWhen := m.endWhen
	m.mu.Unlock()

	// Reducers and handlers share one working copy; the pre-signal state
	// stays intact until commit.
	for _, r := range reducers {
		if r.filter.Match(sig.Name) {
			r.fn(working, sig)
		}
	}
	var followUps []signal.Signal
	for _, h := range handlers {
		if h.filter.Match(sig.Name) {
			followUps = append(followUps, h.fn(working, sig)...)
		}
	}

	m.mu.Lock()
	m.state = working
	snapshot := copyState(working)
	if endWhen != nil && !m.ended && endWhen(working) {
		m.ended = true
		close(m.endedCh)
	}
	m.mu.Unlock()

	// Process managers are read-only: they get a throwaway snapshot.
	for _, p := range procs {
		if p.filter.Match(sig.Name) {
			followUps = append(followUps, p.fn(snapshot, sig)...)
		}
	}
	return followUps
}

// Snapshot returns a deep copy of the committed state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.state)
}

// Done returns a channel closed once the end predicate is satisfied.
func (m *Machine) Done() <-chan struct{} { return m.endedCh }

// Ended reports whether the end predicate has been satisfied.
func (m *Machine) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Replay folds the reducers and handlers over a recorded signal log and
// returns the resulting state. Follow-up signals are discarded: the log
// already contains the follow-ups that were actually emitted. Position
// bounds how many signals are applied; negative means all.
func (m *Machine) Replay(signals []signal.Enriched, position int) State {
	if position < 0 || position > len(signals) {
		position = len(signals)
	}
	m.mu.Lock()
	reducers := m.reducers
	handlers := m.handlers
	m.mu.Unlock()

	state := State{}
	for _, sig := range signals[:position] {
		for _, r := range reducers {
			if r.filter.Match(sig.Name) {
				r.fn(state, sig)
			}
		}
		for _, h := range handlers {
			if h.filter.Match(sig.Name) {
				h.fn(state, sig)
			}
		}
	}
	return state
}

// filterFor compiles a single-pattern filter; empty matches everything.
func filterFor(pattern string) signal.Filter {
	if pattern == "" {
		return nil
	}
	return signal.MustCompileFilter(pattern)
}

// copyState deep-copies the JSON-like state tree. Values outside maps,
// slices, and scalars are copied by reference.
func copyState(s State) State {
	if s == nil {
		return State{}
	}
	return State(copyValue(map[string]any(s)).(map[string]any))
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case State:
		return copyValue(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
