// Package signal defines the event envelope shared by every part of the
// kernel: the Signal emitted by workflows and providers, the Enriched form
// delivered to observers, the scoping Context propagated across asynchronous
// work, and the pattern language used to subscribe to signal names.
//
// Signal names are colon-separated paths such as "task:complete" or
// "agent:tool:start". The final segment carries rendering conventions
// (":start", ":complete", ":delta", ...) that InferDisplay translates into
// display hints when the emitter provides none.
package signal

import (
	"time"
)

type (
	// Signal is the base event envelope as constructed by an emitter. The hub
	// enriches it with an identifier, a timestamp, and the current scoping
	// context before delivery; see Enriched.
	Signal struct {
		// Name is the colon-separated signal name, e.g. "task:complete".
		Name string `json:"name"`
		// Payload carries the signal-specific structured value. Well-known
		// payloads may be validated against a registered schema at dispatch
		// boundaries; unknown payloads pass through untouched.
		Payload any `json:"payload,omitempty"`
		// Source optionally attributes the signal to the component that
		// produced it.
		Source *Source `json:"source,omitempty"`
		// CausedBy is the identifier of the signal that logically caused this
		// one. Zero means no recorded cause. Used for HITL correlation and
		// causality graphs; it always references an earlier signal id.
		CausedBy int64 `json:"caused_by,omitempty"`
		// Display optionally overrides the render hints inferred from the
		// name's final segment. Hints are advisory: observers may ignore them.
		Display *Display `json:"display,omitempty"`
	}

	// Enriched is the form observers see: the base signal plus the hub-assigned
	// identity, emission timestamp, and the scoping context that was active
	// when the signal was emitted.
	//
	// Identifiers are unique and monotonically increasing within a session, and
	// timestamps are monotonically non-decreasing within a session.
	Enriched struct {
		Signal
		// ID is the hub-assigned identifier, unique within the session and its
		// recording.
		ID int64 `json:"id"`
		// Timestamp is the wall-clock instant of emission.
		Timestamp time.Time `json:"timestamp"`
		// Context is the scoping context merged from the active scope and any
		// per-emit override.
		Context Context `json:"context"`
	}

	// Source attributes a signal to the component that produced it. All fields
	// are optional.
	Source struct {
		// Provider names the model provider (e.g. "anthropic") for signals
		// produced by a provider run.
		Provider string `json:"provider,omitempty"`
		// Agent names the agent on whose behalf the signal was emitted.
		Agent string `json:"agent,omitempty"`
		// Node names the workflow node for DAG-driven workflows.
		Node string `json:"node,omitempty"`
		// Reducer names the reducer or handler that emitted a follow-up signal.
		Reducer string `json:"reducer,omitempty"`
		// Parent identifies a parent correlation key (e.g. a parent tool-use id).
		Parent string `json:"parent,omitempty"`
	}

	// Context is the scoping frame propagated across asynchronous boundaries.
	// It is pushed by Hub.Scoped and inherited by every emission inside the
	// scoped function unless overridden per emit.
	Context struct {
		// SessionID identifies the owning session. Always present on enriched
		// signals.
		SessionID string `json:"session_id"`
		// Phase is set while executing inside a Phase helper.
		Phase *PhaseRef `json:"phase,omitempty"`
		// Task is set while executing inside a Task helper.
		Task *TaskRef `json:"task,omitempty"`
		// Agent is set while executing on behalf of a named agent.
		Agent *AgentRef `json:"agent,omitempty"`
		// Ext carries free-form extension keys scoped by callers.
		Ext map[string]string `json:"ext,omitempty"`
	}

	// PhaseRef identifies a workflow phase within a Context.
	PhaseRef struct {
		// Name is the phase name passed to the Phase helper.
		Name string `json:"name"`
		// Number is the 1-based ordinal of the phase within the session.
		Number int `json:"number"`
	}

	// TaskRef identifies a workflow task within a Context.
	TaskRef struct {
		// ID is the task identifier passed to the Task helper.
		ID string `json:"id"`
	}

	// AgentRef identifies the acting agent within a Context.
	AgentRef struct {
		// Name is the registered agent name.
		Name string `json:"name"`
	}
)

// Merge returns the receiver overlaid with the non-zero fields of other.
// Extension keys are merged key-wise with other taking precedence. Neither
// input is mutated.
func (c Context) Merge(other Context) Context {
	out := c
	if other.SessionID != "" {
		out.SessionID = other.SessionID
	}
	if other.Phase != nil {
		p := *other.Phase
		out.Phase = &p
	}
	if other.Task != nil {
		t := *other.Task
		out.Task = &t
	}
	if other.Agent != nil {
		a := *other.Agent
		out.Agent = &a
	}
	if len(other.Ext) > 0 {
		ext := make(map[string]string, len(c.Ext)+len(other.Ext))
		for k, v := range c.Ext {
			ext[k] = v
		}
		for k, v := range other.Ext {
			ext[k] = v
		}
		out.Ext = ext
	}
	return out
}

// Clone returns a deep copy of the context. Mutating the copy never affects
// the original.
func (c Context) Clone() Context {
	return Context{}.Merge(c)
}
