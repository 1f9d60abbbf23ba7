// Package store defines the durable, append-only recording log for session
// and provider-run signals.
//
// A Recording is an ordered signal log with a small metadata envelope. Only
// open recordings accept appends; finalization is terminal and makes the
// contents immutable. Stores must persist appends before returning so a crash
// never loses acknowledged signals; a crash between Create and Finalize
// leaves an open recording that replay consumers reject.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/loomkit/loom/kernel/signal"
)

type (
	// Status is the lifecycle state of a recording.
	Status string

	// Meta is the metadata envelope of a recording.
	Meta struct {
		// RecordingID is the durable identifier. Stores assign one when the
		// caller leaves it empty.
		RecordingID string `json:"recording_id"`
		// Name is an optional human-readable label. The recorder stores the
		// request fingerprint here for replay lookup.
		Name string `json:"name,omitempty"`
		// Tags are free-form labels used by List filtering.
		Tags []string `json:"tags,omitempty"`
		// ProviderType names the provider that produced the recording, when
		// it captures a provider run.
		ProviderType string `json:"provider_type,omitempty"`
		// Status is open until Finalize, then finalized.
		Status Status `json:"status"`
		// CreatedAt records when the recording was opened.
		CreatedAt time.Time `json:"created_at"`
		// FinalizedAt is set by Finalize.
		FinalizedAt *time.Time `json:"finalized_at,omitempty"`
		// DurationMs is the caller-reported wall-clock duration of the
		// recorded run.
		DurationMs int64 `json:"duration_ms,omitempty"`
	}

	// Recording is a loaded recording: metadata plus the full ordered signal
	// log.
	Recording struct {
		Meta
		// Signals are ordered oldest-first, exactly as appended.
		Signals []signal.Enriched
	}

	// Filter narrows List results. Zero-value fields match everything; Tags
	// requires every listed tag to be present.
	Filter struct {
		Name         string
		ProviderType string
		Tags         []string
	}

	// Store persists recordings. Implementations serialize concurrent appends
	// to the same recording; appends to distinct recordings may proceed in
	// parallel. All operations surface errors to the caller instead of
	// panicking; a failed append never crashes the owning session.
	Store interface {
		// Create opens a new recording with status open and returns its id.
		Create(ctx context.Context, meta Meta) (string, error)
		// Append appends the signal to the recording. It fails with
		// ErrRecordingNotFound for unknown ids and ErrRecordingFinalized for
		// finalized recordings. The signal is durable when Append returns.
		Append(ctx context.Context, recordingID string, sig signal.Enriched) error
		// Finalize marks the recording terminal. Finalizing twice fails with
		// ErrRecordingFinalized. Implementations flush buffered state before
		// returning.
		Finalize(ctx context.Context, recordingID string, durationMs int64) error
		// Load returns the full recording, signals in append order.
		Load(ctx context.Context, recordingID string) (*Recording, error)
		// List returns metadata for recordings matching the filter, oldest
		// first.
		List(ctx context.Context, filter Filter) ([]Meta, error)
		// Delete removes the recording and its log.
		Delete(ctx context.Context, recordingID string) error
	}
)

const (
	// StatusOpen indicates the recording accepts appends.
	StatusOpen Status = "open"
	// StatusFinalized indicates the recording is terminal and immutable.
	StatusFinalized Status = "finalized"
)

var (
	// ErrRecordingNotFound indicates the recording id is unknown to the store.
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrRecordingFinalized indicates an append or finalize on an already
	// finalized recording.
	ErrRecordingFinalized = errors.New("recording finalized")
)

// Match reports whether the metadata satisfies the filter.
func (f Filter) Match(m Meta) bool {
	if f.Name != "" && f.Name != m.Name {
		return false
	}
	if f.ProviderType != "" && f.ProviderType != m.ProviderType {
		return false
	}
	for _, tag := range f.Tags {
		if !slices.Contains(m.Tags, tag) {
			return false
		}
	}
	return true
}
