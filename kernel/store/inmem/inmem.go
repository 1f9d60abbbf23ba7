// Package inmem provides an in-memory implementation of store.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
)

type (
	// Store implements store.Store in memory.
	Store struct {
		mu   sync.Mutex
		recs map[string]*recording
		seq  int
	}

	recording struct {
		meta    store.Meta
		signals []signal.Enriched
		seq     int
	}
)

// New returns a new in-memory recording store.
func New() *Store {
	return &Store{recs: make(map[string]*recording)}
}

// Create implements store.Store.
func (s *Store) Create(_ context.Context, meta store.Meta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.RecordingID == "" {
		meta.RecordingID = uuid.NewString()
	}
	if _, exists := s.recs[meta.RecordingID]; exists {
		return "", fmt.Errorf("recording %q already exists", meta.RecordingID)
	}
	meta.Status = store.StatusOpen
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	s.seq++
	s.recs[meta.RecordingID] = &recording{meta: meta, seq: s.seq}
	return meta.RecordingID, nil
}

// Append implements store.Store.
func (s *Store) Append(_ context.Context, recordingID string, sig signal.Enriched) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return fmt.Errorf("append %q: %w", recordingID, store.ErrRecordingNotFound)
	}
	if rec.meta.Status == store.StatusFinalized {
		return fmt.Errorf("append %q: %w", recordingID, store.ErrRecordingFinalized)
	}
	rec.signals = append(rec.signals, sig)
	return nil
}

// Finalize implements store.Store.
func (s *Store) Finalize(_ context.Context, recordingID string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return fmt.Errorf("finalize %q: %w", recordingID, store.ErrRecordingNotFound)
	}
	if rec.meta.Status == store.StatusFinalized {
		return fmt.Errorf("finalize %q: %w", recordingID, store.ErrRecordingFinalized)
	}
	now := time.Now().UTC()
	rec.meta.Status = store.StatusFinalized
	rec.meta.FinalizedAt = &now
	rec.meta.DurationMs = durationMs
	return nil
}

// Load implements store.Store.
func (s *Store) Load(_ context.Context, recordingID string) (*store.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return nil, fmt.Errorf("load %q: %w", recordingID, store.ErrRecordingNotFound)
	}
	out := &store.Recording{
		Meta:    rec.meta,
		Signals: append([]signal.Enriched(nil), rec.signals...),
	}
	return out, nil
}

// List implements store.Store.
func (s *Store) List(_ context.Context, filter store.Filter) ([]store.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		meta store.Meta
		seq  int
	}
	var entries []entry
	for _, rec := range s.recs {
		if filter.Match(rec.meta) {
			entries = append(entries, entry{meta: rec.meta, seq: rec.seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	metas := make([]store.Meta, len(entries))
	for i, e := range entries {
		metas[i] = e.meta
	}
	return metas, nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, recordingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[recordingID]; !ok {
		return fmt.Errorf("delete %q: %w", recordingID, store.ErrRecordingNotFound)
	}
	delete(s.recs, recordingID)
	return nil
}
