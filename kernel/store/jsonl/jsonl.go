// Package jsonl provides a file-backed implementation of store.Store.
//
// Each recording is a pair of files in the store directory:
//
//	<id>.meta.json — metadata envelope, rewritten atomically on finalize
//	<id>.jsonl     — one JSON-encoded signal per line, append-only
//
// Appends are written and fsynced before returning, so an acknowledged signal
// survives a crash. Open recordings may end without a trailing newline after
// a partial write; Load tolerates and drops a trailing partial line.
// Finalized recordings always terminate with a newline.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
)

const (
	metaSuffix    = ".meta.json"
	signalsSuffix = ".jsonl"
)

type (
	// Store implements store.Store on top of a directory of JSONL files.
	Store struct {
		dir string

		mu   sync.Mutex
		recs map[string]*recState
	}

	// recState serializes operations on a single recording. Appends to
	// distinct recordings proceed in parallel.
	recState struct {
		mu   sync.Mutex
		meta store.Meta
		file *os.File // nil once finalized or not yet opened
	}
)

// New opens (creating if needed) a JSONL store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir, recs: make(map[string]*recState)}, nil
}

// Create implements store.Store.
func (s *Store) Create(_ context.Context, meta store.Meta) (string, error) {
	if meta.RecordingID == "" {
		meta.RecordingID = uuid.NewString()
	}
	meta.Status = store.StatusOpen
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[meta.RecordingID]; exists {
		return "", fmt.Errorf("recording %q already exists", meta.RecordingID)
	}
	if _, err := os.Stat(s.metaPath(meta.RecordingID)); err == nil {
		return "", fmt.Errorf("recording %q already exists", meta.RecordingID)
	}

	if err := s.writeMeta(meta); err != nil {
		return "", err
	}
	file, err := os.OpenFile(s.signalsPath(meta.RecordingID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("create signal log: %w", err)
	}
	s.recs[meta.RecordingID] = &recState{meta: meta, file: file}
	return meta.RecordingID, nil
}

// Append implements store.Store. The line is fsynced before Append returns.
func (s *Store) Append(_ context.Context, recordingID string, sig signal.Enriched) error {
	rec, err := s.state(recordingID)
	if err != nil {
		return fmt.Errorf("append %q: %w", recordingID, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.meta.Status == store.StatusFinalized {
		return fmt.Errorf("append %q: %w", recordingID, store.ErrRecordingFinalized)
	}
	if rec.file == nil {
		file, err := os.OpenFile(s.signalsPath(recordingID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("append %q: open signal log: %w", recordingID, err)
		}
		rec.file = file
	}

	line, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("append %q: marshal signal: %w", recordingID, err)
	}
	line = append(line, '\n')
	if _, err := rec.file.Write(line); err != nil {
		return fmt.Errorf("append %q: write: %w", recordingID, err)
	}
	if err := rec.file.Sync(); err != nil {
		return fmt.Errorf("append %q: sync: %w", recordingID, err)
	}
	return nil
}

// Finalize implements store.Store. The signal log is fsynced and closed and
// the metadata envelope is rewritten atomically.
func (s *Store) Finalize(_ context.Context, recordingID string, durationMs int64) error {
	rec, err := s.state(recordingID)
	if err != nil {
		return fmt.Errorf("finalize %q: %w", recordingID, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.meta.Status == store.StatusFinalized {
		return fmt.Errorf("finalize %q: %w", recordingID, store.ErrRecordingFinalized)
	}
	if rec.file != nil {
		if err := rec.file.Sync(); err != nil {
			return fmt.Errorf("finalize %q: sync: %w", recordingID, err)
		}
		if err := rec.file.Close(); err != nil {
			return fmt.Errorf("finalize %q: close: %w", recordingID, err)
		}
		rec.file = nil
	}
	now := time.Now().UTC()
	rec.meta.Status = store.StatusFinalized
	rec.meta.FinalizedAt = &now
	rec.meta.DurationMs = durationMs
	if err := s.writeMeta(rec.meta); err != nil {
		return fmt.Errorf("finalize %q: %w", recordingID, err)
	}
	return nil
}

// Load implements store.Store.
func (s *Store) Load(_ context.Context, recordingID string) (*store.Recording, error) {
	rec, err := s.state(recordingID)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", recordingID, err)
	}

	rec.mu.Lock()
	meta := rec.meta
	rec.mu.Unlock()

	file, err := os.Open(s.signalsPath(recordingID))
	if err != nil {
		if os.IsNotExist(err) {
			return &store.Recording{Meta: meta}, nil
		}
		return nil, fmt.Errorf("load %q: %w", recordingID, err)
	}
	defer file.Close()

	var signals []signal.Enriched
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sig signal.Enriched
		if err := json.Unmarshal(line, &sig); err != nil {
			if meta.Status == store.StatusOpen {
				// Partial trailing line from a crash mid-append.
				break
			}
			return nil, fmt.Errorf("load %q: corrupt signal line: %w", recordingID, err)
		}
		signals = append(signals, sig)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load %q: %w", recordingID, err)
	}
	return &store.Recording{Meta: meta, Signals: signals}, nil
}

// List implements store.Store.
func (s *Store) List(_ context.Context, filter store.Filter) ([]store.Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	var metas []store.Meta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), metaSuffix)
		rec, err := s.state(id)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		meta := rec.meta
		rec.mu.Unlock()
		if filter.Match(meta) {
			metas = append(metas, meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })
	return metas, nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, recordingID string) error {
	s.mu.Lock()
	rec := s.recs[recordingID]
	delete(s.recs, recordingID)
	s.mu.Unlock()

	if rec != nil {
		rec.mu.Lock()
		if rec.file != nil {
			_ = rec.file.Close()
			rec.file = nil
		}
		rec.mu.Unlock()
	}

	metaErr := os.Remove(s.metaPath(recordingID))
	if metaErr != nil && os.IsNotExist(metaErr) {
		return fmt.Errorf("delete %q: %w", recordingID, store.ErrRecordingNotFound)
	}
	if err := os.Remove(s.signalsPath(recordingID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", recordingID, err)
	}
	return metaErr
}

// state returns the serialized state for the recording, loading the metadata
// envelope from disk for recordings created by a previous process.
func (s *Store) state(recordingID string) (*recState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[recordingID]; ok {
		return rec, nil
	}
	meta, err := s.readMeta(recordingID)
	if err != nil {
		return nil, err
	}
	rec := &recState{meta: meta}
	s.recs[recordingID] = rec
	return rec, nil
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaSuffix)
}

func (s *Store) signalsPath(id string) string {
	return filepath.Join(s.dir, id+signalsSuffix)
}

// writeMeta writes the metadata envelope atomically (temp file + rename).
func (s *Store) writeMeta(meta store.Meta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tmp := s.metaPath(meta.RecordingID) + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if err := os.Rename(tmp, s.metaPath(meta.RecordingID)); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

func (s *Store) readMeta(recordingID string) (store.Meta, error) {
	raw, err := os.ReadFile(s.metaPath(recordingID))
	if err != nil {
		if os.IsNotExist(err) {
			return store.Meta{}, store.ErrRecordingNotFound
		}
		return store.Meta{}, err
	}
	var meta store.Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return store.Meta{}, fmt.Errorf("corrupt meta for %q: %w", recordingID, err)
	}
	return meta, nil
}
