// Package recorder wraps a provider client so runs can be captured to the
// signal store and later replayed without touching the network. Recordings
// are keyed by a fingerprint of the request, so record-once/replay-many
// workflows (golden tests, offline evals, demos) see the exact chunk sequence
// the live provider produced.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loomkit/loom/kernel/provider"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
	"github.com/loomkit/loom/kernel/telemetry"
)

type (
	// Mode selects recorder behavior.
	Mode string

	// Recorder implements provider.Client by delegating to an inner client
	// and recording or replaying its chunk stream.
	//
	// In record mode every chunk is appended to an open recording before
	// being forwarded unchanged; the recording is finalized when the stream
	// ends. In replay mode the inner client is never invoked: chunks come
	// from a finalized recording looked up by request fingerprint.
	Recorder struct {
		client  provider.Client
		store   store.Store
		mode    Mode
		tags    []string
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option customizes a Recorder.
	Option func(*Recorder)
)

const (
	// ModeRecord captures the live stream into the store.
	ModeRecord Mode = "record"
	// ModeReplay serves the stream from the store; the network is never
	// touched.
	ModeReplay Mode = "replay"
	// ModePassthrough delegates to the inner client without touching the
	// store.
	ModePassthrough Mode = "passthrough"
)

var (
	// ErrNoRecording indicates replay found no finalized recording matching
	// the request fingerprint.
	ErrNoRecording = errors.New("recorder: no recording found")
	// ErrRecordingOpen indicates the matched recording was never finalized
	// and cannot be replayed.
	ErrRecordingOpen = errors.New("recorder: recording is not finalized")
)

// WithTags sets the tags stamped on recordings created in record mode.
func WithTags(tags ...string) Option {
	return func(r *Recorder) { r.tags = tags }
}

// WithTelemetry sets the logger and metrics used by the recorder.
func WithTelemetry(log telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// New wraps client with record/replay behavior backed by s. In replay mode
// client may be nil.
func New(client provider.Client, s store.Store, mode Mode, opts ...Option) *Recorder {
	r := &Recorder{
		client:  client,
		store:   s,
		mode:    mode,
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Type implements provider.Client.
func (r *Recorder) Type() string {
	if r.client != nil {
		return r.client.Type()
	}
	return "replay"
}

// Run implements provider.Client.
func (r *Recorder) Run(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	switch r.mode {
	case ModeReplay:
		return r.replay(ctx, req)
	case ModeRecord:
		return r.record(ctx, req)
	default:
		return r.client.Run(ctx, req)
	}
}

func (r *Recorder) record(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	fp, err := Fingerprint(req)
	if err != nil {
		return nil, err
	}
	inner, err := r.client.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	recordingID, err := r.store.Create(ctx, store.Meta{
		Name:         fp,
		Tags:         r.tags,
		ProviderType: r.client.Type(),
	})
	if err != nil {
		// Recording failures degrade to passthrough rather than killing the
		// run.
		r.log.Error(ctx, "recorder: create recording failed, passing through", "err", err)
		return inner, nil
	}
	r.log.Info(ctx, "recording provider run", "recording_id", recordingID, "fingerprint", fp)
	return &recordStream{
		inner:       inner,
		recorder:    r,
		ctx:         ctx,
		recordingID: recordingID,
		start:       time.Now(),
	}, nil
}

func (r *Recorder) replay(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	fp, err := Fingerprint(req)
	if err != nil {
		return nil, err
	}
	meta, err := r.lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	rec, err := r.store.Load(ctx, meta.RecordingID)
	if err != nil {
		return nil, fmt.Errorf("recorder: load %q: %w", meta.RecordingID, err)
	}
	chunks := make([]provider.Chunk, 0, len(rec.Signals))
	for _, sig := range rec.Signals {
		chunk, err := signalChunk(sig)
		if err != nil {
			return nil, fmt.Errorf("recorder: recording %q: %w", meta.RecordingID, err)
		}
		chunks = append(chunks, chunk)
	}
	r.metrics.IncCounter("loom.recorder.replays", 1, "provider", meta.ProviderType)
	r.log.Info(ctx, "replaying recorded run", "recording_id", meta.RecordingID, "fingerprint", fp, "chunks", len(chunks))
	return &replayStream{
		chunks: chunks,
		meta: map[string]any{
			"provider":     meta.ProviderType,
			"recording_id": meta.RecordingID,
			"replayed":     true,
		},
	}, nil
}

// lookup resolves the recording for a fingerprint: exact match on the
// fingerprint first, then the single-recording fallback for stores populated
// with loose name-keyed recordings. Only finalized recordings qualify.
func (r *Recorder) lookup(ctx context.Context, fp string) (store.Meta, error) {
	exact, err := r.store.List(ctx, store.Filter{Name: fp})
	if err != nil {
		return store.Meta{}, fmt.Errorf("recorder: list recordings: %w", err)
	}
	if meta, ok := newestFinalized(exact); ok {
		return meta, nil
	}
	if len(exact) > 0 {
		// The fingerprint matched, but only recordings that were never
		// finalized (crashed or still-running captures).
		return store.Meta{}, fmt.Errorf("recorder: fingerprint %s: %q: %w", fp, exact[len(exact)-1].RecordingID, ErrRecordingOpen)
	}
	all, err := r.store.List(ctx, store.Filter{})
	if err != nil {
		return store.Meta{}, fmt.Errorf("recorder: list recordings: %w", err)
	}
	if len(all) == 1 {
		if all[0].Status != store.StatusFinalized {
			return store.Meta{}, fmt.Errorf("recorder: %q: %w", all[0].RecordingID, ErrRecordingOpen)
		}
		return all[0], nil
	}
	return store.Meta{}, fmt.Errorf("recorder: fingerprint %s: %w", fp, ErrNoRecording)
}

func newestFinalized(metas []store.Meta) (store.Meta, bool) {
	for i := len(metas) - 1; i >= 0; i-- {
		if metas[i].Status == store.StatusFinalized {
			return metas[i], true
		}
	}
	return store.Meta{}, false
}

type (
	// recordStream forwards chunks from the live stream, appending each to
	// the recording. The recording is finalized exactly once, on EOF or
	// Close, whichever comes first.
	recordStream struct {
		inner       provider.Streamer
		recorder    *Recorder
		ctx         context.Context
		recordingID string
		start       time.Time

		mu       sync.Mutex
		seq      int64
		finished bool
	}

	// replayStream yields recorded chunks in order. Downstream timestamps
	// are assigned at emit time by the hub, so replayed runs stay
	// now-relative and monotonic.
	replayStream struct {
		chunks []provider.Chunk
		pos    int
		meta   map[string]any
	}
)

func (s *recordStream) Recv() (provider.Chunk, error) {
	chunk, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		s.finish()
		return chunk, err
	}
	if err != nil {
		return chunk, err
	}

	sig, cerr := chunkSignal(chunk)
	if cerr != nil {
		s.recorder.log.Error(s.ctx, "recorder: encode chunk failed", "err", cerr, "recording_id", s.recordingID)
		return chunk, nil
	}
	s.mu.Lock()
	s.seq++
	enriched := signal.Enriched{Signal: sig, ID: s.seq, Timestamp: time.Now().UTC()}
	s.mu.Unlock()
	if aerr := s.recorder.store.Append(s.ctx, s.recordingID, enriched); aerr != nil {
		// A failed append must not interrupt the live run.
		s.recorder.log.Error(s.ctx, "recorder: append failed", "err", aerr, "recording_id", s.recordingID)
	}
	return chunk, nil
}

func (s *recordStream) Close() error {
	s.finish()
	return s.inner.Close()
}

func (s *recordStream) Metadata() map[string]any { return s.inner.Metadata() }

func (s *recordStream) finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	duration := time.Since(s.start).Milliseconds()
	s.mu.Unlock()

	if err := s.recorder.store.Finalize(s.ctx, s.recordingID, duration); err != nil {
		s.recorder.log.Error(s.ctx, "recorder: finalize failed", "err", err, "recording_id", s.recordingID)
		return
	}
	s.recorder.metrics.IncCounter("loom.recorder.recordings", 1, "provider", s.recorder.Type())
}

func (s *replayStream) Recv() (provider.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *replayStream) Close() error { return nil }

func (s *replayStream) Metadata() map[string]any { return s.meta }
