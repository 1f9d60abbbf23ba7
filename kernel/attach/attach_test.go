package attach

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/telemetry"
)

type captureSink struct {
	mu     sync.Mutex
	writes []string
}

func (s *captureSink) Write(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, content)
	return nil
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func renderNames(sigs []signal.Enriched) string {
	out := ""
	for _, sig := range sigs {
		out += sig.Name + "\n"
	}
	return out
}

func TestRendererFinalFlush(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	s := session.New(session.Config{})
	require.NoError(t, s.Attach(Renderer(sink, renderNames, WithInterval(time.Minute))))

	require.NoError(t, s.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		rc.Emit(ctx, "step:one", nil)
		rc.Emit(ctx, "step:two", nil)
		return nil
	}))
	require.NoError(t, s.Wait(ctx))

	// Cleanup flushes synchronously; the final view reflects every signal.
	writes := sink.all()
	require.NotEmpty(t, writes)
	final := writes[len(writes)-1]
	require.Contains(t, final, "step:one")
	require.Contains(t, final, "step:two")
	require.Contains(t, final, session.NameHarnessComplete)
}

func TestRendererCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	s := session.New(session.Config{})
	require.NoError(t, s.Attach(Renderer(sink, renderNames, WithInterval(50*time.Millisecond))))

	require.NoError(t, s.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		for i := 0; i < 50; i++ {
			rc.Emit(ctx, fmt.Sprintf("burst:%d", i), nil)
		}
		time.Sleep(120 * time.Millisecond)
		return nil
	}))
	require.NoError(t, s.Wait(ctx))

	// 50 signals in a burst produce far fewer writes than signals.
	require.Less(t, len(sink.all()), 10)
}

func TestRendererSkipsIdenticalContent(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	constant := func([]signal.Enriched) string { return "static view" }

	s := session.New(session.Config{})
	require.NoError(t, s.Attach(Renderer(sink, constant, WithInterval(10*time.Millisecond))))

	require.NoError(t, s.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		for i := 0; i < 5; i++ {
			rc.Emit(ctx, "tick", nil)
			time.Sleep(15 * time.Millisecond)
		}
		return nil
	}))
	require.NoError(t, s.Wait(ctx))

	require.Equal(t, []string{"static view"}, sink.all())
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	writes   []string
}

func (s *flakySink) Write(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("sink unavailable")
	}
	s.writes = append(s.writes, content)
	return nil
}

func (s *flakySink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func TestFlushRetriesAfterWriteFailure(t *testing.T) {
	ctx := context.Background()
	sink := &flakySink{failures: 1}
	r := &renderer{
		sink:   sink,
		render: func([]signal.Enriched) string { return "view" },
		log:    telemetry.NewNoopLogger(),
		sigs:   []signal.Enriched{{Signal: signal.Signal{Name: "tick"}}},
	}

	// The failed write must not record the content hash, so the identical
	// content is retried on the next flush instead of being skipped.
	r.flush(ctx)
	require.Empty(t, sink.all())
	r.flush(ctx)
	require.Equal(t, []string{"view"}, sink.all())
}

func TestRendererFilter(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	s := session.New(session.Config{})
	require.NoError(t, s.Attach(Renderer(sink, renderNames,
		WithInterval(time.Minute),
		WithFilter(signal.MustCompileFilter("agent:**")))))

	require.NoError(t, s.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		rc.Emit(ctx, "agent:start", nil)
		rc.Emit(ctx, "noise", nil)
		return nil
	}))
	require.NoError(t, s.Wait(ctx))

	writes := sink.all()
	require.NotEmpty(t, writes)
	final := writes[len(writes)-1]
	require.Contains(t, final, "agent:start")
	require.NotContains(t, final, "noise")
}
