package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/loomkit/loom/features/attach/pulse/clients/pulse"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
)

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	str, ok := c.streams[name]
	if !ok {
		str = &fakeStream{}
		c.streams[name] = str
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type published struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu     sync.Mutex
	events []published
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, published{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return nil, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) all() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.events...)
}

var _ clientspulse.Sink = fakeSink{} // keep interface honest for subscriber tests

type fakeSink struct {
	ch    chan *streaming.Event
	acked *[]string
}

func (s fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	*s.acked = append(*s.acked, evt.ID)
	return nil
}

func (s fakeSink) Close(context.Context) {}

func TestPublisherForwardsSignals(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()

	s := session.New(session.Config{ID: "sess-1"})
	require.NoError(t, s.Attach(Publisher(client)))

	require.NoError(t, s.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		rc.Emit(ctx, "work:done", map[string]any{"ok": true})
		return nil
	}))
	require.NoError(t, s.Wait(ctx))

	// The cleanup drains the queue before the session finishes.
	stream := client.streams["session/sess-1"]
	require.NotNil(t, stream)
	require.Eventually(t, func() bool {
		for _, p := range stream.all() {
			if p.event == session.NameHarnessComplete {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	var sawWork bool
	for _, p := range stream.all() {
		if p.event != "work:done" {
			continue
		}
		sawWork = true
		var sig signal.Enriched
		require.NoError(t, json.Unmarshal(p.payload, &sig))
		require.Equal(t, "work:done", sig.Name)
		require.Equal(t, "sess-1", sig.Context.SessionID)
	}
	require.True(t, sawWork)
}

func TestPublisherFilter(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()

	s := session.New(session.Config{ID: "sess-2"})
	require.NoError(t, s.Attach(Publisher(client,
		WithFilter(signal.MustCompileFilter("agent:**")))))

	require.NoError(t, s.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		rc.Emit(ctx, "agent:start", nil)
		rc.Emit(ctx, "noise", nil)
		return nil
	}))
	require.NoError(t, s.Wait(ctx))

	stream := client.streams["session/sess-2"]
	require.NotNil(t, stream)
	events := stream.all()
	require.Len(t, events, 1)
	require.Equal(t, "agent:start", events[0].event)
}

func TestPublisherCustomStreamName(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()

	s := session.New(session.Config{ID: "sess-3"})
	require.NoError(t, s.Attach(Publisher(client,
		WithStreamName(func(id string) string { return "audit/" + id }))))

	require.NoError(t, s.Run(ctx, func(context.Context, *session.RunContext) error { return nil }))
	require.NoError(t, s.Wait(ctx))

	require.Contains(t, client.streams, "audit/sess-3")
}
