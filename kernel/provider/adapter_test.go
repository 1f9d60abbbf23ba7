package provider

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/hub"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
	"github.com/loomkit/loom/kernel/store/inmem"
)

type (
	fakeClient struct {
		chunks []Chunk
		err    error
	}

	fakeStream struct {
		chunks []Chunk
		err    error
		pos    int
		closed bool
	}
)

func (c *fakeClient) Type() string { return "fake" }

func (c *fakeClient) Run(context.Context, Request) (Streamer, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &fakeStream{chunks: c.chunks}, nil
}

func (s *fakeStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	if s.err != nil && s.pos == len(s.chunks)-1 {
		return Chunk{}, s.err
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error            { s.closed = true; return nil }
func (s *fakeStream) Metadata() map[string]any { return nil }

func collect(h *hub.Hub) *[]signal.Enriched {
	var sigs []signal.Enriched
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		sigs = append(sigs, sig)
	})
	return &sigs
}

func textChunks(parts ...string) []Chunk {
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Kind: ChunkKindText, Text: p}
	}
	return chunks
}

func TestRunFraming(t *testing.T) {
	h := hub.New("s", nil, nil)
	sigs := collect(h)
	a := NewAdapter(h, nil, nil, nil)

	client := &fakeClient{chunks: append(textChunks("Hel", "lo"),
		Chunk{Kind: ChunkKindUsage, UsageDelta: &TokenUsage{InputTokens: 10, OutputTokens: 4}},
		Chunk{Kind: ChunkKindStop, StopReason: "stop_sequence"},
	)}
	res, err := a.Run(context.Background(), client, Request{Model: "m1"})
	require.NoError(t, err)
	require.Equal(t, "Hello", res.Output)
	require.Equal(t, 14, res.Usage.Total())
	require.Equal(t, "stop_sequence", res.StopReason)

	got := *sigs
	require.NotEmpty(t, got)
	require.Equal(t, NameStart, got[0].Name)
	require.Equal(t, NameEnd, got[len(got)-1].Name)
	for _, sig := range got {
		require.NotNil(t, sig.Source)
		require.Equal(t, "fake", sig.Source.Provider)
	}
	for _, sig := range got[1 : len(got)-1] {
		require.NotEqual(t, NameStart, sig.Name)
		require.NotEqual(t, NameEnd, sig.Name)
	}

	// Deltas precede the complete, and the complete carries the full text.
	var names []string
	for _, sig := range got {
		names = append(names, sig.Name)
	}
	require.Equal(t, []string{NameStart, NameTextDelta, NameTextDelta, NameTextComplete, NameEnd}, names)
	require.Equal(t, "Hello", got[3].Payload.(map[string]any)["content"])

	// Usage rides on provider:end with totalTokens = input + output.
	usage, ok := got[len(got)-1].Payload.(map[string]any)["usage"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 10, usage["inputTokens"])
	require.Equal(t, 14, usage["totalTokens"])
}

func TestRunToolPairing(t *testing.T) {
	h := hub.New("s", nil, nil)
	sigs := collect(h)
	a := NewAdapter(h, nil, nil, nil)

	client := &fakeClient{chunks: []Chunk{
		{Kind: ChunkKindToolCall, ToolCall: &ToolCall{ID: "tu-1", Name: "search", Input: map[string]any{"q": "go"}}},
		{Kind: ChunkKindToolProgress, Progress: &ToolProgress{ID: "tu-1", Message: "searching"}},
		{Kind: ChunkKindToolResult, ToolResult: &ToolResult{ID: "tu-1", Output: "found"}},
	}}
	res, err := a.Run(context.Background(), client, Request{Model: "m1"})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "search", res.ToolCalls[0].Name)

	byName := map[string]signal.Enriched{}
	for _, sig := range *sigs {
		byName[sig.Name] = sig
	}
	call, result := byName[NameToolCall], byName[NameToolResult]
	require.Equal(t, "tu-1", call.Payload.(map[string]any)["toolUseId"])
	require.Equal(t, "tu-1", result.Payload.(map[string]any)["toolUseId"])
	// The result is caused by the call and therefore follows it.
	require.Equal(t, call.ID, result.CausedBy)
	require.Greater(t, result.ID, call.ID)
	require.Equal(t, call.ID, byName[NameToolProgress].CausedBy)
}

func TestRunAbort(t *testing.T) {
	h := hub.New("s", nil, nil)
	sigs := collect(h)
	a := NewAdapter(h, nil, nil, nil)

	abort := make(chan struct{})
	close(abort)

	client := &fakeClient{chunks: textChunks("never", "seen")}
	res, err := a.Run(context.Background(), client, Request{Model: "m1"}, WithAbort(abort))
	require.NoError(t, err)
	require.True(t, res.Aborted)

	got := *sigs
	last := got[len(got)-1]
	require.Equal(t, NameEnd, last.Name)
	require.Equal(t, true, last.Payload.(map[string]any)["aborted"])
	for _, sig := range got {
		require.NotEqual(t, NameTextDelta, sig.Name)
	}
}

func TestRunStreamError(t *testing.T) {
	h := hub.New("s", nil, nil)
	sigs := collect(h)
	a := NewAdapter(h, nil, nil, nil)

	client := &fakeClient{chunks: append(textChunks("par"), Chunk{})}
	stream := &fakeStream{chunks: client.chunks, err: errors.New("connection reset")}
	clientWithStream := &streamClient{stream: stream}

	res, err := a.Run(context.Background(), clientWithStream, Request{Model: "m1"})
	require.Error(t, err)
	require.Equal(t, "par", res.Output)

	got := *sigs
	last := got[len(got)-1]
	require.Equal(t, NameEnd, last.Name)
	require.Contains(t, last.Payload.(map[string]any)["error"], "connection reset")
}

func TestRunClientError(t *testing.T) {
	h := hub.New("s", nil, nil)
	sigs := collect(h)
	a := NewAdapter(h, nil, nil, nil)

	client := &fakeClient{err: errors.New("quota exceeded")}
	_, err := a.Run(context.Background(), client, Request{Model: "m1"})
	require.Error(t, err)

	got := *sigs
	require.Len(t, got, 2)
	require.Equal(t, NameStart, got[0].Name)
	require.Equal(t, NameEnd, got[1].Name)
}

func TestRunPricing(t *testing.T) {
	h := hub.New("s", nil, nil)
	sigs := collect(h)
	pricing := func(model string, usage TokenUsage) float64 {
		return float64(usage.Total()) * 0.001
	}
	a := NewAdapter(h, nil, nil, pricing)

	client := &fakeClient{chunks: []Chunk{
		{Kind: ChunkKindUsage, UsageDelta: &TokenUsage{InputTokens: 500, OutputTokens: 500}},
	}}
	res, err := a.Run(context.Background(), client, Request{Model: "m1"})
	require.NoError(t, err)
	require.InDelta(t, 1.0, res.CostUSD, 1e-9)

	got := *sigs
	require.InDelta(t, 1.0, got[len(got)-1].Payload.(map[string]any)["costUsd"].(float64), 1e-9)
}

func TestRunAbortMidStreamKeepsAbortLastInLog(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	sess := session.New(session.Config{Store: st})
	a := NewAdapter(sess.Hub(), nil, nil, nil)

	gate := &gatedStream{
		first:     Chunk{Kind: ChunkKindText, Text: "par"},
		streaming: make(chan struct{}),
		release:   make(chan struct{}),
	}
	client := &streamClient{stream: gate}

	require.NoError(t, sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
		_, err := a.Run(ctx, client, Request{Model: "m1"}, WithAbort(rc.Session().AbortSignal()))
		return err
	}))

	<-gate.streaming // the stream is live and now blocked mid-run
	require.True(t, sess.Abort(ctx, "operator stop"))
	close(gate.release)
	require.Error(t, sess.Wait(ctx))

	// The adapter's synthetic end raced the abort; the log must close with
	// session:abort and carry nothing after it.
	rec, err := st.Load(ctx, sess.RecordingID())
	require.NoError(t, err)
	require.Equal(t, store.StatusFinalized, rec.Status)
	require.NotEmpty(t, rec.Signals)
	require.Equal(t, session.NameSessionAbort, rec.Signals[len(rec.Signals)-1].Name)
	for _, sig := range rec.Signals {
		require.NotEqual(t, NameEnd, sig.Name)
	}
}

// streamClient returns a prebuilt stream, letting tests inject Recv errors.
type streamClient struct {
	stream Streamer
}

func (c *streamClient) Type() string { return "fake" }

func (c *streamClient) Run(context.Context, Request) (Streamer, error) {
	return c.stream, nil
}

// gatedStream yields one chunk, signals that streaming began, then blocks
// until released.
type gatedStream struct {
	first     Chunk
	sent      bool
	streaming chan struct{}
	release   chan struct{}
}

func (s *gatedStream) Recv() (Chunk, error) {
	if !s.sent {
		s.sent = true
		close(s.streaming)
		return s.first, nil
	}
	<-s.release
	return Chunk{}, io.EOF
}

func (s *gatedStream) Close() error             { return nil }
func (s *gatedStream) Metadata() map[string]any { return nil }
