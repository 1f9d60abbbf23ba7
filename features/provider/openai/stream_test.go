package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/provider"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(raw string) ssestream.Event {
	return ssestream.Event{Data: json.RawMessage(raw)}
}

func drainStream(t *testing.T, s provider.Streamer) []provider.Chunk {
	t.Helper()
	var chunks []provider.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}
}

func TestStreamerTextAndUsage(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event(`{"choices":[{"index":0,"delta":{"content":"Hello"}}]}`),
		event(`{"choices":[{"index":0,"delta":{"content":" world"}}]}`),
		event(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		event(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13,"prompt_tokens_details":{"cached_tokens":3}}}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newStreamer(context.Background(), stream, "gpt-4o")
	defer func() { _ = s.Close() }()

	chunks := drainStream(t, s)
	require.Len(t, chunks, 4)

	require.Equal(t, provider.ChunkKindText, chunks[0].Kind)
	require.Equal(t, "Hello", chunks[0].Text)
	require.Equal(t, " world", chunks[1].Text)

	require.Equal(t, provider.ChunkKindUsage, chunks[2].Kind)
	require.Equal(t, 9, chunks[2].UsageDelta.InputTokens)
	require.Equal(t, 4, chunks[2].UsageDelta.OutputTokens)
	require.Equal(t, 3, chunks[2].UsageDelta.CacheReadInputTokens)

	require.Equal(t, provider.ChunkKindStop, chunks[3].Kind)
	require.Equal(t, "stop", chunks[3].StopReason)
}

func TestStreamerToolCallFragments(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search","arguments":"{\"query\":"}}]}}]}`),
		event(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`),
		event(`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newStreamer(context.Background(), stream, "gpt-4o")
	defer func() { _ = s.Close() }()

	chunks := drainStream(t, s)
	require.Len(t, chunks, 2)

	// Argument fragments are joined and decoded when the finish reason lands.
	require.Equal(t, provider.ChunkKindToolCall, chunks[0].Kind)
	require.Equal(t, "call_1", chunks[0].ToolCall.ID)
	require.Equal(t, "web_search", chunks[0].ToolCall.Name)
	require.Equal(t, map[string]any{"query": "go"}, chunks[0].ToolCall.Input)

	require.Equal(t, provider.ChunkKindStop, chunks[1].Kind)
	require.Equal(t, "tool_calls", chunks[1].StopReason)
}

func TestStreamerPropagatesDecoderError(t *testing.T) {
	boom := errors.New("connection reset")
	dec := &testDecoder{err: boom}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newStreamer(context.Background(), stream, "gpt-4o")
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	require.ErrorIs(t, err, boom)
}
