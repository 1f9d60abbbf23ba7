package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/loomkit/loom/kernel/provider"
)

// streamer adapts an OpenAI Chat Completions stream to the provider.Streamer
// interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
	model  string

	chunks chan provider.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], model string) provider.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		model:  model,
		chunks: make(chan provider.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (provider.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return provider.Chunk{}, err
		}
		return provider.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return provider.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	return map[string]any{"provider": "openai", "model": s.model}
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newChunkProcessor(s.emitChunk)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else if err := processor.Finish(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emitChunk(chunk provider.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Chat Completions stream chunks into provider
// chunks. Tool call argument fragments accumulate per index until the finish
// reason arrives; the usage chunk trails the choices when stream usage is
// enabled.
type chunkProcessor struct {
	emit func(provider.Chunk) error

	toolBuffers map[int64]*toolBuffer
	stopReason  string
	usageSeen   bool
}

func newChunkProcessor(emit func(provider.Chunk) error) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		toolBuffers: make(map[int64]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(chunk sdk.ChatCompletionChunk) error {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if err := p.emit(provider.Chunk{Kind: provider.ChunkKindText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			tb := p.toolBuffers[tc.Index]
			if tb == nil {
				tb = &toolBuffer{}
				p.toolBuffers[tc.Index] = tb
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" {
				tb.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				tb.fragments = append(tb.fragments, tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			p.stopReason = choice.FinishReason
			if err := p.flushToolCalls(); err != nil {
				return err
			}
		}
	}
	if usage := chunk.Usage; usage.TotalTokens > 0 && !p.usageSeen {
		p.usageSeen = true
		delta := provider.TokenUsage{
			InputTokens:          int(usage.PromptTokens),
			OutputTokens:         int(usage.CompletionTokens),
			CacheReadInputTokens: int(usage.PromptTokensDetails.CachedTokens),
		}
		return p.emit(provider.Chunk{Kind: provider.ChunkKindUsage, UsageDelta: &delta})
	}
	return nil
}

// Finish closes out the stream with a stop chunk once the provider is done
// sending.
func (p *chunkProcessor) Finish() error {
	if err := p.flushToolCalls(); err != nil {
		return err
	}
	return p.emit(provider.Chunk{Kind: provider.ChunkKindStop, StopReason: p.stopReason})
}

func (p *chunkProcessor) flushToolCalls() error {
	if len(p.toolBuffers) == 0 {
		return nil
	}
	indexes := make([]int64, 0, len(p.toolBuffers))
	for idx := range p.toolBuffers {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		tb := p.toolBuffers[idx]
		delete(p.toolBuffers, idx)
		input, err := tb.decodeArguments()
		if err != nil {
			return fmt.Errorf("openai stream: tool %q arguments: %w", tb.name, err)
		}
		if err := p.emit(provider.Chunk{
			Kind:     provider.ChunkKindToolCall,
			ToolCall: &provider.ToolCall{ID: tb.id, Name: tb.name, Input: input},
		}); err != nil {
			return err
		}
	}
	return nil
}

// toolBuffer accumulates argument fragments for a streamed tool call.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) decodeArguments() (map[string]any, error) {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(joined), &input); err != nil {
		return nil, err
	}
	return input, nil
}
