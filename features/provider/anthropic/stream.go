package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomkit/loom/kernel/provider"
)

// streamer adapts an Anthropic Messages streaming stream to the
// provider.Streamer interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	model  string

	chunks chan provider.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], model sdk.Model) provider.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		model:  string(model),
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
	return map[string]any{"provider": "anthropic", "model": s.model}
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

// chunkProcessor converts Anthropic streaming events into provider chunks.
type chunkProcessor struct {
	emit func(provider.Chunk) error

	toolBlocks map[int]*toolBuffer
	stopReason string
}

func newChunkProcessor(emit func(provider.Chunk) error) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		toolBlocks: make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			p.toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(provider.Chunk{Kind: provider.ChunkKindText, Text: delta.Text})
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(provider.Chunk{Kind: provider.ChunkKindThinking, Thinking: delta.Thinking})
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			input, err := tb.decodeInput()
			if err != nil {
				return fmt.Errorf("anthropic stream: tool %q input: %w", tb.name, err)
			}
			return p.emit(provider.Chunk{
				Kind:     provider.ChunkKindToolCall,
				ToolCall: &provider.ToolCall{ID: tb.id, Name: tb.name, Input: input},
			})
		}
		return nil
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := provider.TokenUsage{
			InputTokens:              int(ev.Usage.InputTokens),
			OutputTokens:             int(ev.Usage.OutputTokens),
			CacheReadInputTokens:     int(ev.Usage.CacheReadInputTokens),
			CacheCreationInputTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		return p.emit(provider.Chunk{Kind: provider.ChunkKindUsage, UsageDelta: &usage})
	case sdk.MessageStopEvent:
		chunk := provider.Chunk{Kind: provider.ChunkKindStop, StopReason: p.stopReason}
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(chunk)
	}
	return nil
}

// toolBuffer accumulates input JSON fragments for a streamed tool_use block.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) decodeInput() (map[string]any, error) {
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
