package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/loomkit/loom/kernel/provider"
)

// streamer adapts a Bedrock ConverseStream event stream to the
// provider.Streamer interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream
	model  string

	chunks chan provider.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, model string) provider.Streamer {
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
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	return map[string]any{"provider": "bedrock", "model": s.model}
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	processor := newChunkProcessor(s.emitChunk)
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(err)
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// chunkProcessor converts Bedrock streaming events into provider chunks.
type chunkProcessor struct {
	emit func(provider.Chunk) error

	toolBlocks map[int]*toolBuffer
}

func newChunkProcessor(emit func(provider.Chunk) error) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		toolBlocks: make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(event any) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start := ev.Value.Start; start != nil {
			if toolUse, ok := start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				tb := &toolBuffer{}
				if toolUse.Value.Name != nil {
					tb.name = *toolUse.Value.Name
				}
				if toolUse.Value.ToolUseId != nil {
					tb.id = *toolUse.Value.ToolUseId
				}
				p.toolBlocks[idx] = tb
			}
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(provider.Chunk{Kind: provider.ChunkKindText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if textDelta, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && textDelta.Value != "" {
				return p.emit(provider.Chunk{Kind: provider.ChunkKindThinking, Thinking: textDelta.Value})
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := p.toolBlocks[idx]; tb != nil && delta.Value.Input != nil {
				tb.fragments = append(tb.fragments, *delta.Value.Input)
			}
			return nil
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			input, err := tb.decodeInput()
			if err != nil {
				return fmt.Errorf("bedrock stream: tool %q input: %w", tb.name, err)
			}
			return p.emit(provider.Chunk{
				Kind:     provider.ChunkKindToolCall,
				ToolCall: &provider.ToolCall{ID: tb.id, Name: tb.name, Input: input},
			})
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		chunk := provider.Chunk{Kind: provider.ChunkKindStop}
		if ev.Value.StopReason != "" {
			chunk.StopReason = string(ev.Value.StopReason)
		}
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(chunk)
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		var usage provider.TokenUsage
		if t := ev.Value.Usage.InputTokens; t != nil {
			usage.InputTokens = int(*t)
		}
		if t := ev.Value.Usage.OutputTokens; t != nil {
			usage.OutputTokens = int(*t)
		}
		return p.emit(provider.Chunk{Kind: provider.ChunkKindUsage, UsageDelta: &usage})
	}
	return nil
}

// toolBuffer accumulates input JSON fragments for a streamed toolUse block.
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

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block index missing")
	}
	return int(*idx), nil
}
