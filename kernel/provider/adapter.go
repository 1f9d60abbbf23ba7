package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loomkit/loom/kernel/hub"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/telemetry"
)

// Signal names emitted by the adapter. Every run is bracketed by exactly one
// start and exactly one end signal; end is always last.
const (
	NameStart            = "provider:start"
	NameEnd              = "provider:end"
	NameTextDelta        = "text:delta"
	NameTextComplete     = "text:complete"
	NameThinkingDelta    = "thinking:delta"
	NameThinkingComplete = "thinking:complete"
	NameToolCall         = "tool:call"
	NameToolResult       = "tool:result"
	NameToolProgress     = "tool:progress"
)

type (
	// Adapter normalizes a provider-specific chunk stream into the uniform
	// signal sequence consumed by sessions, recorders, and renderers:
	//
	//	provider:start
	//	  text:delta* text:complete?
	//	  thinking:delta* thinking:complete?
	//	  tool:call — tool:progress* — tool:result (paired by tool-use id)
	//	provider:end
	//
	// The adapter observes an abort channel between chunks; on abort it stops
	// pulling from the upstream stream and emits a synthetic provider:end
	// with aborted set.
	Adapter struct {
		hub     *hub.Hub
		log     telemetry.Logger
		metrics telemetry.Metrics
		pricing PricingFunc
	}

	// PricingFunc estimates the cost in USD of a run given its model and
	// accumulated usage. Nil disables cost reporting.
	PricingFunc func(model string, usage TokenUsage) float64

	// RunOption customizes a single adapter run.
	RunOption func(*runOptions)

	runOptions struct {
		abort <-chan struct{}
	}
)

// WithAbort installs the abort channel observed between chunks. Typically the
// session's abort signal.
func WithAbort(abort <-chan struct{}) RunOption {
	return func(o *runOptions) { o.abort = abort }
}

// NewAdapter returns an adapter emitting on h. A nil logger or metrics
// defaults to the no-op implementation; a nil pricing function disables cost
// estimation.
func NewAdapter(h *hub.Hub, log telemetry.Logger, metrics telemetry.Metrics, pricing PricingFunc) *Adapter {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Adapter{hub: h, log: log, metrics: metrics, pricing: pricing}
}

// Run executes the request against the client and emits the framed signal
// sequence on the adapter's hub. It returns the aggregated result once the
// stream ends, is aborted, or fails. provider:end is emitted on every path,
// including errors.
func (a *Adapter) Run(ctx context.Context, client Client, req Request, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	startSig := a.hub.Emit(ctx, signal.Signal{
		Name:   NameStart,
		Source: &signal.Source{Provider: client.Type()},
		Payload: map[string]any{
			"provider": client.Type(),
			"model":    req.Model,
		},
	})

	res := &Result{}
	stream, err := client.Run(ctx, req)
	if err != nil {
		a.end(ctx, client, req, startSig.ID, start, res, err)
		return nil, fmt.Errorf("provider %s: %w", client.Type(), err)
	}
	defer stream.Close()

	var (
		text     strings.Builder
		thinking strings.Builder
		// callSigs maps tool-use ids to the signal id of their tool:call so
		// results and progress can reference the originating call.
		callSigs = map[string]int64{}
	)

	for {
		if aborted(ctx, o.abort) {
			res.Aborted = true
			break
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.flushText(ctx, client, &text, &thinking, startSig.ID, res)
			a.end(ctx, client, req, startSig.ID, start, res, err)
			return res, fmt.Errorf("provider %s: recv: %w", client.Type(), err)
		}

		switch chunk.Kind {
		case ChunkKindText:
			text.WriteString(chunk.Text)
			a.emit(ctx, client, NameTextDelta, startSig.ID, map[string]any{"content": chunk.Text})
		case ChunkKindThinking:
			thinking.WriteString(chunk.Thinking)
			a.emit(ctx, client, NameThinkingDelta, startSig.ID, map[string]any{"content": chunk.Thinking})
		case ChunkKindToolCall:
			if chunk.ToolCall == nil {
				continue
			}
			res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
			sig := a.emit(ctx, client, NameToolCall, startSig.ID, map[string]any{
				"toolUseId": chunk.ToolCall.ID,
				"name":      chunk.ToolCall.Name,
				"input":     chunk.ToolCall.Input,
			})
			callSigs[chunk.ToolCall.ID] = sig.ID
		case ChunkKindToolResult:
			if chunk.ToolResult == nil {
				continue
			}
			payload := map[string]any{
				"toolUseId": chunk.ToolResult.ID,
				"output":    chunk.ToolResult.Output,
			}
			if chunk.ToolResult.Error != "" {
				payload["error"] = chunk.ToolResult.Error
			}
			a.emit(ctx, client, NameToolResult, callSigs[chunk.ToolResult.ID], payload)
		case ChunkKindToolProgress:
			if chunk.Progress == nil {
				continue
			}
			a.emit(ctx, client, NameToolProgress, callSigs[chunk.Progress.ID], map[string]any{
				"toolUseId": chunk.Progress.ID,
				"message":   chunk.Progress.Message,
				"fraction":  chunk.Progress.Fraction,
			})
		case ChunkKindUsage:
			if chunk.UsageDelta != nil {
				res.Usage.Add(*chunk.UsageDelta)
			}
		case ChunkKindStop:
			res.StopReason = chunk.StopReason
		default:
			a.log.Warn(ctx, "provider chunk with unknown kind dropped",
				"kind", chunk.Kind, "provider", client.Type())
		}
	}

	a.flushText(ctx, client, &text, &thinking, startSig.ID, res)
	a.end(ctx, client, req, startSig.ID, start, res, nil)
	return res, nil
}

// flushText emits the completion signals for any accumulated text or thinking
// and stores the aggregates on the result.
func (a *Adapter) flushText(ctx context.Context, client Client, text, thinking *strings.Builder, causedBy int64, res *Result) {
	if thinking.Len() > 0 {
		res.Thinking = thinking.String()
		a.emit(ctx, client, NameThinkingComplete, causedBy, map[string]any{"content": res.Thinking})
	}
	if text.Len() > 0 {
		res.Output = text.String()
		a.emit(ctx, client, NameTextComplete, causedBy, map[string]any{"content": res.Output})
	}
}

// end finalizes the result and emits the terminal provider:end signal.
func (a *Adapter) end(ctx context.Context, client Client, req Request, causedBy int64, start time.Time, res *Result, runErr error) {
	res.DurationMs = time.Since(start).Milliseconds()
	if a.pricing != nil {
		res.CostUSD = a.pricing(req.Model, res.Usage)
	}

	payload := map[string]any{
		"durationMs": res.DurationMs,
		"output":     res.Output,
	}
	if res.Usage != (TokenUsage{}) {
		payload["usage"] = map[string]any{
			"inputTokens":              res.Usage.InputTokens,
			"outputTokens":             res.Usage.OutputTokens,
			"cacheReadInputTokens":     res.Usage.CacheReadInputTokens,
			"cacheCreationInputTokens": res.Usage.CacheCreationInputTokens,
			"totalTokens":              res.Usage.Total(),
		}
	}
	if res.CostUSD > 0 {
		payload["costUsd"] = res.CostUSD
	}
	if res.StopReason != "" {
		payload["stopReason"] = res.StopReason
	}
	if res.Aborted {
		payload["aborted"] = true
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	a.emit(ctx, client, NameEnd, causedBy, payload)

	a.metrics.IncCounter("loom.provider.runs", 1, "provider", client.Type(), "model", req.Model)
	a.metrics.RecordTimer("loom.provider.duration", time.Duration(res.DurationMs)*time.Millisecond, "provider", client.Type())
	if total := res.Usage.Total(); total > 0 {
		a.metrics.IncCounter("loom.provider.tokens", float64(total), "provider", client.Type(), "model", req.Model)
	}
}

func (a *Adapter) emit(ctx context.Context, client Client, name string, causedBy int64, payload map[string]any) signal.Enriched {
	return a.hub.Emit(ctx, signal.Signal{
		Name:     name,
		Source:   &signal.Source{Provider: client.Type()},
		CausedBy: causedBy,
		Payload:  payload,
	})
}

func aborted(ctx context.Context, abort <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}
