// Package provider defines the provider-agnostic streaming contract for LLM
// backends. It abstracts over chat completion APIs (Anthropic, OpenAI,
// Bedrock, etc.) so the session runtime can invoke models without coupling to
// specific SDKs. Implementations translate these normalized types into
// provider-specific formats.
package provider

import (
	"context"
	"errors"
)

type (
	// Client is implemented by provider backends. Clients should be
	// thread-safe and reusable across runs.
	Client interface {
		// Type returns the provider identifier (e.g. "anthropic", "openai",
		// "bedrock"). Used for recording metadata and telemetry.
		Type() string

		// Run sends the request to the provider and returns a Streamer that
		// yields incremental chunks (text, thinking, tool calls, usage
		// deltas). The returned Streamer must be closed by callers.
		Run(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental provider output. Successive calls to Recv
	// return Chunk values until io.EOF. Implementations must be safe to call
	// from a single goroutine and release any underlying resources when Close
	// is invoked.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific metadata for the stream. Typical
		// keys include "provider", "model", and request/trace IDs. Callers
		// should treat contents as optional and provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a provider run. Fields
	// map to common provider parameters but may not be supported by all
	// backends.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g. "claude-sonnet-4-5", "gpt-4o").
		Model string

		// Prompt is the ordered chat history, including system prompts, user
		// inputs, and prior assistant responses.
		Prompt []*Message

		// Temperature controls sampling temperature. Zero means the provider
		// default.
		Temperature float32

		// MaxTokens caps the number of completion tokens. Zero means the
		// provider default.
		MaxTokens int

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition

		// OutputSchema optionally constrains the final output to a JSON
		// Schema. Providers that cannot enforce it natively ignore it; the
		// schema still participates in request fingerprinting.
		OutputSchema map[string]any

		// Thinking configures provider-specific reasoning modes. Nil disables
		// thinking and uses provider defaults.
		Thinking *ThinkingOptions
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role indicates the message role: "user", "assistant", "system", or
		// provider-specific roles like "tool".
		Role string

		// Content is the message text. May be empty if the message is a tool
		// call request or tool result with no text.
		Content string

		// Meta carries provider-specific metadata. Preserved for debugging or
		// provider-specific features.
		Meta map[string]any
	}

	// ToolDefinition describes a tool schema passed to providers for function
	// calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool's input
		// parameters.
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the provider.
	ToolCall struct {
		// ID is the provider-assigned tool-use identifier. Results reference
		// it to pair with the originating call.
		ID string `json:"id"`
		// Name identifies which tool should be invoked.
		Name string `json:"name"`
		// Input carries the JSON arguments generated by the model.
		Input map[string]any `json:"input,omitempty"`
	}

	// ToolResult carries the outcome of an executed tool back into the
	// stream.
	ToolResult struct {
		// ID matches the ToolCall.ID this result answers.
		ID string `json:"id"`
		// Output is the tool's result payload.
		Output any `json:"output,omitempty"`
		// Error is set when the tool failed; Output may be empty.
		Error string `json:"error,omitempty"`
	}

	// ToolProgress reports intermediate progress for an in-flight tool use.
	ToolProgress struct {
		// ID matches the in-flight ToolCall.ID.
		ID string `json:"id"`
		// Message is a human-readable progress note.
		Message string `json:"message,omitempty"`
		// Fraction is completion in [0,1] when known, else zero.
		Fraction float64 `json:"fraction,omitempty"`
	}

	// Chunk represents a streaming event emitted by a provider. The Kind
	// value indicates which payload fields are populated.
	Chunk struct {
		// Kind is the chunk kind. One of the ChunkKind constants.
		Kind string `json:"kind"`
		// Text contains an incremental text delta when Kind == "text".
		Text string `json:"text,omitempty"`
		// Thinking contains a reasoning delta when Kind == "thinking".
		Thinking string `json:"thinking,omitempty"`
		// ToolCall is populated when Kind == "tool_call".
		ToolCall *ToolCall `json:"toolCall,omitempty"`
		// ToolResult is populated when Kind == "tool_result".
		ToolResult *ToolResult `json:"toolResult,omitempty"`
		// Progress is populated when Kind == "tool_progress".
		Progress *ToolProgress `json:"progress,omitempty"`
		// UsageDelta reports incremental token usage when Kind == "usage".
		UsageDelta *TokenUsage `json:"usageDelta,omitempty"`
		// StopReason explains termination when Kind == "stop". Values are
		// provider-specific; common ones include "stop_sequence",
		// "max_tokens", and "tool_use".
		StopReason string `json:"stopReason,omitempty"`
	}

	// ThinkingOptions toggles provider-specific reasoning modes.
	ThinkingOptions struct {
		// Enable turns thinking on or off.
		Enable bool
		// BudgetTokens caps tokens allocated to thinking output. Zero means
		// the provider default.
		BudgetTokens int
	}

	// TokenUsage records token counts reported by the provider. All fields
	// are zero if the provider doesn't report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int `json:"inputTokens"`
		// OutputTokens counts tokens produced by the model.
		OutputTokens int `json:"outputTokens"`
		// CacheReadInputTokens counts prompt tokens served from the
		// provider's prompt cache.
		CacheReadInputTokens int `json:"cacheReadInputTokens"`
		// CacheCreationInputTokens counts prompt tokens written to the
		// provider's prompt cache.
		CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
	}

	// Result aggregates a completed provider run.
	Result struct {
		// Output is the concatenated assistant text.
		Output string
		// Thinking is the concatenated reasoning text, if any.
		Thinking string
		// ToolCalls lists the tool invocations requested during the run, in
		// stream order.
		ToolCalls []ToolCall
		// Usage is the accumulated token usage.
		Usage TokenUsage
		// StopReason explains why the provider stopped generating.
		StopReason string
		// CostUSD is the estimated run cost when pricing is configured.
		CostUSD float64
		// DurationMs is the wall-clock run duration.
		DurationMs int64
		// Aborted reports whether the run was cut short by an abort signal.
		Aborted bool
	}
)

// Chunk kind constants are the well-known streaming event kinds produced by
// provider backends. These values populate Chunk.Kind.
const (
	ChunkKindText         = "text"
	ChunkKindThinking     = "thinking"
	ChunkKindToolCall     = "tool_call"
	ChunkKindToolResult   = "tool_result"
	ChunkKindToolProgress = "tool_progress"
	ChunkKindUsage        = "usage"
	ChunkKindStop         = "stop"
)

var (
	// ErrStreamingUnsupported indicates the provider does not implement
	// streaming for the requested model/parameters.
	ErrStreamingUnsupported = errors.New("provider: streaming not supported")
)

// Add accumulates a usage delta into u.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheReadInputTokens += delta.CacheReadInputTokens
	u.CacheCreationInputTokens += delta.CacheCreationInputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}
