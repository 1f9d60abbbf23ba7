// Package anthropic provides a provider.Client implementation backed by the
// Anthropic Claude Messages API. It translates normalized requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// adapts streaming events (text, tools, thinking, usage) into provider chunks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomkit/loom/kernel/provider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the default Claude model identifier used when
		// provider.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in
		// the Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, callers must set
		// Request.MaxTokens explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64

		// ThinkingBudget defines the default thinking token budget when
		// thinking is enabled. When zero or negative, callers must supply
		// Request.Thinking.BudgetTokens explicitly.
		ThinkingBudget int64
	}

	// Client implements provider.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
		think        int64
	}
)

// New builds an Anthropic-backed provider client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Type returns the provider identifier used for recordings and telemetry.
func (c *Client) Type() string { return "anthropic" }

// Run invokes Messages.NewStreaming and adapts incremental events into
// provider chunks.
func (c *Client) Run(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream, params.Model), nil
}

func (c *Client) prepareRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Prompt) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req.Prompt)
	if err != nil {
		return nil, err
	}
	toolList, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = c.think
		}
		if budget <= 0 {
			return nil, errors.New("anthropic: thinking budget is required when thinking is enabled")
		}
		if budget < 1024 {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if budget >= int64(maxTokens) {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*provider.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))

	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "user":
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*provider.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}
