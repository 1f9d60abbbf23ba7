// Package openai provides a provider.Client implementation backed by the
// OpenAI Chat Completions API. It translates normalized requests into
// streaming ChatCompletion calls using github.com/openai/openai-go and adapts
// incremental chunks (text, tool calls, usage) into provider chunks.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/loomkit/loom/kernel/provider"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so callers can
	// pass either a real client or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures optional OpenAI adapter behavior.
	Options struct {
		// DefaultModel is the model identifier used when
		// provider.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero leaves the cap to the provider.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements provider.Client on top of OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed provider client from the provided chat client
// and configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Type returns the provider identifier used for recordings and telemetry.
func (c *Client) Type() string { return "openai" }

// Run invokes ChatCompletions.NewStreaming and adapts incremental chunks into
// provider chunks. Usage reporting is always requested so runs account for
// tokens even on streamed responses.
func (c *Client) Run(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai chat.completions stream: %w", err)
	}
	return newStreamer(ctx, stream, string(params.Model)), nil
}

func (c *Client) prepareRequest(req provider.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Prompt) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Prompt)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if len(req.OutputSchema) > 0 {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "output",
					Schema: req.OutputSchema,
					Strict: sdk.Bool(true),
				},
			},
		}
	}
	return &params, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*provider.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []*provider.ToolDefinition) []sdk.ChatCompletionToolParam {
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if schema, ok := def.InputSchema.(map[string]any); ok {
			fn.Parameters = shared.FunctionParameters(schema)
		}
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return tools
}
