// Package bedrock provides a provider.Client implementation backed by the AWS
// Bedrock Converse API. It splits system vs. conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, and adapts ConverseStream
// events into provider chunks.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/loomkit/loom/kernel/provider"
)

const defaultThinkingBudget = 16384

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. Wrap a *bedrockruntime.Client with NewFromAWS
	// or provide a fake in tests.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the AWS ConverseStream output type
	// required by the adapter. It is satisfied by
	// *bedrockruntime.ConverseStreamOutput and simplifies unit testing by
	// allowing fake implementations.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// provider.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the client omits
		// MaxTokens so Bedrock uses its own default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32

		// ThinkingBudget defines the thinking token budget when thinking is
		// enabled. When zero or negative, a conservative default applies.
		ThinkingBudget int
	}

	// Client implements provider.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
		think        int
	}
)

// New builds a Bedrock-backed provider client from the provided runtime and
// configuration options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        think,
	}, nil
}

// NewFromAWS wraps a concrete AWS Bedrock runtime client.
func NewFromAWS(rc *bedrockruntime.Client, opts Options) (*Client, error) {
	if rc == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return New(awsRuntime{c: rc}, opts)
}

// awsRuntime adapts the concrete AWS client to the RuntimeClient interface.
type awsRuntime struct {
	c *bedrockruntime.Client
}

func (a awsRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	return a.c.ConverseStream(ctx, params, optFns...)
}

// Type returns the provider identifier used for recordings and telemetry.
func (c *Client) Type() string { return "bedrock" }

// Run invokes the Bedrock ConverseStream API and adapts incremental events
// into provider chunks.
func (c *Client) Run(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError("converse stream", err)
	}
	return newStreamer(ctx, out.GetStream(), aws.ToString(input.ModelId)), nil
}

func (c *Client) prepareRequest(req provider.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if len(req.Prompt) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, system, err := encodeMessages(req.Prompt)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig, err := encodeTools(req.Tools); err != nil {
		return nil, err
	} else if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.think
		}
		fields := map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": budget,
			},
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []*provider.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, len(msgs))

	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		case "user", "assistant":
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*provider.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
		}
		if def.InputSchema != nil {
			spec.InputSchema = &brtypes.ToolInputSchemaMemberJson{
				Value: document.NewLazyDocument(def.InputSchema),
			}
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}
