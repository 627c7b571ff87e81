// Package bedrock adapts the AWS Bedrock Converse API to the
// providers.Provider interface.
package bedrock

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/taskcore/engine/providers"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter depends on; satisfied by *bedrockruntime.Client, and by fakes in
// tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	Temperature  float32
}

// Client implements providers.Provider via the Bedrock Converse API.
type Client struct {
	runtime     RuntimeClient
	model       string
	temperature float32
}

// New builds a Client from an already-constructed RuntimeClient.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: opts.Runtime, model: opts.DefaultModel, temperature: opts.Temperature}, nil
}

// Chat issues a Converse call and translates the response into a
// providers.ModelResponse.
func (c *Client) Chat(ctx context.Context, req providers.ModelRequest) (providers.ModelResponse, error) {
	if len(req.Messages) == 0 {
		return providers.ModelResponse{}, errors.New("bedrock: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := brtypes.ConversationRoleUser
		if m.Role == providers.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  &modelID,
		Messages: messages,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = float64(c.temperature)
	}
	if temp > 0 {
		f := float32(temp)
		input.InferenceConfig = &brtypes.InferenceConfiguration{Temperature: &f}
	}
	start := time.Now()
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return providers.ModelResponse{}, err
	}
	var content string
	if msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOut.Value.Content {
			if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
				content += textBlock.Value
			}
		}
	}
	var usage providers.TokenUsage
	if out.Usage != nil {
		usage = providers.TokenUsage{
			PromptTokens:     int64(derefInt32(out.Usage.InputTokens)),
			CompletionTokens: int64(derefInt32(out.Usage.OutputTokens)),
			TotalTokens:      int64(derefInt32(out.Usage.TotalTokens)),
		}
	}
	return providers.ModelResponse{
		Content:      content,
		Model:        modelID,
		Provider:     "bedrock",
		Tier:         req.Tier,
		TokenUsage:   usage,
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: string(out.StopReason),
	}, nil
}

// ChatStream delivers the full response as a single terminal chunk; Bedrock
// ConverseStream support is left to a future adapter revision.
func (c *Client) ChatStream(ctx context.Context, req providers.ModelRequest) (<-chan providers.StreamChunk, error) {
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Content: resp.Content, Done: true, TokenUsage: &resp.TokenUsage, FinishReason: resp.FinishReason}
	close(ch)
	return ch, nil
}

func derefInt32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
