// Package anthropic adapts github.com/anthropics/anthropic-sdk-go's Messages
// API to the providers.Provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskcore/engine/providers"
)

// MessagesClient is the subset of the Anthropic SDK client the adapter
// depends on, narrowed so tests can substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's default model and generation parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements providers.Provider on top of Anthropic's Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds a Client from an already-constructed MessagesClient.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, Options{DefaultModel: defaultModel})
}

// Chat issues a non-streaming Messages.New request.
func (c *Client) Chat(ctx context.Context, req providers.ModelRequest) (providers.ModelResponse, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return providers.ModelResponse{}, err
	}
	start := time.Now()
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return providers.ModelResponse{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return providers.ModelResponse{
		Content:  content,
		Model:    string(msg.Model),
		Provider: "anthropic",
		Tier:     req.Tier,
		TokenUsage: providers.TokenUsage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: string(msg.StopReason),
	}, nil
}

// ChatStream is not implemented by the non-streaming SDK surface this
// adapter depends on; it returns a single-chunk channel carrying the full
// Chat() response, so callers written against the streaming interface still
// function, just without incremental delivery.
func (c *Client) ChatStream(ctx context.Context, req providers.ModelRequest) (<-chan providers.StreamChunk, error) {
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{
		Content:      resp.Content,
		Done:         true,
		TokenUsage:   &resp.TokenUsage,
		FinishReason: resp.FinishReason,
	}
	close(ch)
	return ch, nil
}

func (c *Client) prepareRequest(req providers.ModelRequest) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case providers.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return params, nil
}
