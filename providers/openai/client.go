// Package openai adapts github.com/openai/openai-go's Chat Completions API
// to the providers.Provider interface.
package openai

import (
	"context"
	"errors"
	"strings"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/taskcore/engine/providers"
)

// ChatClient is the subset of the openai-go client the adapter depends on.
type ChatClient interface {
	New(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements providers.Provider via OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
}

// New builds a Client from an already-configured ChatClient.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: chat client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP client,
// reading the key from apiKey (typically sourced from OPENAI_API_KEY).
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	sdkClient := oai.NewClient()
	return New(Options{Client: &chatCompletionsAdapter{svc: sdkClient.Chat.Completions}, DefaultModel: defaultModel})
}

// chatCompletionsAdapter narrows the generated oai.ChatCompletionService to
// the ChatClient interface.
type chatCompletionsAdapter struct {
	svc oai.ChatCompletionService
}

func (a *chatCompletionsAdapter) New(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error) {
	return a.svc.New(ctx, params)
}

// Chat issues a single Chat Completions request.
func (c *Client) Chat(ctx context.Context, req providers.ModelRequest) (providers.ModelResponse, error) {
	if len(req.Messages) == 0 {
		return providers.ModelResponse{}, errors.New("openai: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(modelID),
		Messages: encodeMessages(req),
	}
	if req.Temperature > 0 {
		params.Temperature = oai.Float(req.Temperature)
	}
	if req.ResponseFormat == providers.FormatJSON {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &oai.ResponseFormatJSONObjectParam{},
		}
	}
	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return providers.ModelResponse{}, err
	}
	var content, finish string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = string(resp.Choices[0].FinishReason)
	}
	return providers.ModelResponse{
		Content:  content,
		Model:    resp.Model,
		Provider: "openai",
		Tier:     req.Tier,
		TokenUsage: providers.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: finish,
	}, nil
}

// ChatStream delivers the full response as a single terminal chunk; the
// underlying SSE streaming surface is left to a future adapter revision.
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

func encodeMessages(req providers.ModelRequest) []oai.ChatCompletionMessageParamUnion {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		case providers.RoleSystem:
			msgs = append(msgs, oai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}
	return msgs
}
