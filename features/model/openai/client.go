// Package openai streams assistant turns from the OpenAI Chat Completions API
// (and compatible endpoints) and translates the chunks into normalized agent
// events.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/contextwin"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/model"
)

// CompletionsClient captures the subset of the OpenAI SDK used by the adapter.
// It is satisfied by *sdk.ChatCompletionService.
type CompletionsClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client issues the streaming requests. Required.
	Client CompletionsClient
	// Model is the chat model identifier. Required.
	Model string
	// MaxTokens caps the completion when positive.
	MaxTokens int
}

// Client streams chat completions as agent events.
type Client struct {
	chat  CompletionsClient
	model string
	max   int
}

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	return &Client{chat: opts.Client, model: opts.Model, max: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
// baseURL targets OpenAI-compatible endpoints when set.
func NewFromAPIKey(apiKey, baseURL, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(opts...)
	return New(Options{Client: &oc.Chat.Completions, Model: model})
}

// Stream sends history and emits the translated events. Provider failures are
// reported as an event.Error; Stream only returns an error when emit fails or
// ctx is done. Stream never emits event.End.
func (c *Client) Stream(ctx context.Context, history []*message.Message, emit func(event.Event) error) error {
	msgs := encodeMessages(history)
	if len(msgs) == 0 {
		return errors.New("openai: messages are required")
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if c.max > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(c.max))
	}
	stream := c.chat.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	return pump(ctx, stream, newTranslator(), emit)
}

func encodeMessages(history []*message.Message) []sdk.ChatCompletionMessageParamUnion {
	var msgs []sdk.ChatCompletionMessageParamUnion
	for _, m := range history {
		if m == nil {
			continue
		}
		switch m.Role {
		case message.RoleSystem:
			if text := contextwin.RenderUser(m.User); text != "" {
				msgs = append(msgs, sdk.SystemMessage(text))
			}
		case message.RoleUser:
			if text := contextwin.RenderUser(m.User); text != "" {
				msgs = append(msgs, sdk.UserMessage(text))
			}
		case message.RoleAssistant:
			if text := contextwin.RenderAssistant(m); text != "" {
				msgs = append(msgs, sdk.AssistantMessage(text))
			}
		}
	}
	return msgs
}
