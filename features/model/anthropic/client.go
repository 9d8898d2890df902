// Package anthropic streams assistant turns from the Anthropic Messages API
// and translates the SDK stream into normalized agent events. It also exposes
// the count-tokens endpoint so callers can size context budgets with the
// provider's own tokenizer.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/contextwin"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
		CountTokens(ctx context.Context, body sdk.MessageCountTokensParams, opts ...option.RequestOption) (*sdk.MessageTokensCount, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the completion. Required.
		MaxTokens int
		// ThinkingBudget enables extended thinking when positive. It must be
		// at least 1024 and lower than MaxTokens.
		ThinkingBudget int64
		// Temperature is sent when positive.
		Temperature float64
		// Now stamps reasoning phases. Defaults to time.Now.
		Now func() time.Time
	}

	// Client streams Claude turns as agent events.
	Client struct {
		msg   MessagesClient
		model string
		max   int
		think int64
		temp  float64
		now   func() time.Time
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	if opts.ThinkingBudget > 0 {
		if opts.ThinkingBudget < 1024 {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", opts.ThinkingBudget)
		}
		if opts.ThinkingBudget >= int64(opts.MaxTokens) {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", opts.ThinkingBudget, opts.MaxTokens)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		msg:   msg,
		model: opts.Model,
		max:   opts.MaxTokens,
		think: opts.ThinkingBudget,
		temp:  opts.Temperature,
		now:   now,
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

// Stream sends history to the Messages API and emits the translated events.
// Provider failures are reported as an event.Error and do not return an
// error; Stream only fails when emit fails or ctx is done. Stream never emits
// event.End: the caller decides when the turn is over.
func (c *Client) Stream(ctx context.Context, history []*message.Message, emit func(event.Event) error) error {
	msgs, system := encodeMessages(history)
	if len(msgs) == 0 {
		return errors.New("anthropic: messages are required")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.max),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if c.think > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(c.think)
	}
	stream := c.msg.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	return pump(ctx, stream, newTranslator(c.now), emit)
}

// CountTokens returns the prompt token count of history as computed by the
// provider.
func (c *Client) CountTokens(ctx context.Context, history []*message.Message) (int, error) {
	msgs, _ := encodeMessages(history)
	if len(msgs) == 0 {
		return 0, nil
	}
	res, err := c.msg.CountTokens(ctx, sdk.MessageCountTokensParams{
		Messages: msgs,
		Model:    sdk.Model(c.model),
	})
	if err != nil {
		return 0, fmt.Errorf("anthropic count tokens: %w", err)
	}
	return int(res.InputTokens), nil
}

// encodeMessages renders history as Claude messages. System messages are
// lifted into the system prompt; assistant messages contribute their content
// and tool call blocks.
func encodeMessages(history []*message.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var (
		msgs   []sdk.MessageParam
		system []sdk.TextBlockParam
	)
	for _, m := range history {
		if m == nil {
			continue
		}
		switch m.Role {
		case message.RoleSystem:
			if text := contextwin.RenderUser(m.User); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
		case message.RoleUser:
			if text := contextwin.RenderUser(m.User); text != "" {
				msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(text)))
			}
		case message.RoleAssistant:
			if text := contextwin.RenderAssistant(m); text != "" {
				msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
			}
		}
	}
	return msgs, system
}
