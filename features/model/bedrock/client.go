// Package bedrock streams assistant turns from the AWS Bedrock ConverseStream
// API and translates the event stream into normalized agent events. Throttled
// requests surface as severe rate limit events so display surfaces can show
// the provider backpressure.
package bedrock

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/contextwin"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// Model is the model or inference profile identifier. Required.
		Model string
		// MaxTokens caps the completion when positive.
		MaxTokens int
		// Temperature is sent when positive.
		Temperature float32
		// ProviderID labels rate limit events. Defaults to "bedrock".
		ProviderID string
		// Now stamps reasoning phases. Defaults to time.Now.
		Now func() time.Time
	}

	// Client streams Bedrock Converse turns as agent events.
	Client struct {
		runtime  RuntimeClient
		model    string
		maxTok   int
		temp     float32
		provider string
		now      func() time.Time
	}

	// eventStream is satisfied by *bedrockruntime.ConverseStreamEventStream.
	eventStream interface {
		Events() <-chan brtypes.ConverseStreamOutput
		Err() error
		Close() error
	}
)

var _ model.Client = (*Client)(nil)

// New builds a Bedrock-backed client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	provider := opts.ProviderID
	if provider == "" {
		provider = providerName
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		runtime:  opts.Runtime,
		model:    opts.Model,
		maxTok:   opts.MaxTokens,
		temp:     opts.Temperature,
		provider: provider,
		now:      now,
	}, nil
}

// Stream sends history to ConverseStream and emits the translated events.
// Provider failures are reported as events; Stream only returns an error when
// emit fails or ctx is done. Stream never emits event.End.
func (c *Client) Stream(ctx context.Context, history []*message.Message, emit func(event.Event) error) error {
	input := c.buildInput(history)
	if len(input.Messages) == 0 {
		return errors.New("bedrock: messages are required")
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return emitFailure(c.provider, "converse_stream", err, emit)
	}
	stream := out.GetStream()
	if stream == nil {
		return emit(event.Error{Message: "bedrock: stream output missing event stream"})
	}
	defer func() { _ = stream.Close() }()
	return c.pump(ctx, stream, emit)
}

func (c *Client) pump(ctx context.Context, stream eventStream, emit func(event.Event) error) error {
	tr := newTranslator(c.now)
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return emitFailure(c.provider, "converse_stream", err, emit)
				}
				return nil
			}
			for _, out := range tr.Handle(ev) {
				if err := emit(out); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Client) buildInput(history []*message.Message) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{ModelId: aws.String(c.model)}
	for _, m := range history {
		if m == nil {
			continue
		}
		switch m.Role {
		case message.RoleSystem:
			if text := contextwin.RenderUser(m.User); text != "" {
				input.System = append(input.System, &brtypes.SystemContentBlockMemberText{Value: text})
			}
		case message.RoleUser:
			if text := contextwin.RenderUser(m.User); text != "" {
				input.Messages = append(input.Messages, textMessage(brtypes.ConversationRoleUser, text))
			}
		case message.RoleAssistant:
			if text := contextwin.RenderAssistant(m); text != "" {
				input.Messages = append(input.Messages, textMessage(brtypes.ConversationRoleAssistant, text))
			}
		}
	}
	if c.maxTok > 0 || c.temp > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if c.maxTok > 0 {
			cfg.MaxTokens = aws.Int32(int32(c.maxTok))
		}
		if c.temp > 0 {
			cfg.Temperature = aws.Float32(c.temp)
		}
		input.InferenceConfig = cfg
	}
	return input
}

func textMessage(role brtypes.ConversationRole, text string) brtypes.Message {
	return brtypes.Message{
		Role:    role,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
	}
}
