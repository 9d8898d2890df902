// Package model defines the provider-agnostic contract implemented by the
// streaming model adapters (Anthropic, OpenAI, Bedrock). Adapters translate a
// provider stream into normalized agent events delivered through an Emit
// callback; the caller owns the generation and decides when it ends.
package model

import (
	"context"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

type (
	// Emit delivers one event. An error stops the stream and is returned by
	// Client.Stream.
	Emit func(event.Event) error

	// Client streams one assistant turn.
	Client interface {
		// Stream sends history to the provider and emits the translated
		// events in order. Provider failures are reported as event.Error (and
		// event.RateLimit for throttling); Stream returns an error only when
		// the request cannot be built, emit fails or ctx is done. Stream never
		// emits event.End.
		Stream(ctx context.Context, history []*message.Message, emit func(event.Event) error) error
	}

	// ClientFunc adapts a function to Client.
	ClientFunc func(ctx context.Context, history []*message.Message, emit func(event.Event) error) error

	// Middleware decorates a Client.
	Middleware func(Client) Client
)

// Stream calls f.
func (f ClientFunc) Stream(ctx context.Context, history []*message.Message, emit func(event.Event) error) error {
	return f(ctx, history, emit)
}

// Chain applies mws to c so the first middleware is the outermost.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// Pipe returns an Emit that forwards events to ch until ctx is done.
func Pipe(ctx context.Context, ch chan<- event.Event) Emit {
	return func(ev event.Event) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
