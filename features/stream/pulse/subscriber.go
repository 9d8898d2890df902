package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/wangle201210/deepchat-sub006/features/stream/pulse/clients/pulse"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

type (
	// Decoder converts raw Pulse entries into display payloads.
	Decoder func([]byte) (stream.Payload, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume payloads. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "genstream_display".
		SinkName string
		// Buffer is the payload channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes entries. Defaults to the envelope written by
		// Sink.
		Decoder Decoder
	}

	// Subscriber follows generation streams and emits display payloads.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode Decoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "genstream_display"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe follows the stream of the given generation. Payloads are delivered
// in stream order; the payload channel closes after the final payload, when
// the Pulse sink closes or when cancel is called. At most one error is
// delivered on the error channel.
//
//	payloads, errs, cancel, err := sub.Subscribe(ctx, "msg-1")
//	defer cancel()
//	for p := range payloads {
//	    render(p)
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	generationID string,
	opts ...streamopts.Sink,
) (<-chan stream.Payload, <-chan error, context.CancelFunc, error) {
	if generationID == "" {
		return nil, nil, nil, errors.New("generation id is required")
	}
	str, err := s.client.Stream(StreamName(generationID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	payloads := make(chan stream.Payload, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, payloads, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return payloads, errs, cancelFunc, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Payload, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p, err := s.decode(ev.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, ev); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
			if p.Kind == stream.KindFinal {
				return
			}
		}
	}
}

func decodeEnvelope(data []byte) (stream.Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return stream.Payload{}, err
	}
	if env.Payload.Kind == "" {
		env.Payload.Kind = env.Type
	}
	if env.Payload.GenerationID == "" {
		env.Payload.GenerationID = env.GenerationID
	}
	return env.Payload, nil
}
