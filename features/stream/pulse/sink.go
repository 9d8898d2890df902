// Package pulse publishes display payloads to goa.design/pulse streams so
// display surfaces running in other processes can follow a generation. Each
// generation maps to one Pulse stream; the subscriber side decodes the entries
// back into stream.Payload values in sequence order.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wangle201210/deepchat-sub006/features/stream/pulse/clients/pulse"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish payloads. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from a payload. Defaults
		// to `generation/<GenerationID>`.
		StreamID func(stream.Payload) (string, error)
		// Now stamps envelopes. Defaults to time.Now.
		Now func() time.Time
	}

	// Sink is a stream.Sink publishing payloads into Pulse streams. Safe for
	// concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(stream.Payload) (string, error)
		now      func() time.Time
		closed   atomic.Bool
	}

	// envelope wraps a payload for transmission over Pulse.
	envelope struct {
		// Type is the payload kind (init, delta or final).
		Type stream.Kind `json:"type"`
		// GenerationID duplicates the payload generation for consumers that
		// only route on the envelope.
		GenerationID string `json:"generation_id"`
		// Seq duplicates the payload sequence number.
		Seq int64 `json:"seq"`
		// Timestamp records when the payload was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload is the display payload.
		Payload stream.Payload `json:"payload"`
	}
)

// StreamName returns the default Pulse stream name of a generation.
func StreamName(generationID string) string {
	return fmt.Sprintf("generation/%s", generationID)
}

// NewSink constructs a Pulse-backed display sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		now:      time.Now,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// Send publishes p to the generation stream using the payload kind as the
// Pulse event name.
func (s *Sink) Send(ctx context.Context, p stream.Payload) error {
	if s.closed.Load() {
		return stream.ErrClosed
	}
	streamID, err := s.streamID(p)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{
		Type:         p.Kind,
		GenerationID: p.GenerationID,
		Seq:          p.Seq,
		Timestamp:    s.now().UTC(),
		Payload:      p,
	})
	if err != nil {
		return fmt.Errorf("encode pulse envelope: %w", err)
	}
	if _, err := handle.Add(ctx, string(p.Kind), body); err != nil {
		return err
	}
	return nil
}

// Close marks the sink closed and releases the Pulse client. The Redis
// connection stays owned by the caller.
func (s *Sink) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close(ctx)
}

func defaultStreamID(p stream.Payload) (string, error) {
	if p.GenerationID == "" {
		return "", errors.New("payload missing generation id")
	}
	return StreamName(p.GenerationID), nil
}
