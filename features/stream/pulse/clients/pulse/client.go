// Package pulse wraps goa.design/pulse streams with the small interface used
// by the display sink and subscriber. Callers build a Redis client, pass it to
// New and receive a Client exposing only the stream operations the pipeline
// needs.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses the Pulse default.
		StreamMaxLen int
		// StreamOptions returns extra options applied when opening the named
		// stream. May be nil.
		StreamOptions func(name string) []streamopts.Stream
		// OperationTimeout bounds each Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Name identifies the client in health checks.
		Name() string
		// Ping checks the Redis connection.
		Ping(ctx context.Context) error
		// Stream returns the named stream, creating it if needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the client. The Redis connection
		// is owned by the caller and stays open.
		Close(ctx context.Context) error
	}

	// Stream publishes and consumes entries of one Pulse stream.
	Stream interface {
		// Add appends an entry and returns its Redis id (e.g. "1712-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a Pulse stream.
	Sink interface {
		// Subscribe returns the channel delivering entries.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges an entry.
		Ack(ctx context.Context, ev *streaming.Event) error
		// Close stops the consumer.
		Close(ctx context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		optsFn  func(name string) []streamopts.Stream
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.StreamMaxLen < 0 {
		return nil, errors.New("stream max length must not be negative")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		optsFn:  opts.StreamOptions,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Name() string { return "pulse" }

func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.optsFn != nil {
		opts = append(opts, c.optsFn(name)...)
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) Close(context.Context) error { return nil }

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse sink %q: %w", name, err)
	}
	return sinkAdapter{Sink: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// Close drops the error-less signature mismatch of streaming.Sink.Close.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
