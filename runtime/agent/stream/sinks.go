package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send after the sink was closed.
var ErrClosed = errors.New("stream: sink closed")

type (
	// Fanout delivers every payload to a fixed set of sinks.
	Fanout struct {
		sinks []Sink
	}

	// ChanSink delivers payloads on a buffered channel. Send blocks while the
	// buffer is full unless ctx is done.
	ChanSink struct {
		ch     chan Payload
		mu     sync.RWMutex
		closed bool
	}

	// WriterSink writes payloads as JSON lines.
	WriterSink struct {
		mu     sync.Mutex
		enc    *json.Encoder
		closed bool
	}
)

// NewFanout returns a sink that forwards to sinks in order.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Send forwards p to every sink. Delivery continues past failing sinks; the
// returned error joins all failures.
func (f *Fanout) Send(ctx context.Context, p Payload) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewChanSink returns a sink buffering up to size payloads.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{ch: make(chan Payload, size)}
}

// Payloads returns the delivery channel. It is closed by Close.
func (s *ChanSink) Payloads() <-chan Payload {
	return s.ch
}

// Send enqueues p.
func (s *ChanSink) Send(ctx context.Context, p Payload) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the delivery channel.
func (s *ChanSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// NewWriterSink returns a sink writing one JSON document per line to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

// Send writes p.
func (s *WriterSink) Send(_ context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.enc.Encode(p)
}

// Close marks the sink closed. The writer is owned by the caller.
func (s *WriterSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
