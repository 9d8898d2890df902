package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/coalesce/clocktest"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

type (
	recordSink struct {
		mu       sync.Mutex
		payloads []stream.Payload
		err      error
	}

	recordStore struct {
		mu     sync.Mutex
		writes map[string][][]byte
		err    error
	}

	captureLogger struct {
		mu     sync.Mutex
		errors []string
		warns  []string
	}
)

func newFakeClock() *clocktest.Clock {
	return clocktest.New(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func (s *recordSink) Send(_ context.Context, p stream.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return s.err
}

func (s *recordSink) Close(context.Context) error { return nil }

func (s *recordSink) Payloads() []stream.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Payload(nil), s.payloads...)
}

func newRecordStore() *recordStore {
	return &recordStore{writes: make(map[string][][]byte)}
}

func (s *recordStore) EditMessageSilently(_ context.Context, id string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes[id] = append(s.writes[id], content)
	return nil
}

func (s *recordStore) Writes(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes[id]))
	for _, w := range s.writes[id] {
		out = append(out, string(w))
	}
	return out
}

func (s *recordStore) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (l *captureLogger) Debug(context.Context, string, ...any) {}
func (l *captureLogger) Info(context.Context, string, ...any)  {}

func (l *captureLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *captureLogger) Error(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *captureLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *captureLogger) Warns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}
