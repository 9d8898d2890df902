// Package store defines the durable message store contract used by the
// streaming pipeline and an in-memory implementation.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrMessageNotFound is returned when editing a message that does not exist.
var ErrMessageNotFound = errors.New("message not found")

type (
	// MessageStore persists message content. The pipeline only ever replaces
	// the serialized content of an existing message.
	MessageStore interface {
		// EditMessageSilently replaces the content of messageID without
		// emitting change notifications. Implementations must be safe for
		// concurrent use.
		EditMessageSilently(ctx context.Context, messageID string, content []byte) error
	}

	// Memory is an in-memory MessageStore. The zero value is not usable; call
	// NewMemory.
	Memory struct {
		mu       sync.RWMutex
		messages map[string][]byte
		edits    map[string]int
	}
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string][]byte),
		edits:    make(map[string]int),
	}
}

// Create registers messageID with its initial content.
func (m *Memory) Create(_ context.Context, messageID string, content []byte) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[messageID] = append([]byte(nil), content...)
	return nil
}

// EditMessageSilently implements MessageStore.
func (m *Memory) EditMessageSilently(_ context.Context, messageID string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return ErrMessageNotFound
	}
	m.messages[messageID] = append([]byte(nil), content...)
	m.edits[messageID]++
	return nil
}

// Get returns a copy of the stored content.
func (m *Memory) Get(_ context.Context, messageID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return append([]byte(nil), c...), nil
}

// Edits returns how many silent edits were applied to messageID.
func (m *Memory) Edits(messageID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.edits[messageID]
}
