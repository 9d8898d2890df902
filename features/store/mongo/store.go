package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/wangle201210/deepchat-sub006/features/store/mongo/clients/mongo"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/store"
)

// Store implements store.MessageStore by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
	now    func() time.Time
}

var _ store.MessageStore = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client, now: time.Now}, nil
}

// Create inserts messageID with its initial content. Creating an existing
// message leaves it untouched.
func (s *Store) Create(ctx context.Context, messageID string, content []byte) error {
	return s.client.CreateMessage(ctx, messageID, content, s.now())
}

// EditMessageSilently replaces the stored content of messageID.
func (s *Store) EditMessageSilently(ctx context.Context, messageID string, content []byte) error {
	err := s.client.UpdateContent(ctx, messageID, content, s.now())
	if errors.Is(err, clientsmongo.ErrNotFound) {
		return store.ErrMessageNotFound
	}
	return err
}

// Get returns the stored content of messageID.
func (s *Store) Get(ctx context.Context, messageID string) ([]byte, error) {
	content, err := s.client.LoadContent(ctx, messageID)
	if errors.Is(err, clientsmongo.ErrNotFound) {
		return nil, store.ErrMessageNotFound
	}
	return content, err
}
