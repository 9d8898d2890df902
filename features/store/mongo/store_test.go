package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "github.com/wangle201210/deepchat-sub006/features/store/mongo/clients/mongo"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/store"
)

var (
	testMongoOnce   sync.Once
	testMongoClient *mongodriver.Client
	skipMongoTests  bool
)

func setupMongoDB() {
	ctx := context.Background()

	var (
		container    testcontainers.Container
		containerErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func getMongoStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB test in short mode")
	}
	testMongoOnce.Do(setupMongoDB)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("genstream_test")
	require.NoError(t, db.Collection(t.Name()).Drop(context.Background()))
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:     testMongoClient,
		Database:   "genstream_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))
	s, err := NewStore(client)
	require.NoError(t, err)
	return s
}

func TestMongoStoreEditRoundTrip(t *testing.T) {
	s := getMongoStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "msg-1", []byte(`[]`)))
	require.NoError(t, s.EditMessageSilently(ctx, "msg-1", []byte(`[{"type":"content","content":"hi"}]`)))

	got, err := s.Get(ctx, "msg-1")
	require.NoError(t, err)
	require.JSONEq(t, `[{"type":"content","content":"hi"}]`, string(got))
}

func TestMongoStoreEditMissing(t *testing.T) {
	s := getMongoStore(t)
	err := s.EditMessageSilently(context.Background(), "missing", []byte(`[]`))
	require.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestStoreMapsNotFound(t *testing.T) {
	fake := &fakeClient{contents: map[string][]byte{}}
	s, err := NewStore(fake)
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, s.EditMessageSilently(ctx, "m1", []byte(`[]`)), store.ErrMessageNotFound)
	_, err = s.Get(ctx, "m1")
	require.ErrorIs(t, err, store.ErrMessageNotFound)

	require.NoError(t, s.Create(ctx, "m1", []byte(`[]`)))
	require.NoError(t, s.EditMessageSilently(ctx, "m1", []byte(`[1]`)))
	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, `[1]`, string(got))
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}

type fakeClient struct {
	mu       sync.Mutex
	contents map[string][]byte
}

func (f *fakeClient) Name() string               { return "fake" }
func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) CreateMessage(_ context.Context, id string, content []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contents[id]; !ok {
		f.contents[id] = content
	}
	return nil
}

func (f *fakeClient) UpdateContent(_ context.Context, id string, content []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contents[id]; !ok {
		return clientsmongo.ErrNotFound
	}
	f.contents[id] = content
	return nil
}

func (f *fakeClient) LoadContent(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contents[id]
	if !ok {
		return nil, clientsmongo.ErrNotFound
	}
	return c, nil
}
