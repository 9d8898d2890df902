// Package mongo hosts the MongoDB client used by the message store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "messages"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "message-mongo"
)

// ErrNotFound is returned when the message document does not exist.
var ErrNotFound = errors.New("message document not found")

type (
	// Client exposes Mongo-backed operations on message documents.
	Client interface {
		health.Pinger

		CreateMessage(ctx context.Context, messageID string, content []byte, createdAt time.Time) error
		UpdateContent(ctx context.Context, messageID string, content []byte, updatedAt time.Time) error
		LoadContent(ctx context.Context, messageID string) ([]byte, error)
	}

	// Options configures the Mongo message client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	messageDocument struct {
		MessageID string    `bson:"message_id"`
		Content   string    `bson:"content"`
		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	// collection is the subset of the driver collection used by the client.
	collection interface {
		FindOne(ctx context.Context, filter any) singleResult
		UpdateOne(ctx context.Context, filter, update any, upsert bool) (matched int64, err error)
		EnsureIndex(ctx context.Context, model mongodriver.IndexModel) error
	}

	singleResult interface {
		Decode(val any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

// New returns a Client backed by MongoDB. It creates the unique message_id
// index when missing.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout), nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateMessage(ctx context.Context, messageID string, content []byte, createdAt time.Time) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	createdAt = createdAt.UTC()
	update := bson.M{
		"$setOnInsert": bson.M{
			"message_id": messageID,
			"content":    string(content),
			"created_at": createdAt,
			"updated_at": createdAt,
		},
	}
	_, err := c.coll.UpdateOne(ctx, bson.M{"message_id": messageID}, update, true)
	return err
}

func (c *client) UpdateContent(ctx context.Context, messageID string, content []byte, updatedAt time.Time) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"content":    string(content),
			"updated_at": updatedAt.UTC(),
		},
	}
	matched, err := c.coll.UpdateOne(ctx, bson.M{"message_id": messageID}, update, false)
	if err != nil {
		return err
	}
	if matched == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *client) LoadContent(ctx context.Context, messageID string) ([]byte, error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc messageDocument
	if err := c.coll.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return []byte(doc.Content), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	return coll.EnsureIndex(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *client {
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, upsert bool) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(upsert))
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c mongoCollection) EnsureIndex(ctx context.Context, model mongodriver.IndexModel) error {
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return err
}
