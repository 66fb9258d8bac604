// Package mongo stores durable telemetry in MongoDB, one collection per
// driver. Documents keep the wire shape: {headers: {timestamp}, payload}.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

// DefaultDatabase is used when the config names none.
const DefaultDatabase = "microtime"

// Store writes each envelope into the collection named after its driver.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// Open connects to uri and checks the server answers.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mongo", "Open", "uri is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.WrapInvalid(err, "mongo", "Open", "configure client")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"mongo", "Open", "ping server")
	}
	return New(client, database), nil
}

// New uses an already connected client.
func New(client *mongo.Client, database string) *Store {
	if database == "" {
		database = DefaultDatabase
	}
	return &Store{client: client, db: client.Database(database)}
}

// Collection returns the collection holding driver's readings.
func (s *Store) Collection(driver message.Driver) *mongo.Collection {
	return s.db.Collection(string(driver))
}

// Insert writes one document.
func (s *Store) Insert(ctx context.Context, driver message.Driver, env message.Envelope) error {
	rec, err := store.NewRecord(driver, env)
	if err != nil {
		return err
	}
	doc, err := Document(rec)
	if err != nil {
		return err
	}
	if _, err := s.Collection(driver).InsertOne(ctx, doc); err != nil {
		return errors.WrapTransient(err, "mongo", "Insert", "insert into "+string(driver))
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "mongo", "Close", "disconnect")
	}
	return nil
}

// Document converts rec to the stored BSON shape, keeping payload field
// order.
func Document(rec store.Record) (bson.D, error) {
	var payload bson.D
	if err := bson.UnmarshalExtJSON(rec.Payload, false, &payload); err != nil {
		return nil, errors.WrapInvalid(err, "mongo", "Document", "convert payload")
	}
	return bson.D{
		{Key: "headers", Value: bson.D{{Key: "timestamp", Value: rec.Timestamp}}},
		{Key: "payload", Value: payload},
	}, nil
}
