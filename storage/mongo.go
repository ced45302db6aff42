package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/nostr-signing-agent/interfaces"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoBackend stores each key as one document of a collection, with _id = key.
type MongoBackend struct {
	client      *mongo.Client
	coll        *mongo.Collection
	log         *slog.Logger
	locationURI string
}

type mongoDocument struct {
	ID        string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// NewMongoBackend connects to uri and verifies the connection.
func NewMongoBackend(ctx context.Context, uri, dbName, collName string, log *slog.Logger) (*MongoBackend, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	return &MongoBackend{
		client:      client,
		coll:        client.Database(dbName).Collection(collName),
		log:         log,
		locationURI: fmt.Sprintf("mongodb://%s/%s", dbName, collName),
	}, nil
}

func (b *MongoBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDocument
	err := b.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from mongo", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return doc.Data, nil
}

func (b *MongoBackend) Store(ctx context.Context, key string, data []byte) error {
	now := time.Now()
	_, err := b.coll.UpdateByID(
		ctx,
		key,
		bson.M{
			"$set": bson.M{
				"data":      data,
				"updatedAt": now,
			},
			"$setOnInsert": bson.M{
				"createdAt": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		b.log.Error("Failed to write to mongo", slog.String("key", key), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *MongoBackend) Delete(ctx context.Context, key string) error {
	_, err := b.coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *MongoBackend) Available(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Ping(pctx, readpref.Primary()); err != nil {
		b.log.Debug("Mongo backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *MongoBackend) Name() string {
	return fmt.Sprintf("mongo-%s", b.coll.Name())
}

func (b *MongoBackend) LocationURI() string {
	return b.locationURI
}

// Close disconnects the client.
func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}
