package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/ruteri/nostr-signing-agent/interfaces"
)

const boltOpenTimeout = time.Second

var boltBucket = []byte("signer")

// BoltBackend stores every key in a single bucket of a bolt database file.
type BoltBackend struct {
	db          *bolt.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewBoltBackend opens (creating if needed) the database at path.
func NewBoltBackend(path string, log *slog.Logger) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltBackend{
		db:          db,
		path:        path,
		log:         log,
		locationURI: fmt.Sprintf("bolt://%s", path),
	}, nil
}

func (b *BoltBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return interfaces.ErrContentNotFound
		}
		// v is only valid for the lifetime of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Debug("Fetched content from bolt",
		slog.String("key", key),
		slog.Int("size", len(data)))
	return data, nil
}

func (b *BoltBackend) Store(ctx context.Context, key string, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write to bolt: %w", err)
	}
	return nil
}

func (b *BoltBackend) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (b *BoltBackend) Available(ctx context.Context) bool {
	return b.db.Path() != ""
}

func (b *BoltBackend) Name() string {
	return fmt.Sprintf("bolt-%s", filepath.Base(b.path))
}

func (b *BoltBackend) LocationURI() string {
	return b.locationURI
}

// Close releases the database file lock.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
