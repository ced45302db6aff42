package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/metrics"
)

// BundleSchema is the schema version written into every cache bundle.
// Bundles carrying any other version are discarded on restore.
const BundleSchema = 2

// Bundle is the plaintext of the sealed cache blob.
type Bundle struct {
	Schema    int       `json:"schema"`
	CreatedAt int64     `json:"created_at"`
	Entries   *Snapshot `json:"entries"`
}

// Persistence seals the resident cache with the session key when the session
// locks and restores it when the session unlocks.
type Persistence struct {
	backend  interfaces.StorageBackend
	resident *Resident
	codec    *cryptoutils.Codec
	clock    clock.Clock
	log      *slog.Logger

	// timeout bounds storage calls made from session callbacks.
	timeout time.Duration
}

func NewPersistence(backend interfaces.StorageBackend, resident *Resident, codec *cryptoutils.Codec, clk clock.Clock, log *slog.Logger) *Persistence {
	if codec == nil {
		codec = cryptoutils.NewCodec()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Persistence{
		backend:  backend,
		resident: resident,
		codec:    codec,
		clock:    clk,
		log:      log,
		timeout:  10 * time.Second,
	}
}

// Persist seals the resident cache with key and salt and writes it to durable
// storage. Nothing is written when the resident cache is empty.
func (p *Persistence) Persist(ctx context.Context, key, salt []byte) error {
	if p.resident.IsEmpty() {
		return nil
	}

	plaintext, err := json.Marshal(&Bundle{
		Schema:    BundleSchema,
		CreatedAt: p.clock.Now().Unix(),
		Entries:   p.resident.Snapshot(),
	})
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(plaintext)

	blob, err := p.codec.SealWithKey(plaintext, key, salt)
	if err != nil {
		return fmt.Errorf("failed to seal cache bundle: %w", err)
	}
	if err := p.backend.Store(ctx, interfaces.KeyEncryptedCache, []byte(blob.String())); err != nil {
		return fmt.Errorf("failed to store cache bundle: %w", err)
	}
	return nil
}

// Restore reads the sealed bundle and repopulates the resident cache. It
// returns false if there is no bundle, if key does not open it, or if the
// bundle is in a format this version does not read. Bundles in an outdated
// format are deleted; a bundle that fails authentication is left in place.
func (p *Persistence) Restore(ctx context.Context, key []byte) bool {
	data, err := p.backend.Fetch(ctx, interfaces.KeyEncryptedCache)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		metrics.CacheRestores.WithLabelValues("missing").Inc()
		return false
	}
	if err != nil {
		p.log.Warn("Failed to fetch cache bundle", "err", err)
		metrics.CacheRestores.WithLabelValues("failed").Inc()
		return false
	}

	blob, err := cryptoutils.ParseSealedBlob(string(data))
	if err != nil {
		p.discard(ctx, "unreadable format")
		return false
	}
	if blob.IsLegacy() {
		p.discard(ctx, "legacy format")
		return false
	}

	plaintext, err := p.codec.OpenWithKey(blob, key)
	if err != nil {
		p.log.Info("Cache bundle does not open with the session key", "err", err)
		metrics.CacheRestores.WithLabelValues("failed").Inc()
		return false
	}
	defer cryptoutils.Zero(plaintext)

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		p.discard(ctx, "undecodable bundle")
		return false
	}
	if bundle.Schema != BundleSchema || bundle.Entries == nil {
		p.discard(ctx, fmt.Sprintf("schema %d", bundle.Schema))
		return false
	}

	p.resident.Load(bundle.Entries)
	metrics.CacheRestores.WithLabelValues("restored").Inc()
	p.log.Debug("Restored cache bundle",
		slog.Int("profiles", len(bundle.Entries.Profiles)),
		slog.Int("relays", len(bundle.Entries.Relays)))
	return true
}

func (p *Persistence) discard(ctx context.Context, reason string) {
	metrics.CacheRestores.WithLabelValues("discarded").Inc()
	p.log.Info("Discarding stored cache bundle", slog.String("reason", reason))
	if err := p.backend.Delete(ctx, interfaces.KeyEncryptedCache); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		p.log.Warn("Failed to delete cache bundle", "err", err)
	}
}

// SessionUnlocked restores the bundle sealed by the previous session.
func (p *Persistence) SessionUnlocked(key []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.Restore(ctx, key)
}

// SessionLocked seals the resident cache and drops it from memory.
func (p *Persistence) SessionLocked(key, salt []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Persist(ctx, key, salt); err != nil {
		p.log.Warn("Failed to persist cache", "err", err)
	}
	p.resident.Clear()
}
