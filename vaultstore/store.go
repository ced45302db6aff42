// Package vaultstore is the persistence boundary for the sealed vault blob.
package vaultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// Envelope is the export format of a vault.
type Envelope struct {
	Vault string `json:"vault"`
}

// Store loads and saves the sealed vault under interfaces.KeyEncryptedVault.
type Store struct {
	backend interfaces.StorageBackend
	log     *slog.Logger

	mu        sync.Mutex
	observers []func()
}

func New(backend interfaces.StorageBackend, log *slog.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log,
	}
}

// Load returns the stored sealed vault, or nil if no vault has been created.
func (s *Store) Load(ctx context.Context) (*cryptoutils.SealedBlob, error) {
	data, err := s.backend.Fetch(ctx, interfaces.KeyEncryptedVault)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}

	blob, err := cryptoutils.ParseSealedBlob(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Exists reports whether a vault is stored.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	blob, err := s.Load(ctx)
	if err != nil && !errors.Is(err, interfaces.ErrFormat) {
		return false, err
	}
	return blob != nil || err != nil, nil
}

// Save writes blob as the current vault.
func (s *Store) Save(ctx context.Context, blob *cryptoutils.SealedBlob) error {
	if err := s.backend.Store(ctx, interfaces.KeyEncryptedVault, []byte(blob.String())); err != nil {
		return fmt.Errorf("failed to save vault: %w", err)
	}
	s.log.Debug("Saved vault", slog.Int("version", int(blob.Version)))
	return nil
}

// Replace saves a vault that did not originate from the running session and
// notifies change observers.
func (s *Store) Replace(ctx context.Context, blob *cryptoutils.SealedBlob) error {
	if err := s.Save(ctx, blob); err != nil {
		return err
	}
	s.log.Info("Vault replaced", slog.Int("version", int(blob.Version)))

	s.mu.Lock()
	observers := append([]func(){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return nil
}

// OnReplace registers fn to be called after every Replace.
func (s *Store) OnReplace(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Export returns the stored vault wrapped in an Envelope.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	blob, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, interfaces.ErrContentNotFound
	}
	return json.Marshal(Envelope{Vault: blob.String()})
}

// ParseExport extracts the sealed vault from an export envelope.
func ParseExport(data []byte) (*cryptoutils.SealedBlob, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid export envelope: %v", interfaces.ErrFormat, err)
	}
	if env.Vault == "" {
		return nil, fmt.Errorf("%w: export envelope has no vault", interfaces.ErrFormat)
	}
	return cryptoutils.ParseSealedBlob(env.Vault)
}
