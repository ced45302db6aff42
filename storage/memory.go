package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// MemoryBackend keeps values in process memory. Everything is lost on restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
	name string
}

func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string][]byte),
		name: name,
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.data[key]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return fmt.Sprintf("memory-%s", b.name)
}

func (b *MemoryBackend) LocationURI() string {
	return fmt.Sprintf("memory://%s", b.name)
}
