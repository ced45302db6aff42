package cache

import (
	"crypto/sha256"
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/metrics"
)

// DefaultSharedSecretCapacity is the number of conversation keys kept per session.
const DefaultSharedSecretCapacity = 100

// Scheme names the encryption scheme a conversation key was derived for.
type Scheme string

const (
	SchemeNIP04 Scheme = "nip04"
	SchemeNIP44 Scheme = "nip44"
)

type secretID struct {
	scheme Scheme
	peer   string
}

// SharedSecrets is a bounded LRU of conversation keys derived between the
// active private key and peers. Every call names the active key it is made
// for; when that differs from the key the entries were derived with, the whole
// cache is dropped first, so entries never outlive an account switch.
type SharedSecrets struct {
	mu       sync.Mutex
	capacity int
	entries  lru.BasicLRU[secretID, []byte]
	owner    [sha256.Size]byte
	hasOwner bool
}

func NewSharedSecrets(capacity int) *SharedSecrets {
	if capacity <= 0 {
		capacity = DefaultSharedSecretCapacity
	}
	return &SharedSecrets{
		capacity: capacity,
		entries:  lru.NewBasicLRU[secretID, []byte](capacity),
	}
}

// claimLocked makes active the owner of the cache, dropping entries derived
// for any other key. Caller holds c.mu.
func (c *SharedSecrets) claimLocked(active interfaces.SecretKey) {
	fingerprint := sha256.Sum256(active[:])
	if c.hasOwner && fingerprint == c.owner {
		return
	}
	c.purgeLocked()
	c.owner = fingerprint
	c.hasOwner = true
}

// Get returns a copy of the conversation key for peer, if cached for active.
func (c *SharedSecrets) Get(active interfaces.SecretKey, scheme Scheme, peer string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.claimLocked(active)
	secret, ok := c.entries.Get(secretID{scheme, peer})
	if !ok {
		metrics.SharedSecretLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.SharedSecretLookups.WithLabelValues("hit").Inc()
	return append([]byte(nil), secret...), true
}

// Set caches a copy of secret for peer under active, evicting the least
// recently used entry when full.
func (c *SharedSecrets) Set(active interfaces.SecretKey, scheme Scheme, peer string, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.claimLocked(active)
	id := secretID{scheme, peer}
	if old, ok := c.entries.Peek(id); ok {
		cryptoutils.Zero(old)
	} else if c.entries.Len() >= c.capacity {
		if _, evicted, ok := c.entries.RemoveOldest(); ok {
			cryptoutils.Zero(evicted)
		}
	}
	c.entries.Add(id, append([]byte(nil), secret...))
}

// Len returns the number of cached conversation keys.
func (c *SharedSecrets) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Clear drops every entry and forgets the owning key.
func (c *SharedSecrets) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	c.hasOwner = false
}

func (c *SharedSecrets) purgeLocked() {
	for _, id := range c.entries.Keys() {
		if secret, ok := c.entries.Peek(id); ok {
			cryptoutils.Zero(secret)
		}
	}
	c.entries.Purge()
}

func (c *SharedSecrets) SessionUnlocked([]byte) { c.Clear() }

func (c *SharedSecrets) SessionLocked(_, _ []byte) { c.Clear() }
