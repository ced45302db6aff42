package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/metrics"
	"github.com/ruteri/nostr-signing-agent/vaultstore"
)

// Lock reasons, reported to metrics and logs.
const (
	ReasonExplicit      = "explicit"
	ReasonAutoLock      = "autolock"
	ReasonStorageChange = "storage_change"
	ReasonShutdown      = "shutdown"
)

// Listener observes session transitions. Callbacks run outside the session
// lock, after the transition is complete. key is zeroed once every listener
// has returned, so listeners must not retain it.
type Listener interface {
	SessionUnlocked(key []byte)
	SessionLocked(key, salt []byte)
}

// Config holds the collaborators of a Manager.
type Config struct {
	Store *vaultstore.Store
	Log   *slog.Logger

	// Codec defaults to cryptoutils.NewCodec().
	Codec *cryptoutils.Codec
	// Deriver defaults to cryptoutils.DeriveNIP06.
	Deriver cryptoutils.KeyDeriver
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// UpgradeLegacy re-seals a legacy vault with the current version on unlock.
	UpgradeLegacy bool
}

// Manager owns the single unlocked session of the process: the derived key,
// its salt and the decrypted vault. All three are present if and only if the
// session is unlocked.
type Manager struct {
	store         *vaultstore.Store
	codec         *cryptoutils.Codec
	deriver       cryptoutils.KeyDeriver
	clock         clock.Clock
	upgradeLegacy bool
	log           *slog.Logger

	mu         sync.RWMutex
	key        []byte
	salt       []byte
	keyVersion cryptoutils.BlobVersion
	vault      *interfaces.Vault
	unlockedAt time.Time

	listenersMu sync.Mutex
	listeners   []Listener
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:         cfg.Store,
		codec:         cfg.Codec,
		deriver:       cfg.Deriver,
		clock:         cfg.Clock,
		upgradeLegacy: cfg.UpgradeLegacy,
		log:           cfg.Log,
	}
	if m.codec == nil {
		m.codec = cryptoutils.NewCodec()
	}
	if m.deriver == nil {
		m.deriver = cryptoutils.DeriveNIP06
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	// A vault written behind our back invalidates whatever is unlocked.
	m.store.OnReplace(func() { m.lock(ReasonStorageChange) })
	return m
}

// Subscribe registers l for lock/unlock notifications.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) snapshotListeners() []Listener {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return append([]Listener(nil), m.listeners...)
}

// notifyUnlocked hands keyCopy to every listener and zeroes it afterwards.
func (m *Manager) notifyUnlocked(keyCopy []byte) {
	defer cryptoutils.Zero(keyCopy)

	for _, l := range m.snapshotListeners() {
		l.SessionUnlocked(keyCopy)
	}
}

// Unlock opens the stored vault with password and makes it the active session.
// A missing vault and a wrong password both yield ErrAuthentication; a vault
// that does not parse yields ErrFormat.
func (m *Manager) Unlock(ctx context.Context, password string) error {
	blob, err := m.store.Load(ctx)
	if err != nil {
		metrics.Unlocks.WithLabelValues("error").Inc()
		return err
	}
	if blob == nil {
		m.log.Debug("Unlock attempted without a stored vault")
		metrics.Unlocks.WithLabelValues("invalid_password").Inc()
		return interfaces.ErrAuthentication
	}

	opened, err := m.codec.OpenAndDerive(blob, password)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthentication) {
			metrics.Unlocks.WithLabelValues("invalid_password").Inc()
		} else {
			metrics.Unlocks.WithLabelValues("error").Inc()
		}
		return err
	}
	defer cryptoutils.Zero(opened.Plaintext)

	vault, err := decodeVault(opened.Plaintext)
	if err != nil {
		cryptoutils.Zero(opened.Key)
		metrics.Unlocks.WithLabelValues("error").Inc()
		return err
	}

	key, salt, version := opened.Key, opened.Salt, blob.Version
	if blob.IsLegacy() && m.upgradeLegacy {
		upgraded, newKey, err := m.codec.SealAndDerive(opened.Plaintext, password)
		if err == nil {
			err = m.store.Save(ctx, upgraded)
		}
		if err != nil {
			// The legacy vault is still readable; keep the session on it.
			m.log.Warn("Failed to upgrade legacy vault", "err", err)
			cryptoutils.Zero(newKey)
		} else {
			m.log.Info("Upgraded legacy vault",
				slog.Int("from", int(blob.Version)),
				slog.Int("to", int(upgraded.Version)))
			cryptoutils.Zero(key)
			key, salt, version = newKey, upgraded.Salt, upgraded.Version
		}
	}

	// Re-unlocking an open session goes through a full lock so listeners see both edges.
	m.lock(ReasonExplicit)

	m.mu.Lock()
	m.clearLocked()
	m.key = key
	m.salt = salt
	m.keyVersion = version
	m.vault = vault
	m.unlockedAt = m.clock.Now()
	keyCopy := append([]byte(nil), key...)
	m.mu.Unlock()

	metrics.Unlocks.WithLabelValues("ok").Inc()
	m.log.Info("Session unlocked", slog.Int("version", int(version)))

	m.notifyUnlocked(keyCopy)
	return nil
}

// Lock destroys the session key, salt and vault. Listeners receive copies of
// the key and salt that existed before destruction.
func (m *Manager) Lock() {
	m.lock(ReasonExplicit)
}

// Shutdown locks the session on process exit, giving listeners the chance to
// persist what they hold.
func (m *Manager) Shutdown() {
	m.lock(ReasonShutdown)
}

func (m *Manager) lock(reason string) {
	m.mu.Lock()
	if m.vault == nil {
		m.mu.Unlock()
		return
	}
	key := m.key
	salt := m.salt
	m.key = nil
	m.salt = nil
	m.vault.Zero()
	m.vault = nil
	m.unlockedAt = time.Time{}
	m.mu.Unlock()

	defer cryptoutils.Zero(key)

	metrics.SessionLocks.WithLabelValues(reason).Inc()
	m.log.Info("Session locked", slog.String("reason", reason))

	for _, l := range m.snapshotListeners() {
		l.SessionLocked(key, salt)
	}
}

// clearLocked zeroes the current session. Caller holds m.mu.
func (m *Manager) clearLocked() {
	cryptoutils.Zero(m.key)
	if m.vault != nil {
		m.vault.Zero()
	}
	m.key = nil
	m.salt = nil
	m.vault = nil
}

// IsUnlocked reports whether a session is active.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vault != nil
}

// UnlockedAt returns when the current session was unlocked, or the zero time.
func (m *Manager) UnlockedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlockedAt
}

// ActiveKey returns the private key requests are served with. Callers use the
// value for one operation only and fetch it again for the next one.
func (m *Manager) ActiveKey() (interfaces.SecretKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.vault == nil {
		return interfaces.SecretKey{}, interfaces.ErrLocked
	}
	return m.vault.DefaultKey()
}

// ActivePublicKey returns the hex public key of ActiveKey.
func (m *Manager) ActivePublicKey() (string, error) {
	key, err := m.ActiveKey()
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return cryptoutils.PublicKeyHex(key)
}

// Export returns the stored vault in its export envelope.
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	return m.store.Export(ctx)
}

func decodeVault(plaintext []byte) (*interfaces.Vault, error) {
	var vault interfaces.Vault
	if err := json.Unmarshal(plaintext, &vault); err != nil {
		return nil, fmt.Errorf("%w: vault does not decode: %v", interfaces.ErrFormat, err)
	}
	if err := vault.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrFormat, err)
	}
	return &vault, nil
}
