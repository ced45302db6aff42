package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/storage"
	"github.com/ruteri/nostr-signing-agent/vaultstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "leader monkey parrot ring guide accident before fence cannon height naive bean"

func testCodec() *cryptoutils.Codec {
	return cryptoutils.NewCodec().
		WithIterations(cryptoutils.VersionCurrent, 1000).
		WithIterations(cryptoutils.VersionLegacy, 10)
}

type testEnv struct {
	manager *Manager
	store   *vaultstore.Store
	backend *storage.MemoryBackend
	clock   *clock.Mock
	codec   *cryptoutils.Codec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := storage.NewMemoryBackend("session")
	store := vaultstore.New(backend, log)
	mockClock := clock.NewMock()
	codec := testCodec()

	manager := NewManager(Config{
		Store:         store,
		Log:           log,
		Codec:         codec,
		Clock:         mockClock,
		UpgradeLegacy: true,
	})

	return &testEnv{manager: manager, store: store, backend: backend, clock: mockClock, codec: codec}
}

// recorder captures listener callbacks.
type recorder struct {
	mu       sync.Mutex
	unlocked [][]byte
	locked   [][]byte
	salts    [][]byte
}

func (r *recorder) SessionUnlocked(key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocked = append(r.unlocked, append([]byte(nil), key...))
}

func (r *recorder) SessionLocked(key, salt []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = append(r.locked, append([]byte(nil), key...))
	r.salts = append(r.salts, append([]byte(nil), salt...))
}

func TestCreateUnlockLock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := &recorder{}
	env.manager.Subscribe(rec)

	require.False(t, env.manager.IsUnlocked())
	_, err := env.manager.ActiveKey()
	require.ErrorIs(t, err, interfaces.ErrLocked)

	mnemonic, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)
	require.Equal(t, testMnemonic, mnemonic)
	require.True(t, env.manager.IsUnlocked())
	require.Equal(t, env.clock.Now(), env.manager.UnlockedAt())

	pub, err := env.manager.ActivePublicKey()
	require.NoError(t, err)
	require.Equal(t, "17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917", pub)

	env.manager.Lock()
	require.False(t, env.manager.IsUnlocked())
	_, err = env.manager.ActiveKey()
	require.ErrorIs(t, err, interfaces.ErrLocked)

	// Listeners saw the key that existed before destruction.
	require.Len(t, rec.unlocked, 1)
	require.Len(t, rec.locked, 1)
	require.Equal(t, rec.unlocked[0], rec.locked[0])
	require.Len(t, rec.salts[0], cryptoutils.SaltSize)

	// Locking twice is a no-op.
	env.manager.Lock()
	require.Len(t, rec.locked, 1)

	require.NoError(t, env.manager.Unlock(ctx, "pw"))
	require.True(t, env.manager.IsUnlocked())
	require.Equal(t, rec.unlocked[0], rec.unlocked[1])
}

func TestCreateGeneratesMnemonic(t *testing.T) {
	env := newTestEnv(t)

	mnemonic, err := env.manager.Create(context.Background(), "pw", "", "")
	require.NoError(t, err)
	require.True(t, cryptoutils.ValidateMnemonic(mnemonic))
}

func TestCreateRefusesExistingVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)

	_, err = env.manager.Create(ctx, "pw", "", "")
	require.ErrorIs(t, err, interfaces.ErrVaultExists)

	_, err = newTestEnv(t).manager.Create(ctx, "pw", "not a valid mnemonic", "")
	require.ErrorIs(t, err, interfaces.ErrInvalidParams)
}

func TestUnlockFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// No vault: indistinguishable from a wrong password.
	require.ErrorIs(t, env.manager.Unlock(ctx, "pw"), interfaces.ErrAuthentication)

	_, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)
	env.manager.Lock()

	require.ErrorIs(t, env.manager.Unlock(ctx, "wrong"), interfaces.ErrAuthentication)
	require.False(t, env.manager.IsUnlocked())

	require.NoError(t, env.backend.Store(ctx, interfaces.KeyEncryptedVault, []byte("v7:AAAA")))
	require.ErrorIs(t, env.manager.Unlock(ctx, "pw"), interfaces.ErrFormat)
	require.False(t, env.manager.IsUnlocked())
}

func TestFailedUnlockKeepsSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)

	require.ErrorIs(t, env.manager.Unlock(ctx, "wrong"), interfaces.ErrAuthentication)
	require.True(t, env.manager.IsUnlocked())
}

func TestUnlockRestoresLastSealedVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)
	_, err = env.manager.DeriveAccount(ctx)
	require.NoError(t, err)
	imported, err := env.manager.ImportAccount(ctx, "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9b")
	require.NoError(t, err)
	require.NoError(t, env.manager.SetDefaultAccount(ctx, imported))

	before, err := env.manager.ListAccounts()
	require.NoError(t, err)
	beforeKey, err := env.manager.ActiveKey()
	require.NoError(t, err)

	env.manager.Lock()
	require.NoError(t, env.manager.Unlock(ctx, "pw"))

	after, err := env.manager.ListAccounts()
	require.NoError(t, err)
	afterKey, err := env.manager.ActiveKey()
	require.NoError(t, err)

	require.Equal(t, before, after)
	require.Equal(t, beforeKey, afterKey)
}

func TestLegacyVaultUpgradedOnUnlock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	key, err := cryptoutils.DeriveNIP06(testMnemonic, "", 0)
	require.NoError(t, err)
	plaintext, err := json.Marshal(&interfaces.Vault{
		Mnemonic: testMnemonic,
		Accounts: []interfaces.Account{{PrvKey: key}},
	})
	require.NoError(t, err)

	salt, err := env.codec.NewSalt()
	require.NoError(t, err)
	legacyKey, err := env.codec.DeriveKey(cryptoutils.VersionLegacy, "pw", salt)
	require.NoError(t, err)
	legacy, err := env.codec.SealWithKey(plaintext, legacyKey, salt)
	require.NoError(t, err)
	legacy.Version = cryptoutils.VersionLegacy
	require.NoError(t, env.store.Save(ctx, legacy))

	require.NoError(t, env.manager.Unlock(ctx, "pw"))

	stored, err := env.store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, cryptoutils.VersionCurrent, stored.Version)

	// Mutations seal with the upgraded session key.
	_, err = env.manager.DeriveAccount(ctx)
	require.NoError(t, err)
	env.manager.Lock()
	require.NoError(t, env.manager.Unlock(ctx, "pw"))
	accounts, err := env.manager.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
}

func TestLegacyVaultWithoutUpgradeIsReadOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.manager.upgradeLegacy = false

	key, err := cryptoutils.DeriveNIP06(testMnemonic, "", 0)
	require.NoError(t, err)
	plaintext, err := json.Marshal(&interfaces.Vault{
		Mnemonic: testMnemonic,
		Accounts: []interfaces.Account{{PrvKey: key}},
	})
	require.NoError(t, err)
	salt, err := env.codec.NewSalt()
	require.NoError(t, err)
	legacyKey, err := env.codec.DeriveKey(cryptoutils.VersionLegacy, "pw", salt)
	require.NoError(t, err)
	legacy, err := env.codec.SealWithKey(plaintext, legacyKey, salt)
	require.NoError(t, err)
	legacy.Version = cryptoutils.VersionLegacy
	require.NoError(t, env.store.Save(ctx, legacy))

	require.NoError(t, env.manager.Unlock(ctx, "pw"))
	stored, err := env.store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, cryptoutils.VersionLegacy, stored.Version)

	_, err = env.manager.DeriveAccount(ctx)
	require.ErrorIs(t, err, interfaces.ErrFormat)

	// Changing the password writes the current version.
	require.NoError(t, env.manager.ChangePassword(ctx, "pw", "new"))
	_, err = env.manager.DeriveAccount(ctx)
	require.NoError(t, err)
}

func TestAccountManagement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.manager.DeriveAccount(ctx)
	require.ErrorIs(t, err, interfaces.ErrLocked)

	_, err = env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)

	derived, err := env.manager.DeriveAccount(ctx)
	require.NoError(t, err)

	imported, err := env.manager.ImportAccount(ctx, "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9b")
	require.NoError(t, err)

	_, err = env.manager.ImportAccount(ctx, "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9b")
	require.ErrorIs(t, err, interfaces.ErrInvalidParams)

	accounts, err := env.manager.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.True(t, accounts[0].Default)
	assert.Equal(t, derived, accounts[1].PublicKey)
	assert.False(t, accounts[1].Imported)
	assert.Equal(t, imported, accounts[2].PublicKey)
	assert.True(t, accounts[2].Imported)
	assert.Equal(t, 0, accounts[2].Index)

	require.NoError(t, env.manager.SetDefaultAccount(ctx, imported))
	pub, err := env.manager.ActivePublicKey()
	require.NoError(t, err)
	require.Equal(t, imported, pub)

	require.ErrorIs(t, env.manager.SetDefaultAccount(ctx, "00"), interfaces.ErrInvalidParams)

	// Deleting the default imported account falls back to the first derived one.
	require.NoError(t, env.manager.DeleteImportedAccount(ctx, 0))
	pub, err = env.manager.ActivePublicKey()
	require.NoError(t, err)
	require.Equal(t, accounts[0].PublicKey, pub)

	require.ErrorIs(t, env.manager.DeleteImportedAccount(ctx, 0), interfaces.ErrInvalidParams)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.manager.Create(ctx, "old", testMnemonic, "")
	require.NoError(t, err)

	require.ErrorIs(t, env.manager.ChangePassword(ctx, "wrong", "new"), interfaces.ErrAuthentication)
	require.NoError(t, env.manager.ChangePassword(ctx, "old", "new"))

	// The session keeps working with the new key.
	_, err = env.manager.DeriveAccount(ctx)
	require.NoError(t, err)

	env.manager.Lock()
	require.ErrorIs(t, env.manager.Unlock(ctx, "old"), interfaces.ErrAuthentication)
	require.NoError(t, env.manager.Unlock(ctx, "new"))

	accounts, err := env.manager.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
}

func TestImportVaultLocksSession(t *testing.T) {
	ctx := context.Background()
	source := newTestEnv(t)
	_, err := source.manager.Create(ctx, "src", testMnemonic, "")
	require.NoError(t, err)
	exported, err := source.manager.Export(ctx)
	require.NoError(t, err)
	blob, err := vaultstore.ParseExport(exported)
	require.NoError(t, err)

	env := newTestEnv(t)
	_, err = env.manager.Create(ctx, "dst", "", "")
	require.NoError(t, err)
	require.True(t, env.manager.IsUnlocked())

	require.ErrorIs(t, env.manager.ImportVault(ctx, blob, "wrong"), interfaces.ErrAuthentication)
	require.True(t, env.manager.IsUnlocked())

	require.NoError(t, env.manager.ImportVault(ctx, blob, "src"))
	require.False(t, env.manager.IsUnlocked())

	require.NoError(t, env.manager.Unlock(ctx, "src"))
	pub, err := env.manager.ActivePublicKey()
	require.NoError(t, err)
	require.Equal(t, "17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917", pub)
}

func TestLockRacesWithActiveKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key, err := env.manager.ActiveKey()
				if err == nil {
					assert.False(t, key.IsZero())
				} else {
					assert.ErrorIs(t, err, interfaces.ErrLocked)
				}
			}
		}()
	}
	env.manager.Lock()
	wg.Wait()

	_, err = env.manager.ActiveKey()
	require.ErrorIs(t, err, interfaces.ErrLocked)
}

func TestUnlockedAtUsesClock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.clock.Add(time.Hour)

	_, err := env.manager.Create(ctx, "pw", testMnemonic, "")
	require.NoError(t, err)
	require.Equal(t, env.clock.Now(), env.manager.UnlockedAt())

	env.manager.Lock()
	require.True(t, env.manager.UnlockedAt().IsZero())
}
