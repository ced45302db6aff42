package vaultstore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *storage.MemoryBackend) {
	backend := storage.NewMemoryBackend("vault")
	return New(backend, slog.New(slog.NewTextHandler(io.Discard, nil))), backend
}

func sealTestVault(t *testing.T) *cryptoutils.SealedBlob {
	codec := cryptoutils.NewCodec().WithIterations(cryptoutils.VersionCurrent, 1000)
	blob, err := codec.Seal([]byte(`{"mnemonic":"m"}`), "pw")
	require.NoError(t, err)
	return blob
}

func TestLoadSave(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	blob, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, blob)

	exists, err := store.Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	sealed := sealTestVault(t)
	require.NoError(t, store.Save(ctx, sealed))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, sealed.String(), loaded.String())

	exists, err = store.Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLoadCorruptVault(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore()

	require.NoError(t, backend.Store(ctx, interfaces.KeyEncryptedVault, []byte("garbage")))

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, interfaces.ErrFormat)

	// A corrupt vault still counts as existing so it is never silently overwritten.
	exists, err := store.Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestExportParseExport(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, err := store.Export(ctx)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	sealed := sealTestVault(t)
	require.NoError(t, store.Save(ctx, sealed))

	exported, err := store.Export(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"vault":"`+sealed.String()+`"}`, string(exported))

	parsed, err := ParseExport(exported)
	require.NoError(t, err)
	require.Equal(t, sealed.String(), parsed.String())
}

func TestParseExportErrors(t *testing.T) {
	for _, input := range []string{``, `{}`, `{"vault":""}`, `{"vault":"v2:???"}`, `[]`} {
		_, err := ParseExport([]byte(input))
		require.ErrorIs(t, err, interfaces.ErrFormat, input)
	}
}

func TestReplaceNotifiesObservers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	calls := 0
	store.OnReplace(func() { calls++ })

	require.NoError(t, store.Save(ctx, sealTestVault(t)))
	require.Equal(t, 0, calls)

	require.NoError(t, store.Replace(ctx, sealTestVault(t)))
	require.Equal(t, 1, calls)
}
