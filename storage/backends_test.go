package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exerciseBackend runs the key/value contract every backend must satisfy.
func exerciseBackend(t *testing.T, backend interfaces.StorageBackend) {
	ctx := context.Background()

	require.True(t, backend.Available(ctx))

	_, err := backend.Fetch(ctx, interfaces.KeyEncryptedVault)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, interfaces.KeyEncryptedVault, []byte("v2:first")))
	data, err := backend.Fetch(ctx, interfaces.KeyEncryptedVault)
	require.NoError(t, err)
	require.Equal(t, []byte("v2:first"), data)

	require.NoError(t, backend.Store(ctx, interfaces.KeyEncryptedVault, []byte("v2:second")))
	data, err = backend.Fetch(ctx, interfaces.KeyEncryptedVault)
	require.NoError(t, err)
	require.Equal(t, []byte("v2:second"), data)

	require.NoError(t, backend.Store(ctx, interfaces.KeyPolicies, []byte("{}")))

	require.NoError(t, backend.Delete(ctx, interfaces.KeyEncryptedVault))
	_, err = backend.Fetch(ctx, interfaces.KeyEncryptedVault)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Deleting twice is fine and other keys survive.
	require.NoError(t, backend.Delete(ctx, interfaces.KeyEncryptedVault))
	data, err = backend.Fetch(ctx, interfaces.KeyPolicies)
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), data)

	require.NotEmpty(t, backend.Name())
	require.NotEmpty(t, backend.LocationURI())
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend("test"))
}

func TestMemoryBackendCopiesData(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend("copy")

	data := []byte("abc")
	require.NoError(t, backend.Store(ctx, "k", data))
	data[0] = 'x'

	stored, err := backend.Fetch(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), stored)
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(filepath.Join(dir, "store"), testLogger())
	require.NoError(t, err)

	exerciseBackend(t, backend)

	info, err := os.Stat(filepath.Join(dir, "store", interfaces.KeyPolicies))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(dir, "store"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	for _, key := range []string{"../escape", "a/b", "..", ""} {
		require.ErrorIs(t, backend.Store(context.Background(), key, []byte("x")), interfaces.ErrInvalidParams)
	}
}

func TestBoltBackend(t *testing.T) {
	backend, err := NewBoltBackend(filepath.Join(t.TempDir(), "signer.db"), testLogger())
	require.NoError(t, err)
	defer backend.Close()

	exerciseBackend(t, backend)
}

func TestStorageBackendFactory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	factory := NewStorageBackendFactory(testLogger())

	tests := []struct {
		name     string
		uri      string
		wantType interface{}
	}{
		{name: "file", uri: "file://" + filepath.Join(dir, "files"), wantType: &FileBackend{}},
		{name: "bolt", uri: "bolt://" + filepath.Join(dir, "signer.db"), wantType: &BoltBackend{}},
		{name: "memory", uri: "memory://session", wantType: &MemoryBackend{}},
		{name: "s3", uri: "s3://AKID:SECRET@bucket/prefix?region=eu-west-1", wantType: &S3Backend{}},
		{name: "vault", uri: "vault://token@127.0.0.1:8200/secret/nostr-signer?tls=false", wantType: &VaultBackend{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			location, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)

			backend, err := factory.StorageBackendFor(ctx, location)
			require.NoError(t, err)
			require.IsType(t, tt.wantType, backend)

			if closer, ok := backend.(*BoltBackend); ok {
				closer.Close()
			}
		})
	}
}

func TestStorageBackendFactoryErrors(t *testing.T) {
	_, err := interfaces.NewStorageBackendLocation("ftp://example.com/x")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	factory := NewStorageBackendFactory(testLogger())
	location, err := interfaces.NewStorageBackendLocation("vault://127.0.0.1:8200/onlymount")
	require.NoError(t, err)
	_, err = factory.StorageBackendFor(context.Background(), location)
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestCreateMultiBackend(t *testing.T) {
	ctx := context.Background()
	factory := NewStorageBackendFactory(testLogger())

	memA, err := interfaces.NewStorageBackendLocation("memory://a")
	require.NoError(t, err)
	memB, err := interfaces.NewStorageBackendLocation("memory://b")
	require.NoError(t, err)

	single, err := factory.CreateMultiBackend(ctx, []interfaces.StorageBackendLocation{memA})
	require.NoError(t, err)
	require.IsType(t, &MemoryBackend{}, single)

	multi, err := factory.CreateMultiBackend(ctx, []interfaces.StorageBackendLocation{memA, memB})
	require.NoError(t, err)
	require.IsType(t, &MultiStorageBackend{}, multi)
	exerciseBackend(t, multi)

	_, err = factory.CreateMultiBackend(ctx, nil)
	require.Error(t, err)
}
