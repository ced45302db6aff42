package cryptoutils

import (
	"strings"
	"testing"

	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/stretchr/testify/require"
)

// fastCodec keeps the tests quick; the format is identical apart from the iteration count.
func fastCodec() *Codec {
	return NewCodec().WithIterations(VersionCurrent, 1000).WithIterations(VersionLegacy, 10)
}

func TestSealOpenRoundTrip(t *testing.T) {
	codec := fastCodec()

	testCases := []struct {
		name     string
		data     []byte
		password string
	}{
		{name: "Simple string", data: []byte("This is a secret message"), password: "hunter2"},
		{name: "JSON vault", data: []byte(`{"mnemonic":"abandon","accounts":[]}`), password: "correct horse"},
		{name: "Binary data", data: []byte{0x00, 0x01, 0xFF, 0xFE}, password: "p"},
		{name: "Empty data", data: []byte{}, password: "empty"},
		{name: "Empty password", data: []byte("data"), password: ""},
		{name: "Long data", data: make([]byte, 4096), password: "long"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := codec.Seal(tc.data, tc.password)
			require.NoError(t, err)
			require.Equal(t, VersionCurrent, blob.Version)
			require.Len(t, blob.Salt, SaltSize)
			require.Len(t, blob.IV, IVSize)

			parsed, err := ParseSealedBlob(blob.String())
			require.NoError(t, err)

			plaintext, err := codec.Open(parsed, tc.password)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(plaintext))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, plaintext)
			}
		})
	}
}

func TestOpenWrongPassword(t *testing.T) {
	codec := fastCodec()

	blob, err := codec.Seal([]byte("secret"), "right")
	require.NoError(t, err)

	for _, password := range []string{"wrong", "", "Right", "right "} {
		plaintext, err := codec.Open(blob, password)
		require.ErrorIs(t, err, interfaces.ErrAuthentication)
		require.Nil(t, plaintext)
	}
}

func TestOpenTamperedBlob(t *testing.T) {
	codec := fastCodec()

	blob, err := codec.Seal([]byte("secret"), "pw")
	require.NoError(t, err)

	blob.Ciphertext[0] ^= 0x01
	_, err = codec.Open(blob, "pw")
	require.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestSealsAreUnique(t *testing.T) {
	codec := fastCodec()

	a, err := codec.Seal([]byte("same"), "pw")
	require.NoError(t, err)
	b, err := codec.Seal([]byte("same"), "pw")
	require.NoError(t, err)

	require.NotEqual(t, a.Salt, b.Salt)
	require.NotEqual(t, a.String(), b.String())
}

func TestOpenLegacyBlob(t *testing.T) {
	codec := fastCodec()

	salt, err := codec.NewSalt()
	require.NoError(t, err)
	key, err := codec.DeriveKey(VersionLegacy, "old password", salt)
	require.NoError(t, err)

	blob, err := codec.SealWithKey([]byte("legacy vault"), key, salt)
	require.NoError(t, err)
	blob.Version = VersionLegacy

	serialized := blob.String()
	require.True(t, strings.HasPrefix(serialized, "v1:"))

	parsed, err := ParseSealedBlob(serialized)
	require.NoError(t, err)
	require.True(t, parsed.IsLegacy())

	opened, err := codec.OpenAndDerive(parsed, "old password")
	require.NoError(t, err)
	require.Equal(t, []byte("legacy vault"), opened.Plaintext)
	require.Equal(t, VersionLegacy, opened.Version)
	require.Equal(t, key, opened.Key)

	// The current version derives a different key from the same inputs.
	parsed.Version = VersionCurrent
	_, err = codec.Open(parsed, "old password")
	require.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestSealWithKey(t *testing.T) {
	codec := fastCodec()

	blob, key, err := codec.SealAndDerive([]byte("vault"), "pw")
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	cacheBlob, err := codec.SealWithKey([]byte("cache"), key, blob.Salt)
	require.NoError(t, err)
	require.Equal(t, blob.Salt, cacheBlob.Salt)

	plaintext, err := codec.OpenWithKey(cacheBlob, key)
	require.NoError(t, err)
	require.Equal(t, []byte("cache"), plaintext)

	// The password alone is enough to open a key-sealed blob.
	plaintext, err = codec.Open(cacheBlob, "pw")
	require.NoError(t, err)
	require.Equal(t, []byte("cache"), plaintext)

	otherKey := make([]byte, KeySize)
	_, err = codec.OpenWithKey(cacheBlob, otherKey)
	require.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestParseSealedBlobFormatErrors(t *testing.T) {
	codec := fastCodec()
	valid, err := codec.Seal([]byte("x"), "pw")
	require.NoError(t, err)
	_, payload, _ := strings.Cut(valid.String(), ":")

	testCases := []struct {
		name  string
		input string
	}{
		{name: "Empty", input: ""},
		{name: "No prefix", input: payload},
		{name: "No separator", input: "v2" + payload},
		{name: "Non-numeric version", input: "vx:" + payload},
		{name: "Unknown version", input: "v9:" + payload},
		{name: "Bad base64", input: "v2:!!!"},
		{name: "Too short", input: "v2:AAAA"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSealedBlob(tc.input)
			require.ErrorIs(t, err, interfaces.ErrFormat)
		})
	}
}

func TestDeriveKeyRejectsBadSalt(t *testing.T) {
	_, err := DeriveKey(VersionCurrent, "pw", []byte("short"))
	require.ErrorIs(t, err, interfaces.ErrFormat)

	_, err = DeriveKey(BlobVersion(7), "pw", make([]byte, SaltSize))
	require.ErrorIs(t, err, interfaces.ErrFormat)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	require.Equal(t, []byte{0, 0, 0}, b)
}
