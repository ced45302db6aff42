package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// gcmTagSize is the AES-GCM authentication tag length appended to the ciphertext.
const gcmTagSize = 16

// SealedBlob is an authenticated-encryption envelope.
// Serialized as "v<version>:" + base64(salt ‖ iv ‖ ciphertext ‖ tag).
type SealedBlob struct {
	Version    BlobVersion
	Salt       []byte
	IV         []byte
	Ciphertext []byte // includes the GCM tag
}

// ParseSealedBlob parses the serialized form. The version is read from the
// prefix, so legacy blobs are detected without side information.
func ParseSealedBlob(s string) (*SealedBlob, error) {
	if !strings.HasPrefix(s, "v") {
		return nil, fmt.Errorf("%w: missing version prefix", interfaces.ErrFormat)
	}
	versionStr, payload, found := strings.Cut(s[1:], ":")
	if !found {
		return nil, fmt.Errorf("%w: missing version separator", interfaces.ErrFormat)
	}

	version, err := strconv.ParseUint(versionStr, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version %q", interfaces.ErrFormat, versionStr)
	}
	if _, ok := DefaultKDFParams[BlobVersion(version)]; !ok {
		return nil, fmt.Errorf("%w: unsupported version %d", interfaces.ErrFormat, version)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrFormat, err)
	}
	if len(raw) < SaltSize+IVSize+gcmTagSize {
		return nil, fmt.Errorf("%w: blob too short", interfaces.ErrFormat)
	}

	return &SealedBlob{
		Version:    BlobVersion(version),
		Salt:       raw[:SaltSize],
		IV:         raw[SaltSize : SaltSize+IVSize],
		Ciphertext: raw[SaltSize+IVSize:],
	}, nil
}

// String serializes the blob.
func (b *SealedBlob) String() string {
	raw := make([]byte, 0, len(b.Salt)+len(b.IV)+len(b.Ciphertext))
	raw = append(raw, b.Salt...)
	raw = append(raw, b.IV...)
	raw = append(raw, b.Ciphertext...)
	return "v" + strconv.Itoa(int(b.Version)) + ":" + base64.StdEncoding.EncodeToString(raw)
}

// IsLegacy reports whether the blob was written with a superseded version.
func (b *SealedBlob) IsLegacy() bool {
	return b.Version != VersionCurrent
}

// Opened is the result of opening a blob with a password. Key is the derived
// session key; the caller owns it and must Zero it when done.
type Opened struct {
	Plaintext []byte
	Key       []byte
	Salt      []byte
	Version   BlobVersion
}

// Codec seals and opens blobs. The zero value is not usable; use NewCodec.
type Codec struct {
	params map[BlobVersion]KDFParams
	rand   io.Reader
}

// NewCodec returns a codec with the default KDF parameters.
func NewCodec() *Codec {
	return &Codec{params: DefaultKDFParams, rand: rand.Reader}
}

// WithIterations returns a copy of the codec with the iteration count of one
// version replaced. Blobs sealed by such a codec only open with the same parameters.
func (c *Codec) WithIterations(version BlobVersion, iterations int) *Codec {
	params := make(map[BlobVersion]KDFParams, len(c.params))
	for v, p := range c.params {
		params[v] = p
	}
	params[version] = KDFParams{Iterations: iterations}
	return &Codec{params: params, rand: c.rand}
}

// DeriveKey derives the blob key for version using this codec's parameters.
func (c *Codec) DeriveKey(version BlobVersion, password string, salt []byte) ([]byte, error) {
	return deriveKey(c.params, version, password, salt)
}

// NewSalt returns a fresh random salt.
func (c *Codec) NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext under a key derived from password and a fresh salt.
// It always writes the current version.
func (c *Codec) Seal(plaintext []byte, password string) (*SealedBlob, error) {
	blob, key, err := c.SealAndDerive(plaintext, password)
	Zero(key)
	return blob, err
}

// SealAndDerive is Seal that also returns the derived key so the caller can
// keep it as a session key.
func (c *Codec) SealAndDerive(plaintext []byte, password string) (*SealedBlob, []byte, error) {
	salt, err := c.NewSalt()
	if err != nil {
		return nil, nil, err
	}

	key, err := c.DeriveKey(VersionCurrent, password, salt)
	if err != nil {
		return nil, nil, err
	}

	blob, err := c.SealWithKey(plaintext, key, salt)
	if err != nil {
		Zero(key)
		return nil, nil, err
	}
	return blob, key, nil
}

// SealWithKey encrypts plaintext with an already-derived key. salt is recorded
// in the blob so a password holder can re-derive the key.
func (c *Codec) SealWithKey(plaintext, key, salt []byte) (*SealedBlob, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes", SaltSize)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return &SealedBlob{
		Version:    VersionCurrent,
		Salt:       append([]byte(nil), salt...),
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Open decrypts a blob with password. It fails with ErrAuthentication if the
// tag check fails and with ErrFormat if the version is not supported.
func (c *Codec) Open(blob *SealedBlob, password string) ([]byte, error) {
	opened, err := c.OpenAndDerive(blob, password)
	if err != nil {
		return nil, err
	}
	Zero(opened.Key)
	return opened.Plaintext, nil
}

// OpenAndDerive is Open that also returns the derived key and salt.
func (c *Codec) OpenAndDerive(blob *SealedBlob, password string) (*Opened, error) {
	key, err := c.DeriveKey(blob.Version, password, blob.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.OpenWithKey(blob, key)
	if err != nil {
		Zero(key)
		return nil, err
	}

	return &Opened{
		Plaintext: plaintext,
		Key:       key,
		Salt:      append([]byte(nil), blob.Salt...),
		Version:   blob.Version,
	}, nil
}

// OpenWithKey decrypts a blob with an already-derived key.
func (c *Codec) OpenWithKey(blob *SealedBlob, key []byte) ([]byte, error) {
	if _, ok := c.params[blob.Version]; !ok {
		return nil, fmt.Errorf("%w: unsupported version %d", interfaces.ErrFormat, blob.Version)
	}
	if len(blob.IV) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", interfaces.ErrFormat, IVSize)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blob.IV, blob.Ciphertext, nil)
	if err != nil {
		return nil, interfaces.ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("invalid key size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

var defaultCodec = NewCodec()

// Seal seals plaintext with the default codec.
func Seal(plaintext []byte, password string) (*SealedBlob, error) {
	return defaultCodec.Seal(plaintext, password)
}

// Open opens a blob with the default codec.
func Open(blob *SealedBlob, password string) ([]byte, error) {
	return defaultCodec.Open(blob, password)
}

// SealWithKey seals plaintext with an already-derived key using the default codec.
func SealWithKey(plaintext, key, salt []byte) (*SealedBlob, error) {
	return defaultCodec.SealWithKey(plaintext, key, salt)
}

// OpenWithKey opens a blob with an already-derived key using the default codec.
func OpenWithKey(blob *SealedBlob, key []byte) ([]byte, error) {
	return defaultCodec.OpenWithKey(blob, key)
}
