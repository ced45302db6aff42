package cryptoutils

import (
	"crypto/sha256"
	"fmt"

	"github.com/ruteri/nostr-signing-agent/interfaces"
	"golang.org/x/crypto/pbkdf2"
)

// BlobVersion identifies the key derivation and cipher parameters of a sealed blob.
type BlobVersion uint8

const (
	// VersionLegacy blobs are readable but never written.
	VersionLegacy BlobVersion = 1
	// VersionCurrent is used for every new seal.
	VersionCurrent BlobVersion = 2
)

const (
	SaltSize = 16
	IVSize   = 12
	KeySize  = 32
)

// KDFParams holds the PBKDF2-SHA256 parameters of one blob version.
type KDFParams struct {
	Iterations int
}

// DefaultKDFParams are the iteration counts written by and expected from each version.
var DefaultKDFParams = map[BlobVersion]KDFParams{
	VersionLegacy:  {Iterations: 10_000},
	VersionCurrent: {Iterations: 600_000},
}

// DeriveKey derives the AES-256 key for a blob version from password and salt.
func DeriveKey(version BlobVersion, password string, salt []byte) ([]byte, error) {
	return deriveKey(DefaultKDFParams, version, password, salt)
}

func deriveKey(params map[BlobVersion]KDFParams, version BlobVersion, password string, salt []byte) ([]byte, error) {
	p, ok := params[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", interfaces.ErrFormat, version)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes", interfaces.ErrFormat, SaltSize)
	}
	return pbkdf2.Key([]byte(password), salt, p.Iterations, KeySize, sha256.New), nil
}
