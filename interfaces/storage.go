package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// Durable storage keys. The vault and the cache bundle are sealed blobs; the
// policy map is plain JSON since it carries no secret material.
const (
	KeyEncryptedVault = "encryptedVault"
	KeyEncryptedCache = "encryptedCache"
	KeyPolicies       = "policies"
)

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "bolt", "memory", "s3", "vault", "mongodb", "mongodb+srv":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// IsFile checks if this is a file system storage location.
func (loc StorageBackendLocation) IsFile() bool {
	return loc.Scheme == "file"
}

// IsVolatile checks if this location loses its content on process restart.
func (loc StorageBackendLocation) IsVolatile() bool {
	return loc.Scheme == "memory"
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// StorageBackend is a durable key/value store for sealed blobs and policies.
type StorageBackend interface {
	// Fetch retrieves the value stored under key.
	// Returns ErrContentNotFound if nothing is stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Store saves data under key, replacing any previous value.
	Store(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports file://, bolt://, memory://, s3://, vault://, mongodb://
	StorageBackendFor(ctx context.Context, location StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(ctx context.Context, locations []StorageBackendLocation) (StorageBackend, error)
}
