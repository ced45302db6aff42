package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage, one file per key
//   - bolt:// - Single bolt database file
//   - memory:// - Process memory, lost on restart
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 mount
//   - mongodb:// and mongodb+srv:// - MongoDB collection
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(ctx context.Context, location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	u, err := url.Parse(location.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return sf.createFileBackend(u)
	case "bolt":
		return sf.createBoltBackend(u)
	case "memory":
		return NewMemoryBackend(u.Host), nil
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	case "mongodb", "mongodb+srv":
		return sf.createMongoBackend(ctx, u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// It will store content to all available backends and fetch from the first one that has the content.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(ctx context.Context, locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := sf.StorageBackendFor(ctx, location)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", redactURI(location.String())))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// filePath extracts a filesystem path from file:// and bolt:// URIs.
// Both file:///absolute/path and file://./relative/path are accepted.
func filePath(u *url.URL) (string, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path in URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	return path, nil
}

func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path, err := filePath(u)
	if err != nil {
		return nil, err
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createBoltBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating bolt backend", slog.String("uri", u.String()))

	path, err := filePath(u)
	if err != nil {
		return nil, err
	}
	return NewBoltBackend(path, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", redactURI(u.String())))

	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultBackend creates a HashiCorp Vault backend.
// URI format: vault://[TOKEN@]host:port/mount/path?tls=false
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", redactURI(u.String())))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}

	var token string
	if u.User != nil {
		token = u.User.Username()
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, u.Host), parts[0], parts[1], token, sf.log)
}

// createMongoBackend creates a MongoDB backend.
// URI format: mongodb://[user:pass@]host:port/?database=signer&collection=blobs plus any driver options.
func (sf *StorageBackendFactory) createMongoBackend(ctx context.Context, u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating mongo backend", slog.String("uri", redactURI(u.String())))

	query := u.Query()
	dbName := query.Get("database")
	if dbName == "" {
		dbName = "nostr_signer"
	}
	collName := query.Get("collection")
	if collName == "" {
		collName = "blobs"
	}
	query.Del("database")
	query.Del("collection")

	driverURI := *u
	driverURI.RawQuery = query.Encode()

	return NewMongoBackend(ctx, driverURI.String(), dbName, collName, sf.log)
}

// redactURI hides credentials embedded in a location URI.
func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
