package interfaces

import "errors"

var (
	// ErrAuthentication is returned when a sealed blob fails its tag check,
	// i.e. the password or key is wrong or the data was tampered with.
	ErrAuthentication = errors.New("invalid password")

	// ErrFormat is returned when a sealed blob does not parse as a supported version.
	ErrFormat = errors.New("unsupported or corrupt sealed blob")

	// ErrLocked is returned when an operation needs key material while the session is locked.
	ErrLocked = errors.New("vault is locked, please unlock it first")

	// ErrPermissionDenied is returned when a request is denied by policy or by the user.
	ErrPermissionDenied = errors.New("denied")

	// ErrSessionExpired is returned when a collaborator references session data
	// (a prompt, an unlocked session) that no longer exists.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoActiveAccount is returned when the unlocked vault holds no account to sign with.
	ErrNoActiveAccount = errors.New("no active account")

	// ErrVaultExists is returned when creating a vault over an existing one.
	ErrVaultExists = errors.New("vault already exists")

	// ErrInvalidParams is returned for malformed request parameters.
	ErrInvalidParams = errors.New("invalid request parameters")

	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
