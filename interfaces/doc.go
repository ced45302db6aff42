// Package interfaces defines the types and contracts shared across the signing
// agent, separating them from their implementations.
//
// # Key Material
//
//   - SecretKey: 32-byte secp256k1 private key, hex in JSON, never printed
//   - Account: one private key held by the vault
//   - Vault: mnemonic, derived and imported accounts, and the default account
//
// A Vault only exists decrypted inside an unlocked session; everything that
// leaves the process is sealed (see package cryptoutils).
//
// # Operations and Policies
//
// OperationType enumerates what callers may ask for: getPublicKey, signEvent
// and the nip04/nip44 encrypt and decrypt operations. Conditions
// records how far a remembered decision reaches (forever, or a set of event
// kinds), and PolicyEntry/PolicyRecord are the persisted shape of remembered
// decisions keyed by host, accept flag and operation.
//
// # Storage
//
// StorageBackend is a flat key/value store addressed by a StorageBackendLocation
// URI such as file:///var/lib/nostr-signer or s3://bucket/prefix. The agent
// writes three keys: KeyEncryptedVault, KeyEncryptedCache and KeyPolicies.
//
// # Errors
//
// Sentinel errors (ErrLocked, ErrAuthentication, ErrPermissionDenied, ...) are
// wrapped with context by the packages that return them and matched with
// errors.Is at the HTTP boundary.
package interfaces
