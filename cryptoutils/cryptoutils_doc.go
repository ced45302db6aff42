// Package cryptoutils implements the at-rest encryption format of the signing agent
// and the key helpers around it.
//
// # Sealed blobs
//
// Every piece of data persisted outside an unlocked session is a sealed blob:
//
//	"v" + version + ":" + base64(salt (16 bytes) ‖ iv (12 bytes) ‖ ciphertext ‖ tag)
//
// The key is derived from the user's password with PBKDF2-SHA256 and the data is
// encrypted with AES-256-GCM. Version 1 uses 10,000 iterations and is only read;
// version 2 uses 600,000 iterations and is what every seal writes. Opening with
// the wrong password fails the tag check and returns interfaces.ErrAuthentication.
//
// SealWithKey and OpenWithKey operate on an already-derived key. The session uses
// them to seal auxiliary caches without keeping the password around.
//
// # Keys
//
// DeriveNIP06 is the default KeyDeriver (m/44'/1237'/<index>'/0/0). ParseSecretKey
// accepts nsec or hex input and PublicKeyHex returns the x-only public key.
package cryptoutils
