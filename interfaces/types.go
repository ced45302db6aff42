package interfaces

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SecretKey is a 32-byte secp256k1 private key. It marshals as lowercase hex.
type SecretKey [32]byte

// NewSecretKeyFromHex parses a 64-character hex private key.
func NewSecretKeyFromHex(source string) (SecretKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(source), "0x")
	if len(clean) != 64 {
		return SecretKey{}, errors.New("invalid secret key length: hex string must be 64 characters")
	}

	keyBytes, err := hex.DecodeString(clean)
	if err != nil {
		return SecretKey{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var key SecretKey
	copy(key[:], keyBytes)
	return key, nil
}

// Hex returns the hex representation of the key.
func (k SecretKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is all zeroes.
func (k SecretKey) IsZero() bool {
	return k == SecretKey{}
}

// Zero overwrites the key in place.
func (k *SecretKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// String never prints key material.
func (k SecretKey) String() string {
	return "SecretKey(***)"
}

func (k SecretKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Hex())
}

func (k *SecretKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewSecretKeyFromHex(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Account is one private key held by the vault.
type Account struct {
	PrvKey SecretKey `json:"prvKey"`
}

// Vault is the decrypted key material. It only ever exists inside an unlocked session.
//
// Derived accounts are indexed by derivation path index; imported accounts by
// insertion order. AccountDefault, when set, refers to one of the two lists.
type Vault struct {
	Mnemonic         string     `json:"mnemonic"`
	Passphrase       string     `json:"passphrase"`
	AccountIndex     int        `json:"accountIndex"`
	Accounts         []Account  `json:"accounts"`
	ImportedAccounts []Account  `json:"importedAccounts"`
	AccountDefault   *SecretKey `json:"accountDefault,omitempty"`
}

// Contains reports whether key belongs to a derived or imported account.
func (v *Vault) Contains(key SecretKey) bool {
	for _, acc := range v.Accounts {
		if acc.PrvKey == key {
			return true
		}
	}
	for _, acc := range v.ImportedAccounts {
		if acc.PrvKey == key {
			return true
		}
	}
	return false
}

// Validate checks the vault invariants.
func (v *Vault) Validate() error {
	if v.AccountDefault != nil && !v.Contains(*v.AccountDefault) {
		return errors.New("default account is not part of the vault")
	}
	if v.AccountIndex < 0 {
		return errors.New("negative account index")
	}
	return nil
}

// DefaultKey returns the key requests are served with: the default account,
// or the first derived account, or the first imported account.
func (v *Vault) DefaultKey() (SecretKey, error) {
	switch {
	case v.AccountDefault != nil:
		return *v.AccountDefault, nil
	case len(v.Accounts) > 0:
		return v.Accounts[0].PrvKey, nil
	case len(v.ImportedAccounts) > 0:
		return v.ImportedAccounts[0].PrvKey, nil
	default:
		return SecretKey{}, ErrNoActiveAccount
	}
}

// Clone returns a deep copy of the vault.
func (v *Vault) Clone() *Vault {
	c := &Vault{
		Mnemonic:         v.Mnemonic,
		Passphrase:       v.Passphrase,
		AccountIndex:     v.AccountIndex,
		Accounts:         append([]Account(nil), v.Accounts...),
		ImportedAccounts: append([]Account(nil), v.ImportedAccounts...),
	}
	if v.AccountDefault != nil {
		def := *v.AccountDefault
		c.AccountDefault = &def
	}
	return c
}

// Zero overwrites all key material held by the vault and drops the
// references to the mnemonic and passphrase.
func (v *Vault) Zero() {
	for i := range v.Accounts {
		v.Accounts[i].PrvKey.Zero()
	}
	for i := range v.ImportedAccounts {
		v.ImportedAccounts[i].PrvKey.Zero()
	}
	if v.AccountDefault != nil {
		v.AccountDefault.Zero()
	}
	v.Mnemonic = ""
	v.Passphrase = ""
	v.Accounts = nil
	v.ImportedAccounts = nil
	v.AccountDefault = nil
}

// OperationType names a privileged operation a caller may request.
type OperationType string

const (
	OpGetPublicKey OperationType = "getPublicKey"
	OpSignEvent    OperationType = "signEvent"
	OpNip04Encrypt OperationType = "nip04.encrypt"
	OpNip04Decrypt OperationType = "nip04.decrypt"
	OpNip44Encrypt OperationType = "nip44.encrypt"
	OpNip44Decrypt OperationType = "nip44.decrypt"
)

// AllOperations lists every operation type in a stable order.
var AllOperations = []OperationType{
	OpGetPublicKey,
	OpSignEvent,
	OpNip04Encrypt,
	OpNip04Decrypt,
	OpNip44Encrypt,
	OpNip44Decrypt,
}

// Validate checks that the operation type is known.
func (op OperationType) Validate() error {
	for _, known := range AllOperations {
		if op == known {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown operation type %q", ErrInvalidParams, string(op))
}

func (op OperationType) String() string {
	return string(op)
}
