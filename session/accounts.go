package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/nostr-signing-agent/cryptoutils"
	"github.com/ruteri/nostr-signing-agent/interfaces"
)

// AccountInfo describes one vault account without exposing key material.
type AccountInfo struct {
	Index     int    `json:"index"`
	PublicKey string `json:"pubkey"`
	Npub      string `json:"npub"`
	Imported  bool   `json:"imported"`
	Default   bool   `json:"default"`
}

// Create seals a new vault, saves it and leaves the session unlocked with it.
// A mnemonic is generated when none is given. Returns the mnemonic in use.
func (m *Manager) Create(ctx context.Context, password, mnemonic, passphrase string) (string, error) {
	exists, err := m.store.Exists(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return "", interfaces.ErrVaultExists
	}

	if mnemonic == "" {
		mnemonic, err = cryptoutils.NewMnemonic()
		if err != nil {
			return "", err
		}
	} else if !cryptoutils.ValidateMnemonic(mnemonic) {
		return "", fmt.Errorf("%w: invalid mnemonic", interfaces.ErrInvalidParams)
	}

	first, err := m.deriver(mnemonic, passphrase, 0)
	if err != nil {
		return "", fmt.Errorf("failed to derive first account: %w", err)
	}

	vault := &interfaces.Vault{
		Mnemonic:         mnemonic,
		Passphrase:       passphrase,
		AccountIndex:     0,
		Accounts:         []interfaces.Account{{PrvKey: first}},
		ImportedAccounts: []interfaces.Account{},
	}

	plaintext, err := json.Marshal(vault)
	if err != nil {
		return "", err
	}
	defer cryptoutils.Zero(plaintext)

	blob, key, err := m.codec.SealAndDerive(plaintext, password)
	if err != nil {
		return "", err
	}
	if err := m.store.Save(ctx, blob); err != nil {
		cryptoutils.Zero(key)
		return "", err
	}

	m.lock(ReasonExplicit)

	m.mu.Lock()
	m.clearLocked()
	m.key = key
	m.salt = blob.Salt
	m.keyVersion = blob.Version
	m.vault = vault
	m.unlockedAt = m.clock.Now()
	keyCopy := append([]byte(nil), key...)
	m.mu.Unlock()

	m.log.Info("Vault created")
	m.notifyUnlocked(keyCopy)
	return mnemonic, nil
}

// mutate applies fn to a copy of the unlocked vault, seals the result with the
// session key and saves it. The session only switches to the new vault once
// the save succeeded.
func (m *Manager) mutate(ctx context.Context, fn func(v *interfaces.Vault) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vault == nil {
		return interfaces.ErrLocked
	}
	if m.keyVersion != cryptoutils.VersionCurrent {
		// The session key was derived with legacy parameters and cannot seal a current-version blob.
		return fmt.Errorf("%w: vault uses a legacy format, change the password to upgrade it", interfaces.ErrFormat)
	}

	next := m.vault.Clone()
	if err := fn(next); err != nil {
		next.Zero()
		return err
	}
	if err := next.Validate(); err != nil {
		next.Zero()
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}

	plaintext, err := json.Marshal(next)
	if err != nil {
		next.Zero()
		return err
	}
	defer cryptoutils.Zero(plaintext)

	blob, err := m.codec.SealWithKey(plaintext, m.key, m.salt)
	if err != nil {
		next.Zero()
		return err
	}
	if err := m.store.Save(ctx, blob); err != nil {
		next.Zero()
		return err
	}

	m.vault.Zero()
	m.vault = next
	return nil
}

// DeriveAccount appends the next derived account and returns its public key.
func (m *Manager) DeriveAccount(ctx context.Context) (string, error) {
	var pub string
	err := m.mutate(ctx, func(v *interfaces.Vault) error {
		index := v.AccountIndex + 1
		if len(v.Accounts) == 0 {
			index = 0
		}

		key, err := m.deriver(v.Mnemonic, v.Passphrase, index)
		if err != nil {
			return fmt.Errorf("failed to derive account %d: %w", index, err)
		}
		if v.Contains(key) {
			return fmt.Errorf("%w: account already present", interfaces.ErrInvalidParams)
		}

		pub, err = cryptoutils.PublicKeyHex(key)
		if err != nil {
			return err
		}
		v.Accounts = append(v.Accounts, interfaces.Account{PrvKey: key})
		v.AccountIndex = index
		return nil
	})
	if err != nil {
		return "", err
	}

	m.log.Info("Derived account", slog.String("pubkey", pub))
	return pub, nil
}

// ImportAccount adds an nsec or hex private key and returns its public key.
func (m *Manager) ImportAccount(ctx context.Context, secret string) (string, error) {
	key, err := cryptoutils.ParseSecretKey(secret)
	if err != nil {
		return "", err
	}
	defer key.Zero()

	pub, err := cryptoutils.PublicKeyHex(key)
	if err != nil {
		return "", err
	}

	err = m.mutate(ctx, func(v *interfaces.Vault) error {
		if v.Contains(key) {
			return fmt.Errorf("%w: account already present", interfaces.ErrInvalidParams)
		}
		v.ImportedAccounts = append(v.ImportedAccounts, interfaces.Account{PrvKey: key})
		return nil
	})
	if err != nil {
		return "", err
	}

	m.log.Info("Imported account", slog.String("pubkey", pub))
	return pub, nil
}

// DeleteImportedAccount removes the imported account at index. If it was the
// default account, the default falls back to the first derived account.
func (m *Manager) DeleteImportedAccount(ctx context.Context, index int) error {
	return m.mutate(ctx, func(v *interfaces.Vault) error {
		if index < 0 || index >= len(v.ImportedAccounts) {
			return fmt.Errorf("%w: no imported account %d", interfaces.ErrInvalidParams, index)
		}

		removed := v.ImportedAccounts[index].PrvKey
		v.ImportedAccounts = append(v.ImportedAccounts[:index:index], v.ImportedAccounts[index+1:]...)

		if v.AccountDefault != nil && *v.AccountDefault == removed {
			v.AccountDefault = nil
			if len(v.Accounts) > 0 {
				def := v.Accounts[0].PrvKey
				v.AccountDefault = &def
			}
		}
		return nil
	})
}

// SetDefaultAccount selects the account whose public key is pubkey.
func (m *Manager) SetDefaultAccount(ctx context.Context, pubkey string) error {
	return m.mutate(ctx, func(v *interfaces.Vault) error {
		for _, list := range [][]interfaces.Account{v.Accounts, v.ImportedAccounts} {
			for _, acc := range list {
				pub, err := cryptoutils.PublicKeyHex(acc.PrvKey)
				if err != nil {
					continue
				}
				if pub == pubkey {
					def := acc.PrvKey
					v.AccountDefault = &def
					return nil
				}
			}
		}
		return fmt.Errorf("%w: unknown account %s", interfaces.ErrInvalidParams, pubkey)
	})
}

// ListAccounts returns the derived accounts followed by the imported ones.
func (m *Manager) ListAccounts() ([]AccountInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.vault == nil {
		return nil, interfaces.ErrLocked
	}

	active, err := m.vault.DefaultKey()
	if err != nil && !errors.Is(err, interfaces.ErrNoActiveAccount) {
		return nil, err
	}

	infos := make([]AccountInfo, 0, len(m.vault.Accounts)+len(m.vault.ImportedAccounts))
	add := func(index int, acc interfaces.Account, imported bool) error {
		pub, err := cryptoutils.PublicKeyHex(acc.PrvKey)
		if err != nil {
			return err
		}
		npub, err := cryptoutils.Npub(pub)
		if err != nil {
			return err
		}
		infos = append(infos, AccountInfo{
			Index:     index,
			PublicKey: pub,
			Npub:      npub,
			Imported:  imported,
			Default:   acc.PrvKey == active,
		})
		return nil
	}

	for i, acc := range m.vault.Accounts {
		if err := add(i, acc, false); err != nil {
			return nil, err
		}
	}
	for i, acc := range m.vault.ImportedAccounts {
		if err := add(i, acc, true); err != nil {
			return nil, err
		}
	}
	return infos, nil
}

// ChangePassword re-seals the stored vault under newPassword with a fresh salt.
// The old password is verified against the stored vault first. If the session
// is unlocked its key and salt are replaced.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	blob, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if blob == nil {
		return interfaces.ErrAuthentication
	}

	plaintext, err := m.codec.Open(blob, oldPassword)
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(plaintext)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vault != nil {
		// The session may hold mutations that are newer than what was just read.
		current, err := json.Marshal(m.vault)
		if err != nil {
			return err
		}
		defer cryptoutils.Zero(current)
		plaintext = current
	}

	sealed, key, err := m.codec.SealAndDerive(plaintext, newPassword)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, sealed); err != nil {
		cryptoutils.Zero(key)
		return err
	}

	if m.vault != nil {
		cryptoutils.Zero(m.key)
		m.key = key
		m.salt = sealed.Salt
		m.keyVersion = sealed.Version
	} else {
		cryptoutils.Zero(key)
	}

	m.log.Info("Vault password changed")
	return nil
}

// ImportVault replaces the stored vault with blob after checking that it opens
// with password and decodes. The current session is locked by the replacement.
func (m *Manager) ImportVault(ctx context.Context, blob *cryptoutils.SealedBlob, password string) error {
	plaintext, err := m.codec.Open(blob, password)
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(plaintext)

	vault, err := decodeVault(plaintext)
	if err != nil {
		return err
	}
	vault.Zero()

	return m.store.Replace(ctx, blob)
}
