package cryptoutils

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/tyler-smith/go-bip39"
)

// KeyDeriver derives the private key of account index from a mnemonic and passphrase.
type KeyDeriver func(mnemonic, passphrase string, index int) (interfaces.SecretKey, error)

// mnemonicEntropyBits gives a 12-word mnemonic.
const mnemonicEntropyBits = 128

// NewMnemonic generates a fresh BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer Zero(entropy)
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic reports whether mnemonic is a valid BIP-39 phrase.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// DeriveNIP06 derives m/44'/1237'/<index>'/0/0 from the mnemonic seed.
func DeriveNIP06(mnemonic, passphrase string, index int) (interfaces.SecretKey, error) {
	if index < 0 {
		return interfaces.SecretKey{}, fmt.Errorf("%w: negative account index", interfaces.ErrInvalidParams)
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return interfaces.SecretKey{}, fmt.Errorf("invalid mnemonic: %w", err)
	}
	defer Zero(seed)

	node, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return interfaces.SecretKey{}, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 1237,
		hdkeychain.HardenedKeyStart + uint32(index),
		0,
		0,
	}
	for _, i := range path {
		node, err = node.Derive(i)
		if err != nil {
			return interfaces.SecretKey{}, fmt.Errorf("failed to derive child %d: %w", i, err)
		}
	}

	priv, err := node.ECPrivKey()
	if err != nil {
		return interfaces.SecretKey{}, fmt.Errorf("failed to extract private key: %w", err)
	}

	var key interfaces.SecretKey
	copy(key[:], priv.Serialize())
	priv.Zero()
	return key, nil
}

// ParseSecretKey accepts an nsec bech32 string or a 64-character hex key.
func ParseSecretKey(input string) (interfaces.SecretKey, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "nsec1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil {
			return interfaces.SecretKey{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
		}
		skHex, ok := value.(string)
		if prefix != "nsec" || !ok {
			return interfaces.SecretKey{}, fmt.Errorf("%w: not a secret key", interfaces.ErrInvalidParams)
		}
		input = skHex
	}

	key, err := interfaces.NewSecretKeyFromHex(input)
	if err != nil {
		return interfaces.SecretKey{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}
	if _, err := PublicKeyHex(key); err != nil {
		return interfaces.SecretKey{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}
	return key, nil
}

// PublicKeyHex returns the x-only public key of sk.
func PublicKeyHex(sk interfaces.SecretKey) (string, error) {
	if sk.IsZero() {
		return "", fmt.Errorf("%w: zero key", interfaces.ErrInvalidParams)
	}
	return nostr.GetPublicKey(sk.Hex())
}

// Npub encodes a hex public key as npub.
func Npub(pubkeyHex string) (string, error) {
	return nip19.EncodePublicKey(pubkeyHex)
}
