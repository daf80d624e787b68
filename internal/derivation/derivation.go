// Package derivation implements the wallet's BIP32 hierarchical key
// derivation for Cashu locking secrets and blinding factors, following the
// Cashu "deterministic secrets" path m/129372'/0'/<keysetIndex>'/<counter>'/{0,1}.
// Adapted from the teacher's internal/wallet package, which derives a
// single flat secp256k1 keypair per on-chain wallet (btcec.NewPrivateKey);
// this package instead walks a hardened HD tree per keyset, mirroring
// elnosh-gonuts's cashu/nuts/nut13.DeriveKeysetPath/DeriveSecret/
// DeriveBlindingFactor, generalized to also accept a user mnemonic (via
// go-bip39) rather than gonuts' raw master-key parameter.
package derivation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

// walletPurpose and walletCoinType are the fixed hardened path segments
// reserved for Cashu wallet deterministic secrets (NUT-13): m/129372'/0'.
const (
	walletPurpose  = 129372
	walletCoinType = 0
)

// MasterKeyFromMnemonic derives a BIP32 master extended key from a BIP39
// mnemonic (no passphrase, matching the Cashu wallet convention). The
// returned key is network-agnostic (hdkeychain.ExtendedKey is only used here
// for its hardened-derivation arithmetic, never for address encoding).
func MasterKeyFromMnemonic(mnemonic string) (*hdkeychain.ExtendedKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("derivation: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derivation: master key: %w", err)
	}
	return master, nil
}

// KeysetPath derives m/129372'/0'/keysetIndex' for a specific mint keyset,
// identified by its hex-encoded keyset id reduced to a 31-bit index exactly
// as NUT-13 specifies (big-endian uint64 of the id, mod 2^31-1).
func KeysetPath(master *hdkeychain.ExtendedKey, keysetID string) (*hdkeychain.ExtendedKey, error) {
	index, err := keysetIndex(keysetID)
	if err != nil {
		return nil, err
	}

	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + walletPurpose)
	if err != nil {
		return nil, fmt.Errorf("derivation: purpose: %w", err)
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + walletCoinType)
	if err != nil {
		return nil, fmt.Errorf("derivation: coin type: %w", err)
	}
	keysetPath, err := coinType.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, fmt.Errorf("derivation: keyset path: %w", err)
	}
	return keysetPath, nil
}

func keysetIndex(keysetID string) (uint32, error) {
	raw, err := hex.DecodeString(keysetID)
	if err != nil {
		return 0, fmt.Errorf("derivation: keyset id must be hex: %w", err)
	}
	if len(raw) < 8 {
		padded := make([]byte, 8)
		copy(padded[8-len(raw):], raw)
		raw = padded
	}
	value := binary.BigEndian.Uint64(raw[len(raw)-8:])
	return uint32(value % (1<<31 - 1)), nil
}

// LockingPath derives m/129372'/0'/index' directly from a caller-supplied
// index, the same tree shape as KeysetPath but skipping the keyset-id hash
// step, for deriving the locking key recorded against a receive quote's
// lockingDerivationPath (§4.2) rather than a mint keyset.
func LockingPath(master *hdkeychain.ExtendedKey, index uint32) (*hdkeychain.ExtendedKey, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + walletPurpose)
	if err != nil {
		return nil, fmt.Errorf("derivation: purpose: %w", err)
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + walletCoinType)
	if err != nil {
		return nil, fmt.Errorf("derivation: coin type: %w", err)
	}
	lockingPath, err := coinType.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, fmt.Errorf("derivation: locking path: %w", err)
	}
	return lockingPath, nil
}

// Secret derives the deterministic output secret at counter position
// counter under keysetPath: m/.../counter'/0, hex-encoded as Cashu expects.
func Secret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", fmt.Errorf("derivation: counter path: %w", err)
	}
	secretPath, err := counterPath.Derive(0)
	if err != nil {
		return "", fmt.Errorf("derivation: secret path: %w", err)
	}
	secretKey, err := secretPath.ECPrivKey()
	if err != nil {
		return "", fmt.Errorf("derivation: secret key: %w", err)
	}
	return hex.EncodeToString(secretKey.Serialize()), nil
}

// BlindingFactor derives the deterministic blinding factor r at counter
// position counter under keysetPath: m/.../counter'/1.
func BlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, fmt.Errorf("derivation: counter path: %w", err)
	}
	blindingPath, err := counterPath.Derive(1)
	if err != nil {
		return nil, fmt.Errorf("derivation: blinding path: %w", err)
	}
	r, err := blindingPath.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("derivation: blinding key: %w", err)
	}
	return r, nil
}

// SecretAndBlindingFactor derives both outputs needed to build a single
// blinded message for a given keyset and counter in one call, the shape
// every output-creation call site actually needs.
func SecretAndBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (secret string, r *secp256k1.PrivateKey, err error) {
	secret, err = Secret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err = BlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}
