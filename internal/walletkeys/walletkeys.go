// Package walletkeys implements the CodecKeyProvider contract every engine
// repository declares (internal/ledger.KeyProvider and its structurally
// identical internal/receivequote/internal/sendquote/internal/tokenswap/
// internal/sendswap CodecKeyProvider parallels): resolving the X25519
// data-encryption keypair a record is sealed to. Grounded on
// internal/derivation's mnemonic-rooted HD tree, generalized from Cashu's
// secp256k1 locking-secret derivation to HKDF-derive an X25519 scalar
// instead, since encrypted-at-rest envelopes use codec's ECIES scheme, not
// Cashu locking proofs.
package walletkeys

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/agicash/walletcore/internal/codec"
	"github.com/agicash/walletcore/internal/derivation"
)

const hkdfInfo = "agicash-walletcore/walletkeys/data-encryption/v1"

var errInvalidMnemonic = errors.New("walletkeys: invalid mnemonic")

// Provider derives every user's data-encryption keypair from a single
// wallet mnemonic's seed, matching config.AppConfig.Codec.WalletMnemonic's
// single-operator deployment model (§ ambient config: one node, one wallet
// secret). A per-user salt keeps records for different userIDs
// unlinkable from each other even though they share one root secret.
type Provider struct {
	seed []byte
}

func New(seed []byte) *Provider {
	return &Provider{seed: seed}
}

// NewFromMnemonic derives the provider's root seed the same way
// internal/derivation.MasterKeyFromMnemonic does (BIP-39, no passphrase), so
// both key trees are rooted in the same config.AppConfig.Codec.WalletMnemonic
// value.
func NewFromMnemonic(mnemonic string) (*Provider, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errInvalidMnemonic
	}
	return New(bip39.NewSeed(mnemonic, "")), nil
}

func (p *Provider) keyPair(userID string) (codec.KeyPair, error) {
	reader := hkdf.New(sha256.New, p.seed, []byte(userID), []byte(hkdfInfo))

	var kp codec.KeyPair
	if _, err := io.ReadFull(reader, kp.PrivateKey[:]); err != nil {
		return codec.KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return codec.KeyPair{}, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

func (p *Provider) PublicKey(_ context.Context, userID string) ([codec.PublicKeySize]byte, error) {
	kp, err := p.keyPair(userID)
	if err != nil {
		return [codec.PublicKeySize]byte{}, err
	}
	return kp.PublicKey, nil
}

func (p *Provider) PrivateKey(_ context.Context, userID string) ([codec.PrivateKeySize]byte, error) {
	kp, err := p.keyPair(userID)
	if err != nil {
		return [codec.PrivateKeySize]byte{}, err
	}
	return kp.PrivateKey, nil
}

// MasterKeyProvider resolves the single BIP-32 master key every receive
// quote/send quote/token swap/send swap engine derives Cashu locking
// secrets and blinding factors from (internal/derivation). This deployment
// is single-wallet (one config.AppConfig.Codec.WalletMnemonic per node), so
// MasterKey ignores userID and always returns the same tree root; it
// exists as its own type instead of folding into Provider because it
// hands out a live *hdkeychain.ExtendedKey, not a byte array, and callers
// should not be able to request it through the data-encryption path.
type MasterKeyProvider struct {
	master *hdkeychain.ExtendedKey
}

func NewMasterKeyProvider(mnemonic string) (*MasterKeyProvider, error) {
	master, err := derivation.MasterKeyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	return &MasterKeyProvider{master: master}, nil
}

func (p *MasterKeyProvider) MasterKey(_ context.Context, _ string) (*hdkeychain.ExtendedKey, error) {
	return p.master, nil
}
