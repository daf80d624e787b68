package ledger

import (
	"context"
	"errors"

	"github.com/agicash/walletcore/internal/codec"
	"github.com/agicash/walletcore/internal/money"
)

// KeyProvider resolves the X25519 data-encryption keypair for a user's
// records, so the ledger repository never has to know how keys are managed
// (derived from the wallet mnemonic, held by an HSM, etc — see
// internal/walletkeys for this repository's own key source).
type KeyProvider interface {
	PublicKey(ctx context.Context, userID string) ([codec.PublicKeySize]byte, error)
	PrivateKey(ctx context.Context, userID string) ([codec.PrivateKeySize]byte, error)
}

// proofSecretData is the sensitive portion of a CashuProof, the part stored
// in the encrypted_data column described in §3 ("Amount and secret are
// encrypted at rest"). Clear columns (id, accountId, keysetId, publicKeyY,
// state, version) are indexable and live outside this envelope.
type proofSecretData struct {
	Amount             money.Money `json:"amount"`
	Secret             string      `json:"secret"`
	UnblindedSignature string      `json:"unblindedSignature"`
	DLEQ               string      `json:"dleq,omitempty"`
	Witness            string      `json:"witness,omitempty"`
}

func (d proofSecretData) Validate() error {
	if d.Secret == "" {
		return errors.New("ledger: proof secret is required")
	}
	if d.Amount.Amount <= 0 {
		return errors.New("ledger: proof amount must be positive")
	}
	return nil
}

func encryptProofSecret(recipientPublicKey [codec.PublicKeySize]byte, d proofSecretData) (string, error) {
	return codec.Encrypt(d, recipientPublicKey)
}

func decryptProofSecret(recipientPrivateKey [codec.PrivateKeySize]byte, blob string) (proofSecretData, error) {
	var d proofSecretData
	if err := codec.Decrypt(blob, recipientPrivateKey, &d); err != nil {
		return proofSecretData{}, err
	}
	return d, nil
}
