package derivation

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	gonutscrypto "github.com/elnosh/gonuts/crypto"
)

// Output is one deterministically-derived blinded message plus the secret
// and blinding factor needed to unblind its eventual signature. Engines
// never use the blinding factor for anything except passing it back into
// Unblind once the mint responds (§4.2 CompleteReceive, §4.4 CompleteSwap,
// §4.5 SwapForProofsToSend).
type Output struct {
	Message        cashu.BlindedMessage
	Secret         string
	BlindingFactor *secp256k1.PrivateKey
}

// DeriveOutputs builds one blinded message per amount in amounts, starting
// at startCounter and incrementing by one per output, grounded on
// elnosh-gonuts/wallet.Wallet.CreateBlindedMessages (B_ = Y + rG via
// gonuts/crypto.BlindMessage) but with the secret/blinding-factor pair drawn
// from this wallet's deterministic tree instead of crypto/rand, so a crashed
// mint round-trip can be replayed byte-for-byte via Restore (NUT-9).
func DeriveOutputs(keysetPath *hdkeychain.ExtendedKey, keysetID string, startCounter uint32, amounts []uint64) ([]Output, error) {
	outputs := make([]Output, len(amounts))
	for i, amount := range amounts {
		counter := startCounter + uint32(i)
		secret, r, err := SecretAndBlindingFactor(keysetPath, counter)
		if err != nil {
			return nil, fmt.Errorf("derivation: output %d: %w", i, err)
		}

		secretBytes, err := hex.DecodeString(secret)
		if err != nil {
			// Secret() always hex-encodes a 32-byte key, so non-hex output
			// would indicate an upstream bug rather than bad input.
			return nil, fmt.Errorf("derivation: secret not hex: %w", err)
		}
		B_, rPrime := gonutscrypto.BlindMessage(secretBytes, r.Serialize())

		outputs[i] = Output{
			Message:        cashu.NewBlindedMessage(keysetID, amount, B_),
			Secret:         secret,
			BlindingFactor: rPrime,
		}
	}
	return outputs, nil
}

// Unblind recovers the mint's unblinded signature C = C_ - rK for one
// output, grounded on elnosh-gonuts/wallet.Wallet.ConstructProofs.
func Unblind(blindedSignatureHex string, blindingFactor *secp256k1.PrivateKey, mintPublicKey *secp256k1.PublicKey) (string, error) {
	cBytes, err := hex.DecodeString(blindedSignatureHex)
	if err != nil {
		return "", fmt.Errorf("derivation: blinded signature not hex: %w", err)
	}
	C_, err := secp256k1.ParsePubKey(cBytes)
	if err != nil {
		return "", fmt.Errorf("derivation: parse blinded signature: %w", err)
	}
	C := gonutscrypto.UnblindSignature(C_, blindingFactor, mintPublicKey)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}
