package sendswap

import (
	"context"

	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/tokenswap"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"
)

// MintClient is the mint-facing NUT-03/NUT-09 slice this engine needs to
// split reserved proofs into a proofs-to-send/change pair.
type MintClient interface {
	Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

// Ledger is the internal/ledger slice this engine composes: reserving the
// sender's input proofs at create time, handing them back out for the swap,
// inserting the settled outputs, and finally consuming both legs.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount money.Money, inputFeePpk uint, spendingKind, spendingID string) ([]ledger.CashuProof, money.Money, error)
	ProofsForSpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]ledger.CashuProof, error)
	Release(ctx context.Context, spendingKind, spendingID string) error
	Consume(ctx context.Context, spendingKind, spendingID string) error
	ConsumeTagged(ctx context.Context, spendingKind, spendingID string) error
	AllocateKeysetRange(ctx context.Context, accountID, keysetID string, count uint32) (uint32, error)
	InsertProofs(ctx context.Context, proofs []ledger.CashuProof) error
}

// KeyProvider derives the user's BIP-32 master key for deterministic output
// derivation, matching internal/receivequote and internal/tokenswap.
type KeyProvider interface {
	MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error)
}

// TokenSwapper is the narrow slice of internal/tokenswap.Engine that Reverse
// calls to reclaim an unclaimed proofs-to-send subset back into the sender's
// own account, by redeeming it as an ordinary incoming token (§4.5: "thus
// reusing the receive-side engine for the refund").
type TokenSwapper interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (tokenswap.CashuTokenSwap, error)
	Create(ctx context.Context, userID, accountID, transactionID, encodedToken, tokenProofsJSON, keysetID string, inputAmount, fee money.Money) (tokenswap.CashuTokenSwap, error)
	CompleteSwap(ctx context.Context, q tokenswap.CashuTokenSwap, mintPublicKeys map[uint64]*secp256k1.PublicKey) (tokenswap.CashuTokenSwap, error)
}
