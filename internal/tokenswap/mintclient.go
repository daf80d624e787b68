package tokenswap

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"

	"github.com/agicash/walletcore/internal/ledger"
)

// MintClient is the narrow slice of internal/mintclient.Client this engine
// calls: NUT-03 swap plus NUT-9 restore for the already-signed fallback.
type MintClient interface {
	Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

// Ledger is the narrow slice of *internal/ledger.Ledger this engine calls.
type Ledger interface {
	AllocateKeysetRange(ctx context.Context, accountID, keysetID string, count uint32) (firstIndex uint32, err error)
	InsertProofs(ctx context.Context, proofs []ledger.CashuProof) error
}

// KeyProvider resolves the wallet master key deterministic secrets/blinding
// factors are derived from.
type KeyProvider interface {
	MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error)
}
