package tokenswap

import "context"

// Repository is the storage contract for token swaps. Method names mirror
// §6's persistence procedure names (CreateCashuTokenSwap,
// CompleteCashuTokenSwap, FailCashuTokenSwap) exactly. CreateCashuTokenSwap
// must map a tokenHash uniqueness violation to
// domainerr.ErrTokenAlreadyClaimed (§4.4).
type Repository interface {
	CreateCashuTokenSwap(ctx context.Context, q CashuTokenSwap) (CashuTokenSwap, error)
	GetCashuTokenSwap(ctx context.Context, id string) (CashuTokenSwap, error)
	GetCashuTokenSwapByTokenHash(ctx context.Context, tokenHash string) (CashuTokenSwap, error)

	// CompleteCashuTokenSwap moves PENDING->COMPLETED once the mint swap has
	// settled (possibly via a NUT-9 restore fallback), persisting nothing
	// beyond the state transition itself: the minted proofs are recorded
	// through internal/ledger.Ledger.InsertProofs, not this repository.
	CompleteCashuTokenSwap(ctx context.Context, id string, expectedVersion int64) (CashuTokenSwap, error)

	// FailCashuTokenSwap moves PENDING->FAILED, terminal (§4.4).
	FailCashuTokenSwap(ctx context.Context, id string, expectedVersion int64, reason string) (CashuTokenSwap, error)

	ListNonTerminalCashuTokenSwaps(ctx context.Context) ([]CashuTokenSwap, error)
}
