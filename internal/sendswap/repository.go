package sendswap

import "context"

// Repository is the storage-layer contract for CashuSendSwap records,
// shaped like internal/sendquote.Repository and internal/tokenswap.Repository.
type Repository interface {
	CreateCashuSendSwap(ctx context.Context, q CashuSendSwap) (CashuSendSwap, error)
	GetCashuSendSwap(ctx context.Context, id string) (CashuSendSwap, error)
	GetCashuSendSwapByTokenHash(ctx context.Context, tokenHash string) (CashuSendSwap, error)

	// MarkCashuSendSwapAsPending transitions DRAFT->PENDING, recording the
	// settled proofs-to-send and the tokenHash they hash to (§4.5
	// SwapForProofsToSend).
	MarkCashuSendSwapAsPending(ctx context.Context, id string, expectedVersion int64, tokenHash, proofsToSendJSON string) (CashuSendSwap, error)

	CompleteCashuSendSwap(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error)
	FailCashuSendSwap(ctx context.Context, id string, expectedVersion int64, reason string) (CashuSendSwap, error)
	ReverseCashuSendSwap(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error)

	ListNonTerminalCashuSendSwaps(ctx context.Context) ([]CashuSendSwap, error)
}
