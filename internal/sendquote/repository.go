package sendquote

import (
	"context"

	"github.com/agicash/walletcore/internal/money"
)

// CashuRepository is the storage contract for Cashu send quotes. Method
// names mirror §6's persistence procedure names (CreateCashuSendQuote,
// MarkCashuSendQuoteAsPending, CompleteCashuSendQuote, ExpireCashuSendQuote,
// FailCashuSendQuote) exactly.
type CashuRepository interface {
	CreateCashuSendQuote(ctx context.Context, q CashuSendQuote) (CashuSendQuote, error)
	GetCashuSendQuote(ctx context.Context, id string) (CashuSendQuote, error)

	// MarkCashuSendQuoteAsPending records the mint melt-quote id, the keyset
	// range the split outputs were derived from, and the exact split between
	// outputs-to-spend and change outputs.
	MarkCashuSendQuoteAsPending(ctx context.Context, id string, expectedVersion int64, meltQuoteID, keysetID string, counterStart uint32, sendAmounts, changeAmounts []uint64, sendProofsJSON string) (CashuSendQuote, error)

	// CompleteCashuSendQuote moves PENDING->COMPLETED, recording fee and
	// paymentPreimage.
	CompleteCashuSendQuote(ctx context.Context, id string, expectedVersion int64, fee money.Money, paymentPreimage string) (CashuSendQuote, error)

	ExpireCashuSendQuote(ctx context.Context, id string, expectedVersion int64) (CashuSendQuote, error)

	// FailCashuSendQuote moves UNPAID/PENDING->FAILED. When the quote had
	// already reached external PENDING, ambiguousOutcome must be true and
	// the caller must not release the reserved inputs (§7).
	FailCashuSendQuote(ctx context.Context, id string, expectedVersion int64, reason string, ambiguousOutcome bool) (CashuSendQuote, error)

	ListNonTerminalCashuSendQuotes(ctx context.Context) ([]CashuSendQuote, error)
}

// SparkRepository is the Spark send-quote storage contract.
type SparkRepository interface {
	CreateSparkSendQuote(ctx context.Context, q SparkSendQuote) (SparkSendQuote, error)
	GetSparkSendQuote(ctx context.Context, id string) (SparkSendQuote, error)

	MarkSparkSendQuoteAsPending(ctx context.Context, id string, expectedVersion int64, sparkTransferID string) (SparkSendQuote, error)
	CompleteSparkSendQuote(ctx context.Context, id string, expectedVersion int64, fee money.Money, paymentPreimage string) (SparkSendQuote, error)
	ExpireSparkSendQuote(ctx context.Context, id string, expectedVersion int64) (SparkSendQuote, error)
	FailSparkSendQuote(ctx context.Context, id string, expectedVersion int64, reason string, ambiguousOutcome bool) (SparkSendQuote, error)

	ListNonTerminalSparkSendQuotes(ctx context.Context) ([]SparkSendQuote, error)
}
