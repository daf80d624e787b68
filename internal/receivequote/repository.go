package receivequote

import "context"

// CashuRepository is the storage contract for Cashu receive quotes. Method
// names mirror §6's persistence procedure names
// (CreateCashuReceiveQuote, ProcessCashuReceiveQuotePayment,
// CompleteCashuReceiveQuote, ExpireCashuReceiveQuote, FailCashuReceiveQuote,
// MarkCashuReceiveQuoteCashuTokenMeltInitiated) exactly.
type CashuRepository interface {
	CreateCashuReceiveQuote(ctx context.Context, q CashuReceiveQuote) (CashuReceiveQuote, error)
	GetCashuReceiveQuote(ctx context.Context, id string) (CashuReceiveQuote, error)
	GetCashuReceiveQuoteByPaymentHash(ctx context.Context, paymentHash string) (CashuReceiveQuote, error)

	// MarkCashuReceiveQuoteCashuTokenMeltInitiated idempotently flips the
	// meltInitiated latch (§4.2), a no-op if already set.
	MarkCashuReceiveQuoteCashuTokenMeltInitiated(ctx context.Context, id string, expectedVersion int64) (int64, error)

	// ProcessCashuReceiveQuotePayment moves UNPAID->PAID, persisting
	// keysetId and the allocated counter range (its start index and output
	// amounts) atomically.
	ProcessCashuReceiveQuotePayment(ctx context.Context, id string, expectedVersion int64, keysetID string, counterStart uint32, outputAmounts []uint64) (CashuReceiveQuote, error)

	// CompleteCashuReceiveQuote moves PAID->COMPLETED.
	CompleteCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error)

	// ExpireCashuReceiveQuote moves UNPAID->EXPIRED.
	ExpireCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error)

	// FailCashuReceiveQuote moves UNPAID->FAILED (or PAID->FAILED on an
	// unrecoverable mint error per §4.2), recording failureReason.
	FailCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64, reason string) (CashuReceiveQuote, error)

	// ListNonTerminalCashuReceiveQuotes feeds the background processor
	// (§4.7): every UNPAID/PAID record due for its next poll.
	ListNonTerminalCashuReceiveQuotes(ctx context.Context) ([]CashuReceiveQuote, error)
}

// SparkRepository is the Spark-receive storage contract, the Spark parallel
// of CashuRepository named per §6 ("... and the Spark parallels").
type SparkRepository interface {
	CreateSparkReceiveQuote(ctx context.Context, q SparkReceiveQuote) (SparkReceiveQuote, error)
	GetSparkReceiveQuote(ctx context.Context, id string) (SparkReceiveQuote, error)

	// CompleteSparkReceiveQuote moves UNPAID->COMPLETED directly (no PAID
	// intermediate, §4.2), persisting paymentPreimage and sparkTransferId.
	CompleteSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64, paymentPreimage, sparkTransferID string) (SparkReceiveQuote, error)

	ExpireSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64) (SparkReceiveQuote, error)
	FailSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64, reason string) (SparkReceiveQuote, error)

	ListNonTerminalSparkReceiveQuotes(ctx context.Context) ([]SparkReceiveQuote, error)
}
