// Package transaction implements the user-visible Transaction read
// projection (§3: "referenced by each quote/swap via transactionId;
// direction, type, state mirror or derive from the underlying record. It is
// a read projection and not a source of truth"). Grounded on the teacher's
// internal/database.TransactionRepository (Create/GetByID/ListByCardID/
// Update shape), generalized from one card's on-chain transaction log to an
// upsert-on-every-transition projection fed by all four payment-state
// engines.
package transaction

import (
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// Direction is which way value moves across the account boundary.
type Direction string

const (
	DirectionReceive Direction = "RECEIVE"
	DirectionSend    Direction = "SEND"
)

// SourceKind identifies which engine's record a Transaction was projected
// from; paired with SourceID it is the projection's natural key (the
// `(source_kind, source_id)` unique constraint on the transactions table).
type SourceKind string

const (
	SourceCashuReceiveQuote SourceKind = "CASHU_RECEIVE_QUOTE"
	SourceSparkReceiveQuote SourceKind = "SPARK_RECEIVE_QUOTE"
	SourceCashuSendQuote    SourceKind = "CASHU_SEND_QUOTE"
	SourceSparkSendQuote    SourceKind = "SPARK_SEND_QUOTE"
	SourceCashuTokenSwap    SourceKind = "CASHU_TOKEN_SWAP"
	SourceCashuSendSwap     SourceKind = "CASHU_SEND_SWAP"
)

// Transaction is the read-only aggregate a wallet UI lists; every field is
// derived from whichever engine record SourceKind/SourceID names, never
// independently mutated.
type Transaction struct {
	ID         string
	UserID     string
	AccountID  string
	Direction  Direction
	SourceKind SourceKind
	SourceID   string
	State      string
	Amount     money.Money
	Fee        money.Money

	CreatedAt time.Time
	UpdatedAt time.Time
}
