// Package sendquote implements the Send Quote Engine (§4.3): the
// reserve-proofs-then-pay lifecycle for an outbound Cashu or Spark Lightning
// payment. Grounded in shape on internal/receivequote's model/repository/
// engine split, mirrored for the opposite direction (spend instead of
// receive) and its extra PENDING state for the ambiguous-external-outcome
// window described in §7.
package sendquote

import (
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// State is the send quote's lifecycle state (§4.3: "UNPAID -> PENDING ->
// COMPLETED | FAILED; UNPAID -> EXPIRED").
type State string

const (
	StateUnpaid    State = "UNPAID"
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateExpired   State = "EXPIRED"
	StateFailed    State = "FAILED"
)

// CashuSendQuote is a locked outbound melt-quote-backed send (§4.3).
type CashuSendQuote struct {
	ID             string
	UserID         string
	AccountID      string
	Amount         money.Money
	EstimatedFee   money.Money
	ReservedTotal  money.Money // sum of the proofs reserved at create time
	Fee            *money.Money
	PaymentRequest string
	PaymentHash    string
	MeltQuoteID    *string
	KeysetID       *string
	KeysetCounter  *uint32
	SendAmounts    []uint64 // exact-amount outputs melted to the mint
	ChangeAmounts  []uint64 // change outputs returned to the account
	// SendProofsJSON holds the post-swap exact-amount proofs to present as
	// melt Inputs, populated only when a pre-melt swap ran (ReservedTotal
	// exceeded Amount+actual fee). Opaque to this package's storage layer,
	// mirroring receivequote.TokenReceiveData.TokenProofsJSON.
	SendProofsJSON string
	PaymentPreimage *string
	TransactionID  string
	State          State
	FailureReason  *string
	// AmbiguousOutcome marks a FAILED record that reached external PENDING
	// before the failure; reserved inputs are deliberately left
	// PENDING_SPEND (not released) until an operator resolves it (§7).
	AmbiguousOutcome bool

	Version   int64
	CreatedAt time.Time
}

func (q CashuSendQuote) RecordVersion() int64 { return q.Version }

// SparkSendQuote is a Spark-backed outbound Lightning payment (§4.3 Spark
// parallel).
type SparkSendQuote struct {
	ID               string
	UserID           string
	AccountID        string
	Amount           money.Money
	EstimatedFee     money.Money
	Fee              *money.Money
	PaymentRequest   string
	PaymentHash      string
	SparkTransferID  *string
	PaymentPreimage  *string
	TransactionID    string
	State            State
	FailureReason    *string
	AmbiguousOutcome bool

	Version   int64
	CreatedAt time.Time
}

func (q SparkSendQuote) RecordVersion() int64 { return q.Version }

func NewCashuSendQuote(id, userID, accountID, transactionID string, amount, estimatedFee, reservedTotal money.Money, paymentRequest, paymentHash string) CashuSendQuote {
	return CashuSendQuote{
		ID: id, UserID: userID, AccountID: accountID, TransactionID: transactionID,
		Amount: amount, EstimatedFee: estimatedFee, ReservedTotal: reservedTotal,
		PaymentRequest: paymentRequest, PaymentHash: paymentHash,
		State: StateUnpaid,
	}
}

func NewSparkSendQuote(id, userID, accountID, transactionID string, amount, estimatedFee money.Money, paymentRequest, paymentHash string) SparkSendQuote {
	return SparkSendQuote{
		ID: id, UserID: userID, AccountID: accountID, TransactionID: transactionID,
		Amount: amount, EstimatedFee: estimatedFee,
		PaymentRequest: paymentRequest, PaymentHash: paymentHash,
		State: StateUnpaid,
	}
}
