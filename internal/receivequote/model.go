// Package receivequote implements the Receive Quote Engine (§4.2): the
// locked-quote lifecycle for both Cashu (mint-backed) and Spark
// (Lightning-service-backed) inbound payments, including the cross-mint
// CASHU_TOKEN bridge. Grounded in shape on internal/ledger's model/
// repository/engine split (this package is what internal/ledger's
// `SpendingSendQuoteID`-style back-reference fields were built to support),
// generalized to the Receive side's own five-state machine.
package receivequote

import (
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// ReceiveType distinguishes a plain Lightning-funded receive from a
// cross-mint bridge receive funded by melting a token from another mint.
// Per DESIGN.md Open Question 2, the cross-mint variant is named
// CASHU_TOKEN uniformly; no "TOKEN" alias exists anywhere in this package.
type ReceiveType string

const (
	ReceiveTypeLightning  ReceiveType = "LIGHTNING"
	ReceiveTypeCashuToken ReceiveType = "CASHU_TOKEN"
)

// State is the receive quote's lifecycle state (§4.2 state machine).
type State string

const (
	StateUnpaid    State = "UNPAID"
	StatePaid      State = "PAID"
	StateCompleted State = "COMPLETED"
	StateExpired   State = "EXPIRED"
	StateFailed    State = "FAILED"
)

// TokenReceiveData holds the cross-mint bridge fields, present iff
// Type == ReceiveTypeCashuToken (§9: "invalid combinations are made
// unrepresentable by constructor functions, not by the zero value alone").
type TokenReceiveData struct {
	SourceMintURL        string
	TokenProofsJSON       string // encoded TokenV3/V4 proofs the holder presented, opaque to this package
	MeltQuoteID          string
	MeltInitiated        bool
	CashuReceiveFee      money.Money
	LightningFeeReserve  money.Money
}

// CashuReceiveQuote is a locked mint-quote-backed receive (§3).
type CashuReceiveQuote struct {
	ID                    string
	UserID                string
	AccountID             string
	Type                  ReceiveType
	Amount                money.Money
	Description           *string
	ExpiresAt             time.Time
	PaymentRequest        string
	PaymentHash           string
	QuoteID               string // mint-side quote id
	LockingDerivationPath string
	MintingFee            *money.Money
	TransactionID         string
	State                 State
	KeysetID              *string
	KeysetCounter         *uint32
	OutputAmounts         []uint64
	FailureReason         *string
	TokenReceiveData      *TokenReceiveData

	Version   int64
	CreatedAt time.Time
}

func (q CashuReceiveQuote) RecordVersion() int64 { return q.Version }

// TotalFee implements DESIGN.md Open Question 1: mintingFee + cashuReceiveFee
// + lightningFeeReserve for a cross-mint receive, or just mintingFee for a
// plain same-mint Lightning receive. Always computed, never stored
// redundantly.
func (q CashuReceiveQuote) TotalFee() money.Money {
	total := money.Money{Currency: q.Amount.Currency, Unit: q.Amount.Unit}
	if q.MintingFee != nil {
		total = total.Add(*q.MintingFee)
	}
	if q.TokenReceiveData != nil {
		total = total.Add(q.TokenReceiveData.CashuReceiveFee)
		total = total.Add(q.TokenReceiveData.LightningFeeReserve)
	}
	return total
}

// NewCashuLightningQuote constructs a same-mint UNPAID receive quote,
// keeping TokenReceiveData unrepresentable for this variant.
func NewCashuLightningQuote(id, userID, accountID, transactionID string, amount money.Money, description *string, expiresAt time.Time, paymentRequest, paymentHash, quoteID, lockingPath string, mintingFee money.Money) CashuReceiveQuote {
	return CashuReceiveQuote{
		ID: id, UserID: userID, AccountID: accountID, Type: ReceiveTypeLightning,
		Amount: amount, Description: description, ExpiresAt: expiresAt,
		PaymentRequest: paymentRequest, PaymentHash: paymentHash, QuoteID: quoteID,
		LockingDerivationPath: lockingPath, MintingFee: &mintingFee, TransactionID: transactionID,
		State: StateUnpaid,
	}
}

// NewCashuTokenBridgeQuote constructs a cross-mint UNPAID receive quote.
func NewCashuTokenBridgeQuote(id, userID, accountID, transactionID string, amount money.Money, description *string, expiresAt time.Time, paymentRequest, paymentHash, quoteID, lockingPath string, mintingFee money.Money, bridge TokenReceiveData) CashuReceiveQuote {
	q := NewCashuLightningQuote(id, userID, accountID, transactionID, amount, description, expiresAt, paymentRequest, paymentHash, quoteID, lockingPath, mintingFee)
	q.Type = ReceiveTypeCashuToken
	q.TokenReceiveData = &bridge
	return q
}

// SparkReceiveQuote is a Spark-backed receive; it has no PAID intermediate
// (§4.2: "these complete the record directly without a PAID intermediate"),
// so its state set omits PAID in practice even though the State type is
// shared with CashuReceiveQuote for symmetry with the repository layer.
type SparkReceiveQuote struct {
	ID                     string
	UserID                 string
	AccountID              string
	Type                   ReceiveType
	Amount                 money.Money
	Description            *string
	ExpiresAt              time.Time
	SparkID                string
	ReceiverIdentityPubkey *string
	PaymentPreimage        *string
	SparkTransferID        *string
	TransactionID          string
	State                  State
	FailureReason          *string
	TokenReceiveData       *TokenReceiveData

	Version   int64
	CreatedAt time.Time
}

func (q SparkReceiveQuote) RecordVersion() int64 { return q.Version }

func (q SparkReceiveQuote) TotalFee() money.Money {
	total := money.Money{Currency: q.Amount.Currency, Unit: q.Amount.Unit}
	if q.TokenReceiveData != nil {
		total = total.Add(q.TokenReceiveData.CashuReceiveFee)
		total = total.Add(q.TokenReceiveData.LightningFeeReserve)
	}
	return total
}
