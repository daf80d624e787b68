// Package tokenswap implements the Token Swap Engine (§4.4): accepting a
// Cashu token a holder presents, swapping its proofs with the mint for
// freshly-issued proofs under the receiver's own deterministic secrets, and
// attaching them to the account. Grounded in shape on internal/receivequote
// (the same mint-quote/mint/restore lifecycle), trimmed to the three-state
// machine (PENDING, COMPLETED, FAILED) this variant actually has since no external Lightning leg is
// involved — the "payment" is the presented token itself.
package tokenswap

import (
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// State is the token swap's lifecycle state (§4.4: "Create: inserts
// PENDING... CompleteSwap... sets COMPLETED... Fail(reason) — terminal").
type State string

const (
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// CashuTokenSwap is a same-mint token redemption (§4.4). TokenHash =
// SHA-256(encoded-token) is its primary identity; a uniqueness constraint on
// it makes double-claiming the same token impossible (§4.4 "Key fact").
type CashuTokenSwap struct {
	ID              string
	UserID          string
	AccountID       string
	TransactionID   string
	TokenHash       string
	TokenProofsJSON string // the presented token's proofs, opaque to this package's storage layer
	InputAmount     money.Money
	Fee             money.Money
	KeysetID        string
	KeysetCounter   uint32
	OutputAmounts   []uint64
	State           State
	FailureReason   *string

	Version   int64
	CreatedAt time.Time
}

func (q CashuTokenSwap) RecordVersion() int64 { return q.Version }

// NetAmount is what the receiver is actually credited: InputAmount less the
// mint's swap fee.
func (q CashuTokenSwap) NetAmount() money.Money {
	return q.InputAmount.Sub(q.Fee)
}

func NewCashuTokenSwap(id, userID, accountID, transactionID, tokenHash, tokenProofsJSON, keysetID string, counterStart uint32, outputAmounts []uint64, inputAmount, fee money.Money) CashuTokenSwap {
	return CashuTokenSwap{
		ID: id, UserID: userID, AccountID: accountID, TransactionID: transactionID,
		TokenHash: tokenHash, TokenProofsJSON: tokenProofsJSON,
		InputAmount: inputAmount, Fee: fee,
		KeysetID: keysetID, KeysetCounter: counterStart, OutputAmounts: outputAmounts,
		State: StatePending,
	}
}
