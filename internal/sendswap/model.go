// Package sendswap implements the Send Swap Engine (§4.5): producing a
// sendable same-mint Cashu token of an exact amount by splitting the
// sender's proofs into a {proofs-to-send, change} pair. Grounded in shape on
// internal/sendquote (reserve-then-settle lifecycle, overselected-proof
// swap) and internal/tokenswap (this package's Reverse calls back into it to
// reclaim an unclaimed send as a token redemption).
package sendswap

import (
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// State is the send swap's lifecycle state (§4.5: "Draft path... Exact
// path... Complete transitions PENDING->COMPLETED... Reverse reverses a
// PENDING swap").
type State string

const (
	StateDraft     State = "DRAFT"
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateReversed  State = "REVERSED"
)

// CashuSendSwap is a same-mint outbound token redemption in progress (§4.5).
// TokenHash identifies the proofs-to-send subset once it is known (at create
// time on the exact path, after the mint swap settles on the draft path) —
// the recipient's eventual internal/tokenswap.CashuTokenSwap record is
// matched back to this one by that same hash.
type CashuSendSwap struct {
	ID            string
	UserID        string
	AccountID     string
	TransactionID string
	Amount        money.Money // amount to send
	ReservedTotal money.Money // sum of the proofs reserved at create time
	KeysetID      string
	KeysetCounter uint32
	SendAmounts   []uint64 // exact send-subset outputs, populated on the draft path
	ChangeAmounts []uint64 // change outputs, populated on the draft path

	// ProofsToSendJSON and TokenHash together stand in for the wire-encoded
	// Cashu token handed to the recipient: ProofsToSendJSON is the proofs
	// array a real NUT-00 token would wrap, and TokenHash =
	// SHA-256(ProofsToSendJSON), mirroring tokenswap.TokenHash's convention
	// so the two packages agree on what "the same token" hashes to.
	ProofsToSendJSON string
	TokenHash        *string

	State         State
	FailureReason *string

	Version   int64
	CreatedAt time.Time
}

func (q CashuSendSwap) RecordVersion() int64 { return q.Version }

func NewCashuSendSwap(id, userID, accountID, transactionID string, amount, reservedTotal money.Money, keysetID string) CashuSendSwap {
	return CashuSendSwap{
		ID: id, UserID: userID, AccountID: accountID, TransactionID: transactionID,
		Amount: amount, ReservedTotal: reservedTotal, KeysetID: keysetID,
		State: StateDraft,
	}
}
