// Package ledger owns the per-account multiset of Cashu proofs: balance
// derivation, reservation for a pending spend, consumption, insertion of
// newly minted proofs, and keyset-counter allocation for deterministic
// secret derivation. Grounded on the teacher's internal/database package
// (Card/Transaction models, CardRepository CRUD shape) generalized from one
// flat balance integer per card to a durable set of individually tracked
// bearer proofs per account.
package ledger

import (
	"time"

	"github.com/agicash/walletcore/internal/money"
)

// AccountType distinguishes which external system backs an account's funds.
type AccountType string

const (
	AccountTypeCashu AccountType = "cashu"
	AccountTypeSpark AccountType = "spark"
)

// CashuAccountDetails holds the mint-specific fields of a Cashu account.
// KeysetCounters maps a keyset id to the next unused deterministic-secret
// index for that keyset (§4.1 "Keyset counter").
type CashuAccountDetails struct {
	MintURL        string
	IsTestMint     bool
	KeysetCounters map[string]uint32
}

// SparkAccountDetails holds the Spark-specific fields of a Spark account.
type SparkAccountDetails struct {
	Network        string
	IdentityPubkey string
}

// Account is a user's balance claim against one backing system (one mint,
// in one currency, or one Spark wallet). Invariant: (mintUrl, currency,
// userId) is unique for cashu accounts.
type Account struct {
	ID        string
	UserID    string
	Currency  money.Currency
	Type      AccountType
	Cashu     *CashuAccountDetails
	Spark     *SparkAccountDetails
	Version   int64
	CreatedAt time.Time
}

func (a Account) RecordVersion() int64 { return a.Version }

// CashuProofState is the lifecycle state of a single bearer proof.
type CashuProofState string

const (
	ProofUnspent      CashuProofState = "UNSPENT"
	ProofPendingSpend CashuProofState = "PENDING_SPEND"
	ProofSpent        CashuProofState = "SPENT"
)

// CashuProof is one bearer token held by an account. PublicKeyY is
// hash_to_curve(secret) — the mint's proof-state key, enforced unique here
// to prevent double-insertion of the same proof (§3 invariant 6).
type CashuProof struct {
	ID                  string
	AccountID           string
	UserID              string
	KeysetID            string
	Amount              money.Money
	Secret              string
	UnblindedSignature  string
	PublicKeyY          string
	DLEQ                string
	Witness             string
	State               CashuProofState
	ReservedAt          *time.Time
	SpendingSendQuoteID *string
	SpendingSendSwapID  *string
	Version             int64
	CreatedAt           time.Time
}

func (p CashuProof) RecordVersion() int64 { return p.Version }

// ReservedFor reports which non-terminal spending record currently holds
// this proof reserved, if any (§3 invariant 2: a proof is referenced by at
// most one non-terminal spending record).
func (p CashuProof) ReservedFor() (kind, id string, ok bool) {
	if p.SpendingSendQuoteID != nil {
		return "send_quote", *p.SpendingSendQuoteID, true
	}
	if p.SpendingSendSwapID != nil {
		return "send_swap", *p.SpendingSendSwapID, true
	}
	return "", "", false
}
