package ledger

import "context"

// Repository is the storage-layer contract the Ledger composes. Every
// method is one transactional procedure (§4.1: "here: one pgx transaction
// per repository method"). Implementations must enforce the uniqueness
// invariants named in §3 (publicKeyY, (mintUrl,currency,userId)) and bump
// version by exactly one per mutating call.
type Repository interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetCashuAccountByMint(ctx context.Context, userID, mintURL string, currency string) (Account, error)

	// AdvanceKeysetCounter atomically reads keysetId's current counter,
	// reserves the next `count` indices, and persists the advanced value,
	// bumping the account's version. It returns the first index of the
	// reserved range.
	AdvanceKeysetCounter(ctx context.Context, accountID, keysetID string, count uint32, expectedVersion int64) (firstIndex uint32, newVersion int64, err error)

	// InsertProofs atomically inserts a batch of new UNSPENT proofs. Any
	// publicKeyY collision with an existing proof aborts the whole batch and
	// returns domainerr.ErrDuplicateProof.
	InsertProofs(ctx context.Context, proofs []CashuProof) error

	// GetUnspentProofs returns the UNSPENT proofs for accountID that are not
	// tagged to a send swap, in insertion order; SelectProofs applies the
	// amount ordering itself.
	GetUnspentProofs(ctx context.Context, accountID string) ([]CashuProof, error)

	// GetBalance returns sum(amount) over UNSPENT proofs for accountID.
	GetBalance(ctx context.Context, accountID string) (int64, error)

	// ReserveProofs transitions the named proofs UNSPENT->PENDING_SPEND and
	// tags them with the spending record reference. Fails with
	// domainerr.ErrInvalidState if any named proof is not UNSPENT.
	ReserveProofs(ctx context.Context, proofIDs []string, spendingKind, spendingID string) error

	// ReleaseProofs transitions the named proofs PENDING_SPEND->UNSPENT and
	// clears the spending-record tag, used on expire/fail.
	ReleaseProofs(ctx context.Context, proofIDs []string) error

	// ConsumeProofs transitions the named proofs PENDING_SPEND->SPENT,
	// terminal; never reversible (§3 invariant 3).
	ConsumeProofs(ctx context.Context, proofIDs []string) error

	// GetProofsBySpendingRecord returns every proof currently tagged with
	// the given spending record, used by reconciliation and by Release.
	GetProofsBySpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]CashuProof, error)

	// ConsumeTaggedProofs transitions every proof tagged with the given
	// spending record straight from UNSPENT to SPENT, terminal. Used by
	// internal/sendswap for its proofs-to-send (§4.5): they are inserted
	// UNSPENT-but-tagged rather than PENDING_SPEND, since they were never
	// reserved out of the account's own balance, so ConsumeProofs'
	// PENDING_SPEND->SPENT transition does not apply to them.
	ConsumeTaggedProofs(ctx context.Context, spendingKind, spendingID string) error
}
