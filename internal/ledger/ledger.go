package ledger

import (
	"context"
	"fmt"

	"github.com/agicash/walletcore/internal/concurrency"
	"github.com/agicash/walletcore/internal/money"
)

// Ledger is the composable service other engines call into. It wraps
// Repository with the bounded-retry policy required for optimistic
// concurrency (§5) so callers never hand-roll their own retry loop.
type Ledger struct {
	repo Repository
}

func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return l.repo.GetAccount(ctx, accountID)
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	return l.repo.GetBalance(ctx, accountID)
}

// AllocateKeysetRange reserves `count` deterministic-secret indices for
// keysetID on accountID, retrying the optimistic-concurrency race per §5.
func (l *Ledger) AllocateKeysetRange(ctx context.Context, accountID, keysetID string, count uint32) (firstIndex uint32, err error) {
	err = concurrency.Retry(ctx, concurrency.DefaultPolicy, func(attempt int) error {
		account, getErr := l.repo.GetAccount(ctx, accountID)
		if getErr != nil {
			return getErr
		}
		idx, _, advErr := l.repo.AdvanceKeysetCounter(ctx, accountID, keysetID, count, account.Version)
		if advErr != nil {
			return advErr
		}
		firstIndex = idx
		return nil
	})
	return firstIndex, err
}

// InsertProofs records newly minted/swapped proofs as UNSPENT.
func (l *Ledger) InsertProofs(ctx context.Context, proofs []CashuProof) error {
	return l.repo.InsertProofs(ctx, proofs)
}

// Reserve selects UNSPENT proofs covering amount (plus inputFeePpk's fee)
// and transitions them to PENDING_SPEND tagged with the spending record.
// Returns the selected proofs and their total so the caller can compute
// change.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount money.Money, inputFeePpk uint, spendingKind, spendingID string) ([]CashuProof, money.Money, error) {
	proofs, err := l.repo.GetUnspentProofs(ctx, accountID)
	if err != nil {
		return nil, money.Money{}, err
	}

	selected, total, err := SelectProofs(proofs, amount, inputFeePpk)
	if err != nil {
		return nil, money.Money{}, err
	}

	ids := make([]string, len(selected))
	for i, p := range selected {
		ids[i] = p.ID
	}
	if err := l.repo.ReserveProofs(ctx, ids, spendingKind, spendingID); err != nil {
		return nil, money.Money{}, fmt.Errorf("ledger: reserve proofs: %w", err)
	}
	return selected, total, nil
}

// Release moves every proof reserved by a spending record back to UNSPENT,
// used on expire/fail per §3 invariant 3.
func (l *Ledger) Release(ctx context.Context, spendingKind, spendingID string) error {
	proofs, err := l.repo.GetProofsBySpendingRecord(ctx, spendingKind, spendingID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return nil
	}
	ids := make([]string, len(proofs))
	for i, p := range proofs {
		ids[i] = p.ID
	}
	return l.repo.ReleaseProofs(ctx, ids)
}

// ProofsForSpendingRecord returns the proofs currently reserved by a
// spending record, used by sendquote/sendswap when a pre-settlement
// operation (a melt, a pre-melt swap) needs the exact wire-form proofs it
// reserved at create time.
func (l *Ledger) ProofsForSpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]CashuProof, error) {
	return l.repo.GetProofsBySpendingRecord(ctx, spendingKind, spendingID)
}

// Consume moves every proof reserved by a spending record to SPENT,
// terminal and irreversible.
func (l *Ledger) Consume(ctx context.Context, spendingKind, spendingID string) error {
	proofs, err := l.repo.GetProofsBySpendingRecord(ctx, spendingKind, spendingID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return nil
	}
	ids := make([]string, len(proofs))
	for i, p := range proofs {
		ids[i] = p.ID
	}
	return l.repo.ConsumeProofs(ctx, ids)
}

// ConsumeTagged moves every UNSPENT-but-tagged proof for a spending record
// straight to SPENT, used by internal/sendswap when its proofs-to-send are
// claimed by the recipient or reclaimed via a refund token swap (§4.5).
func (l *Ledger) ConsumeTagged(ctx context.Context, spendingKind, spendingID string) error {
	return l.repo.ConsumeTaggedProofs(ctx, spendingKind, spendingID)
}
