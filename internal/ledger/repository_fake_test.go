package ledger

import (
	"context"
	"sync"

	"github.com/agicash/walletcore/internal/domainerr"
)

// fakeRepository is an in-memory Repository used to unit-test Ledger
// without a database, mirroring the fake-repository-backed unit testing
// style named in SPEC_FULL.md's AMBIENT STACK/test-tooling section.
type fakeRepository struct {
	mu       sync.Mutex
	accounts map[string]Account
	proofs   map[string]CashuProof
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts: map[string]Account{},
		proofs:   map[string]CashuProof{},
	}
}

func (f *fakeRepository) CreateAccount(ctx context.Context, a Account) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Version = 1
	f.accounts[a.ID] = a
	return a, nil
}

func (f *fakeRepository) GetAccount(ctx context.Context, accountID string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return Account{}, domainerr.ErrRecordNotFound
	}
	return a, nil
}

func (f *fakeRepository) GetCashuAccountByMint(ctx context.Context, userID, mintURL string, currency string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.UserID == userID && a.Cashu != nil && a.Cashu.MintURL == mintURL && string(a.Currency) == currency {
			return a, nil
		}
	}
	return Account{}, domainerr.ErrRecordNotFound
}

func (f *fakeRepository) AdvanceKeysetCounter(ctx context.Context, accountID, keysetID string, count uint32, expectedVersion int64) (uint32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return 0, 0, domainerr.ErrRecordNotFound
	}
	if a.Version != expectedVersion {
		return 0, 0, domainerr.NewConcurrencyError(accountID, expectedVersion, a.Version)
	}
	if a.Cashu.KeysetCounters == nil {
		a.Cashu.KeysetCounters = map[string]uint32{}
	}
	first := a.Cashu.KeysetCounters[keysetID]
	a.Cashu.KeysetCounters[keysetID] = first + count
	a.Version++
	f.accounts[accountID] = a
	return first, a.Version, nil
}

func (f *fakeRepository) InsertProofs(ctx context.Context, proofs []CashuProof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		for _, existing := range f.proofs {
			if existing.PublicKeyY == p.PublicKeyY {
				return domainerr.ErrDuplicateProof
			}
		}
	}
	for _, p := range proofs {
		p.State = ProofUnspent
		p.Version = 1
		f.proofs[p.ID] = p
	}
	return nil
}

func (f *fakeRepository) GetUnspentProofs(ctx context.Context, accountID string) ([]CashuProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CashuProof
	for _, p := range f.proofs {
		if p.AccountID == accountID && p.State == ProofUnspent && p.SpendingSendSwapID == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepository) GetBalance(ctx context.Context, accountID string) (int64, error) {
	proofs, _ := f.GetUnspentProofs(ctx, accountID)
	var total int64
	for _, p := range proofs {
		total += p.Amount.Amount
	}
	return total, nil
}

func (f *fakeRepository) ReserveProofs(ctx context.Context, proofIDs []string, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range proofIDs {
		p, ok := f.proofs[id]
		if !ok || p.State != ProofUnspent {
			return domainerr.ErrInvalidState
		}
		p.State = ProofPendingSpend
		switch spendingKind {
		case "send_quote":
			p.SpendingSendQuoteID = &spendingID
		case "send_swap":
			p.SpendingSendSwapID = &spendingID
		}
		p.Version++
		f.proofs[id] = p
	}
	return nil
}

func (f *fakeRepository) ReleaseProofs(ctx context.Context, proofIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range proofIDs {
		p := f.proofs[id]
		p.State = ProofUnspent
		p.SpendingSendQuoteID = nil
		p.SpendingSendSwapID = nil
		p.Version++
		f.proofs[id] = p
	}
	return nil
}

func (f *fakeRepository) ConsumeProofs(ctx context.Context, proofIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range proofIDs {
		p := f.proofs[id]
		p.State = ProofSpent
		p.SpendingSendQuoteID = nil
		p.SpendingSendSwapID = nil
		p.Version++
		f.proofs[id] = p
	}
	return nil
}

func (f *fakeRepository) GetProofsBySpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]CashuProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CashuProof
	for _, p := range f.proofs {
		switch spendingKind {
		case "send_quote":
			if p.SpendingSendQuoteID != nil && *p.SpendingSendQuoteID == spendingID {
				out = append(out, p)
			}
		case "send_swap":
			if p.SpendingSendSwapID != nil && *p.SpendingSendSwapID == spendingID {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (f *fakeRepository) ConsumeTaggedProofs(ctx context.Context, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.proofs {
		if spendingKind == "send_swap" && p.SpendingSendSwapID != nil && *p.SpendingSendSwapID == spendingID {
			p.State = ProofSpent
			p.SpendingSendSwapID = nil
			f.proofs[id] = p
		}
	}
	return nil
}

var _ Repository = (*fakeRepository)(nil)
