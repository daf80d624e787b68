package ledger

import (
	"errors"
	"sort"

	"github.com/agicash/walletcore/internal/money"
)

// ErrInsufficientProofs is returned by SelectProofs when no subset of the
// supplied proofs covers the target amount plus estimated fees.
var ErrInsufficientProofs = errors.New("ledger: insufficient unspent proofs for requested amount")

// InputFee computes the Cashu NUT-05 style input fee for spending n proofs
// from a keyset billing inputFeePpk parts-per-thousand per input, rounded up
// the way mints round fees (ceil to avoid underpaying by a sub-sat amount).
func InputFee(inputFeePpk uint, numInputs int) int64 {
	if inputFeePpk == 0 || numInputs == 0 {
		return 0
	}
	total := int64(inputFeePpk) * int64(numInputs)
	return (total + 999) / 1000
}

// SelectProofs greedily selects unspent proofs whose sum covers target plus
// the input fee their own count incurs. Proofs are tried largest-amount
// first so fewer, bigger proofs are preferred over many small ones; ties
// keep the caller's original ordering (insertion order), mirroring the
// teacher's selectCoins progressive-accumulation shape
// (internal/wallet/btc.go) generalized from a single fixed two-output fee
// estimate to Cashu's per-input-count fee.
func SelectProofs(proofs []CashuProof, target money.Money, inputFeePpk uint) ([]CashuProof, money.Money, error) {
	ordered := make([]CashuProof, len(proofs))
	copy(ordered, proofs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Amount.Amount > ordered[j].Amount.Amount
	})

	var selected []CashuProof
	var total int64
	for _, p := range ordered {
		selected = append(selected, p)
		total += p.Amount.Amount

		needed := target.Amount + InputFee(inputFeePpk, len(selected))
		if total >= needed {
			return selected, money.New(total, target.Currency, target.Unit), nil
		}
	}

	return nil, money.Money{}, ErrInsufficientProofs
}
