package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agicash/walletcore/internal/money"
)

func proof(id string, amount int64) CashuProof {
	return CashuProof{ID: id, Amount: money.Sats(amount), State: ProofUnspent}
}

func TestSelectProofsPrefersLargerProofs(t *testing.T) {
	proofs := []CashuProof{proof("a", 1), proof("b", 64), proof("c", 8)}

	selected, total, err := SelectProofs(proofs, money.Sats(64), 0)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "b", selected[0].ID)
	assert.Equal(t, int64(64), total.Amount)
}

func TestSelectProofsAccumulatesWhenNoSingleProofCovers(t *testing.T) {
	proofs := []CashuProof{proof("a", 32), proof("b", 16), proof("c", 8)}

	selected, total, err := SelectProofs(proofs, money.Sats(40), 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total.Amount, int64(40))
	ids := make([]string, len(selected))
	for i, p := range selected {
		ids[i] = p.ID
	}
	assert.Contains(t, ids, "a")
}

func TestSelectProofsAccountsForInputFee(t *testing.T) {
	proofs := []CashuProof{proof("a", 10), proof("b", 10), proof("c", 10)}

	// 100 ppk per input: 3 inputs = ceil(300/1000) = 1 sat fee.
	selected, total, err := SelectProofs(proofs, money.Sats(29), 100)
	require.NoError(t, err)
	require.Len(t, selected, 3)
	assert.Equal(t, int64(30), total.Amount)
}

func TestSelectProofsInsufficientReturnsError(t *testing.T) {
	proofs := []CashuProof{proof("a", 5)}

	_, _, err := SelectProofs(proofs, money.Sats(100), 0)
	assert.ErrorIs(t, err, ErrInsufficientProofs)
}

func TestInputFeeRoundsUp(t *testing.T) {
	assert.Equal(t, int64(0), InputFee(0, 5))
	assert.Equal(t, int64(1), InputFee(100, 3))
	assert.Equal(t, int64(2), InputFee(500, 3))
}
