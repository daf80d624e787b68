package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/receivequote"
	"github.com/agicash/walletcore/internal/sendswap"
	"github.com/agicash/walletcore/internal/tokenswap"
)

// fakeRepository is an in-memory Repository used to unit-test Projector
// without a database, mirroring internal/ledger's fakeRepository style.
type fakeRepository struct {
	bySource map[SourceKind]map[string]Transaction
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{bySource: map[SourceKind]map[string]Transaction{}}
}

func (f *fakeRepository) Upsert(_ context.Context, t Transaction) (Transaction, error) {
	if f.bySource[t.SourceKind] == nil {
		f.bySource[t.SourceKind] = map[string]Transaction{}
	}
	f.bySource[t.SourceKind][t.SourceID] = t
	return t, nil
}

func (f *fakeRepository) GetByID(_ context.Context, id string) (Transaction, error) {
	for _, bySourceID := range f.bySource {
		for _, t := range bySourceID {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return Transaction{}, ErrNotFound
}

func (f *fakeRepository) ListByAccount(_ context.Context, accountID string, _ int) ([]Transaction, error) {
	var out []Transaction
	for _, bySourceID := range f.bySource {
		for _, t := range bySourceID {
			if t.AccountID == accountID {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func TestProjector_ProjectCashuReceiveQuote(t *testing.T) {
	repo := newFakeRepository()
	p := NewProjector(repo)

	q := receivequote.NewCashuLightningQuote("rq-1", "user-1", "acct-1", "tx-1",
		money.Sats(1000), nil, time.Now().Add(time.Hour), "lnbc...", "hash-1", "quote-1", "m/0/0", money.Sats(2))
	q.State = receivequote.StatePaid

	require.NoError(t, p.ProjectCashuReceiveQuote(context.Background(), q))

	got, err := repo.GetByID(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, DirectionReceive, got.Direction)
	assert.Equal(t, SourceCashuReceiveQuote, got.SourceKind)
	assert.Equal(t, "rq-1", got.SourceID)
	assert.Equal(t, string(receivequote.StatePaid), got.State)
	assert.Equal(t, int64(1000), got.Amount.Amount)
}

func TestProjector_ProjectCashuTokenSwap(t *testing.T) {
	repo := newFakeRepository()
	p := NewProjector(repo)

	q := tokenswap.NewCashuTokenSwap("ts-1", "user-1", "acct-1", "tx-2", "hash", "[]", "keyset", 0, nil, money.Sats(500), money.Sats(1))
	q.State = tokenswap.StateCompleted

	require.NoError(t, p.ProjectCashuTokenSwap(context.Background(), q))

	got, err := repo.GetByID(context.Background(), "tx-2")
	require.NoError(t, err)
	assert.Equal(t, DirectionReceive, got.Direction)
	assert.Equal(t, SourceCashuTokenSwap, got.SourceKind)
	assert.Equal(t, int64(500), got.Amount.Amount)
	assert.Equal(t, int64(1), got.Fee.Amount)
}

func TestProjector_ProjectCashuSendSwap_UpsertOverwritesOnRetransition(t *testing.T) {
	repo := newFakeRepository()
	p := NewProjector(repo)

	q := sendswap.NewCashuSendSwap("ss-1", "user-1", "acct-1", "tx-3", money.Sats(200), money.Sats(200), "keyset")
	require.NoError(t, p.ProjectCashuSendSwap(context.Background(), q))

	q.State = sendswap.StatePending
	require.NoError(t, p.ProjectCashuSendSwap(context.Background(), q))

	got, err := repo.GetByID(context.Background(), "tx-3")
	require.NoError(t, err)
	assert.Equal(t, string(sendswap.StatePending), got.State)
	assert.Equal(t, SourceCashuSendSwap, got.SourceKind)
}
