package transaction

import (
	"context"
	"fmt"

	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/receivequote"
	"github.com/agicash/walletcore/internal/sendquote"
	"github.com/agicash/walletcore/internal/sendswap"
	"github.com/agicash/walletcore/internal/tokenswap"
)

// Projector keeps the Transaction read projection current. Callers invoke
// the Project* method matching whatever engine record they just
// transitioned; internal/processor's drivers call these right after a
// successful Advance so the projection never lags the source record by more
// than one poll (§3: "a read projection and not a source of truth" — it is
// rebuilt from the source, never the other way around).
type Projector struct {
	repo Repository
}

func NewProjector(repo Repository) *Projector {
	return &Projector{repo: repo}
}

func (p *Projector) ProjectCashuReceiveQuote(ctx context.Context, q receivequote.CashuReceiveQuote) error {
	_, err := p.repo.Upsert(ctx, Transaction{
		ID: q.TransactionID, UserID: q.UserID, AccountID: q.AccountID,
		Direction: DirectionReceive, SourceKind: SourceCashuReceiveQuote, SourceID: q.ID,
		State: string(q.State), Amount: q.Amount, Fee: q.TotalFee(),
	})
	return p.wrap(err, SourceCashuReceiveQuote, q.ID)
}

func (p *Projector) ProjectSparkReceiveQuote(ctx context.Context, q receivequote.SparkReceiveQuote) error {
	_, err := p.repo.Upsert(ctx, Transaction{
		ID: q.TransactionID, UserID: q.UserID, AccountID: q.AccountID,
		Direction: DirectionReceive, SourceKind: SourceSparkReceiveQuote, SourceID: q.ID,
		State: string(q.State), Amount: q.Amount, Fee: q.TotalFee(),
	})
	return p.wrap(err, SourceSparkReceiveQuote, q.ID)
}

func (p *Projector) ProjectCashuSendQuote(ctx context.Context, q sendquote.CashuSendQuote) error {
	fee := q.EstimatedFee
	if q.Fee != nil {
		fee = *q.Fee
	}
	_, err := p.repo.Upsert(ctx, Transaction{
		ID: q.TransactionID, UserID: q.UserID, AccountID: q.AccountID,
		Direction: DirectionSend, SourceKind: SourceCashuSendQuote, SourceID: q.ID,
		State: string(q.State), Amount: q.Amount, Fee: fee,
	})
	return p.wrap(err, SourceCashuSendQuote, q.ID)
}

func (p *Projector) ProjectSparkSendQuote(ctx context.Context, q sendquote.SparkSendQuote) error {
	fee := q.EstimatedFee
	if q.Fee != nil {
		fee = *q.Fee
	}
	_, err := p.repo.Upsert(ctx, Transaction{
		ID: q.TransactionID, UserID: q.UserID, AccountID: q.AccountID,
		Direction: DirectionSend, SourceKind: SourceSparkSendQuote, SourceID: q.ID,
		State: string(q.State), Amount: q.Amount, Fee: fee,
	})
	return p.wrap(err, SourceSparkSendQuote, q.ID)
}

func (p *Projector) ProjectCashuTokenSwap(ctx context.Context, q tokenswap.CashuTokenSwap) error {
	_, err := p.repo.Upsert(ctx, Transaction{
		ID: q.TransactionID, UserID: q.UserID, AccountID: q.AccountID,
		Direction: DirectionReceive, SourceKind: SourceCashuTokenSwap, SourceID: q.ID,
		State: string(q.State), Amount: q.InputAmount, Fee: q.Fee,
	})
	return p.wrap(err, SourceCashuTokenSwap, q.ID)
}

func (p *Projector) ProjectCashuSendSwap(ctx context.Context, q sendswap.CashuSendSwap) error {
	_, err := p.repo.Upsert(ctx, Transaction{
		ID: q.TransactionID, UserID: q.UserID, AccountID: q.AccountID,
		Direction: DirectionSend, SourceKind: SourceCashuSendSwap, SourceID: q.ID,
		State: string(q.State), Amount: q.Amount, Fee: money.Money{Currency: q.Amount.Currency, Unit: q.Amount.Unit},
	})
	return p.wrap(err, SourceCashuSendSwap, q.ID)
}

func (p *Projector) wrap(err error, kind SourceKind, sourceID string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("transaction: project %s %s: %w", kind, sourceID, err)
}
