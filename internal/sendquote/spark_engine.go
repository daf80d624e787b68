package sendquote

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/sparkclient"
)

// SparkEngine implements the Send Quote Engine's Spark side (§4.3 Spark
// parallel): Spark's PayInvoice call is itself synchronous and
// idempotency-free, so MarkAsPending and the eventual settlement collapse
// into one round trip rather than a separately polled PENDING window.
type SparkEngine struct {
	repo  SparkRepository
	spark SparkClient
}

func NewSparkEngine(repo SparkRepository, spark SparkClient) *SparkEngine {
	return &SparkEngine{repo: repo, spark: spark}
}

func (e *SparkEngine) Create(ctx context.Context, userID, accountID, transactionID string, amount, estimatedFee money.Money, paymentRequest, paymentHash string) (SparkSendQuote, error) {
	record := NewSparkSendQuote(uuid.New().String(), userID, accountID, transactionID, amount, estimatedFee, paymentRequest, paymentHash)
	return e.repo.CreateSparkSendQuote(ctx, record)
}

// MarkAsPending pays the invoice via the Spark service and, since the RPC
// response already carries the settled preimage, immediately drives the
// record on to COMPLETED.
func (e *SparkEngine) MarkAsPending(ctx context.Context, q SparkSendQuote) (SparkSendQuote, error) {
	if q.State != StateUnpaid {
		return SparkSendQuote{}, fmt.Errorf("sendquote: quote %s is %s", q.ID, q.State)
	}

	resp, err := e.spark.PayInvoice(ctx, sparkclient.PayInvoiceRequest{
		PaymentRequest: q.PaymentRequest,
		MaxFeeSats:     q.EstimatedFee.Amount,
	})
	if err != nil {
		return e.Fail(ctx, q, fmt.Sprintf("pay invoice: %v", err), false)
	}

	pending, err := e.repo.MarkSparkSendQuoteAsPending(ctx, q.ID, q.Version, resp.SparkTransferID)
	if err != nil {
		return SparkSendQuote{}, err
	}

	fee := money.New(resp.FeeSats, q.Amount.Currency, q.Amount.Unit)
	return e.repo.CompleteSparkSendQuote(ctx, pending.ID, pending.Version, fee, resp.PaymentPreimage)
}

func (e *SparkEngine) Expire(ctx context.Context, id string, expectedVersion int64) (SparkSendQuote, error) {
	return e.repo.ExpireSparkSendQuote(ctx, id, expectedVersion)
}

func (e *SparkEngine) Fail(ctx context.Context, q SparkSendQuote, reason string, ambiguousOutcome bool) (SparkSendQuote, error) {
	return e.repo.FailSparkSendQuote(ctx, q.ID, q.Version, reason, ambiguousOutcome)
}
