package receivequote

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/sparkclient"
)

// SparkEngine implements the Receive Quote Engine's Spark side (§4.2): a
// Lightning invoice issued directly by the Spark service, completing
// straight to COMPLETED with no PAID intermediate since Spark's transfer
// settlement is already final by the time GetLightningReceiveRequest
// reports it. Grounded on CashuEngine's shape, trimmed to the two-state
// transition this variant actually has.
type SparkEngine struct {
	repo  SparkRepository
	spark SparkClient
}

func NewSparkEngine(repo SparkRepository, spark SparkClient) *SparkEngine {
	return &SparkEngine{repo: repo, spark: spark}
}

// CreateReceiveQuote asks the Spark service for a Lightning invoice and
// persists the resulting UNPAID record in one call, since Spark invoice
// creation (unlike a mint quote) carries no separate locking step to name
// a distinct GetLightningQuote operation around.
func (e *SparkEngine) CreateReceiveQuote(ctx context.Context, userID, accountID, transactionID string, amount money.Money, description *string, receiverIdentityPubkey *string) (SparkReceiveQuote, error) {
	memo := ""
	if description != nil {
		memo = *description
	}
	req := sparkclient.CreateLightningInvoiceRequest{AmountSats: amount.Amount, Memo: memo}
	if receiverIdentityPubkey != nil {
		req.ReceiverIdentityPubkey = *receiverIdentityPubkey
	}

	resp, err := e.spark.CreateLightningInvoice(ctx, req)
	if err != nil {
		return SparkReceiveQuote{}, fmt.Errorf("receivequote: create lightning invoice: %w", err)
	}

	record := SparkReceiveQuote{
		ID:                     uuid.New().String(),
		UserID:                 userID,
		AccountID:              accountID,
		Type:                   ReceiveTypeLightning,
		Amount:                 amount,
		Description:            description,
		ExpiresAt:              time.Unix(resp.ExpiresAt, 0).UTC(),
		SparkID:                resp.ID,
		ReceiverIdentityPubkey: receiverIdentityPubkey,
		TransactionID:          transactionID,
		State:                  StateUnpaid,
	}
	return e.repo.CreateSparkReceiveQuote(ctx, record)
}

// ProcessPayment polls the Spark service and, if the transfer has
// completed, transitions the record directly to COMPLETED, persisting the
// payment preimage and Spark transfer id (§4.2: "these complete the record
// directly without a PAID intermediate"). Returns the record unchanged if
// still unpaid.
func (e *SparkEngine) ProcessPayment(ctx context.Context, q SparkReceiveQuote) (SparkReceiveQuote, error) {
	if q.State != StateUnpaid {
		return q, nil
	}

	status, err := e.spark.GetLightningReceiveRequest(ctx, q.SparkID)
	if err != nil {
		return SparkReceiveQuote{}, fmt.Errorf("receivequote: get lightning receive request: %w", err)
	}

	switch status.Status {
	case sparkclient.ReceiveTransferCompleted:
		return e.repo.CompleteSparkReceiveQuote(ctx, q.ID, q.Version, status.PaymentPreimage, status.SparkTransferID)
	case sparkclient.ReceiveTransferFailed:
		return e.repo.FailSparkReceiveQuote(ctx, q.ID, q.Version, "spark transfer failed")
	case sparkclient.ReceiveExpired:
		return e.repo.ExpireSparkReceiveQuote(ctx, q.ID, q.Version)
	default:
		return q, nil
	}
}

// Expire transitions an UNPAID quote to EXPIRED once past its expiry with
// no invoice payment observed.
func (e *SparkEngine) Expire(ctx context.Context, id string, expectedVersion int64) (SparkReceiveQuote, error) {
	return e.repo.ExpireSparkReceiveQuote(ctx, id, expectedVersion)
}

func (e *SparkEngine) Fail(ctx context.Context, id string, expectedVersion int64, reason string) (SparkReceiveQuote, error) {
	return e.repo.FailSparkReceiveQuote(ctx, id, expectedVersion, reason)
}
