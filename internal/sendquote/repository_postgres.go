package sendquote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agicash/walletcore/internal/codec"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/money"
)

type CodecKeyProvider interface {
	PublicKey(ctx context.Context, userID string) ([codec.PublicKeySize]byte, error)
	PrivateKey(ctx context.Context, userID string) ([codec.PrivateKeySize]byte, error)
}

// PostgresRepository is the pgx-backed CashuRepository/SparkRepository
// implementation, following internal/receivequote.PostgresRepository's
// clear-columns-plus-encrypted-envelope split.
type PostgresRepository struct {
	pool *pgxpool.Pool
	keys CodecKeyProvider
}

func NewPostgresRepository(pool *pgxpool.Pool, keys CodecKeyProvider) *PostgresRepository {
	return &PostgresRepository{pool: pool, keys: keys}
}

type cashuSendEnvelope struct {
	Amount           money.Money  `json:"amount"`
	EstimatedFee     money.Money  `json:"estimatedFee"`
	ReservedTotal    money.Money  `json:"reservedTotal"`
	Fee              *money.Money `json:"fee,omitempty"`
	PaymentRequest   string       `json:"paymentRequest"`
	KeysetID         *string      `json:"keysetId,omitempty"`
	KeysetCounter    *uint32      `json:"keysetCounter,omitempty"`
	SendAmounts      []uint64     `json:"sendAmounts,omitempty"`
	ChangeAmounts    []uint64     `json:"changeAmounts,omitempty"`
	SendProofsJSON   string       `json:"sendProofsJson,omitempty"`
	PaymentPreimage  *string      `json:"paymentPreimage,omitempty"`
	TransactionID    string       `json:"transactionId"`
	FailureReason    *string      `json:"failureReason,omitempty"`
	AmbiguousOutcome bool         `json:"ambiguousOutcome,omitempty"`
}

func (e cashuSendEnvelope) Validate() error {
	if e.PaymentRequest == "" {
		return fmt.Errorf("sendquote: payment request is required")
	}
	if e.TransactionID == "" {
		return fmt.Errorf("sendquote: transaction id is required")
	}
	return nil
}

func envelopeFromCashu(q CashuSendQuote) cashuSendEnvelope {
	return cashuSendEnvelope{
		Amount: q.Amount, EstimatedFee: q.EstimatedFee, ReservedTotal: q.ReservedTotal, Fee: q.Fee,
		PaymentRequest: q.PaymentRequest, KeysetID: q.KeysetID, KeysetCounter: q.KeysetCounter,
		SendAmounts: q.SendAmounts, ChangeAmounts: q.ChangeAmounts, SendProofsJSON: q.SendProofsJSON,
		PaymentPreimage: q.PaymentPreimage, TransactionID: q.TransactionID,
		FailureReason: q.FailureReason, AmbiguousOutcome: q.AmbiguousOutcome,
	}
}

func applyCashuEnvelope(q *CashuSendQuote, e cashuSendEnvelope) {
	q.Amount, q.EstimatedFee, q.ReservedTotal, q.Fee = e.Amount, e.EstimatedFee, e.ReservedTotal, e.Fee
	q.PaymentRequest, q.KeysetID, q.KeysetCounter = e.PaymentRequest, e.KeysetID, e.KeysetCounter
	q.SendAmounts, q.ChangeAmounts, q.SendProofsJSON = e.SendAmounts, e.ChangeAmounts, e.SendProofsJSON
	q.PaymentPreimage, q.TransactionID = e.PaymentPreimage, e.TransactionID
	q.FailureReason, q.AmbiguousOutcome = e.FailureReason, e.AmbiguousOutcome
}

func (r *PostgresRepository) encryptCashu(ctx context.Context, userID string, e cashuSendEnvelope) (string, error) {
	pub, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("sendquote: resolve user key: %w", err)
	}
	return codec.Encrypt(e, pub)
}

func (r *PostgresRepository) decryptCashu(ctx context.Context, userID, blob string) (cashuSendEnvelope, error) {
	var e cashuSendEnvelope
	priv, err := r.keys.PrivateKey(ctx, userID)
	if err != nil {
		return e, fmt.Errorf("sendquote: resolve user key: %w", err)
	}
	err = codec.Decrypt(blob, priv, &e)
	return e, err
}

func (r *PostgresRepository) CreateCashuSendQuote(ctx context.Context, q CashuSendQuote) (CashuSendQuote, error) {
	blob, err := r.encryptCashu(ctx, q.UserID, envelopeFromCashu(q))
	if err != nil {
		return CashuSendQuote{}, err
	}
	const query = `INSERT INTO cashu_send_quotes (id, user_id, account_id, payment_hash, melt_quote_id, state, encrypted_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now()) RETURNING version, created_at`
	err = r.pool.QueryRow(ctx, query, q.ID, q.UserID, q.AccountID, q.PaymentHash, q.MeltQuoteID, string(q.State), blob).Scan(&q.Version, &q.CreatedAt)
	if err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: create cashu send quote: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) GetCashuSendQuote(ctx context.Context, id string) (CashuSendQuote, error) {
	const query = `SELECT id, user_id, account_id, payment_hash, melt_quote_id, state, encrypted_data, version, created_at
		FROM cashu_send_quotes WHERE id = $1`
	return r.scanCashu(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) scanCashu(ctx context.Context, row pgx.Row) (CashuSendQuote, error) {
	var q CashuSendQuote
	var state, blob string
	if err := row.Scan(&q.ID, &q.UserID, &q.AccountID, &q.PaymentHash, &q.MeltQuoteID, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CashuSendQuote{}, domainerr.ErrRecordNotFound
		}
		return CashuSendQuote{}, fmt.Errorf("sendquote: scan cashu send quote: %w", err)
	}
	q.State = State(state)
	env, err := r.decryptCashu(ctx, q.UserID, blob)
	if err != nil {
		return CashuSendQuote{}, err
	}
	applyCashuEnvelope(&q, env)
	return q, nil
}

func (r *PostgresRepository) lockCashu(ctx context.Context, id string, expectedVersion int64) (CashuSendQuote, error) {
	q, err := r.GetCashuSendQuote(ctx, id)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if q.Version != expectedVersion {
		return CashuSendQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (r *PostgresRepository) persistCashu(ctx context.Context, q CashuSendQuote) (int64, error) {
	blob, err := r.encryptCashu(ctx, q.UserID, envelopeFromCashu(q))
	if err != nil {
		return 0, err
	}
	const query = `UPDATE cashu_send_quotes SET state = $1, melt_quote_id = $2, encrypted_data = $3, version = version + 1
		WHERE id = $4 AND version = $5 RETURNING version`
	var newVersion int64
	err = r.pool.QueryRow(ctx, query, string(q.State), q.MeltQuoteID, blob, q.ID, q.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerr.ErrConcurrency
		}
		return 0, fmt.Errorf("sendquote: persist cashu send quote: %w", err)
	}
	return newVersion, nil
}

func (r *PostgresRepository) MarkCashuSendQuoteAsPending(ctx context.Context, id string, expectedVersion int64, meltQuoteID, keysetID string, counterStart uint32, sendAmounts, changeAmounts []uint64, sendProofsJSON string) (CashuSendQuote, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if q.State != StateUnpaid {
		return CashuSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StatePending
	q.MeltQuoteID = &meltQuoteID
	q.KeysetID = &keysetID
	q.KeysetCounter = &counterStart
	q.SendAmounts, q.ChangeAmounts, q.SendProofsJSON = sendAmounts, changeAmounts, sendProofsJSON
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) CompleteCashuSendQuote(ctx context.Context, id string, expectedVersion int64, fee money.Money, paymentPreimage string) (CashuSendQuote, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if q.State != StatePending {
		return CashuSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateCompleted
	q.Fee = &fee
	q.PaymentPreimage = &paymentPreimage
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ExpireCashuSendQuote(ctx context.Context, id string, expectedVersion int64) (CashuSendQuote, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if q.State != StateUnpaid {
		return CashuSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateExpired
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) FailCashuSendQuote(ctx context.Context, id string, expectedVersion int64, reason string, ambiguousOutcome bool) (CashuSendQuote, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if q.State != StateUnpaid && q.State != StatePending {
		return CashuSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.AmbiguousOutcome = ambiguousOutcome
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ListNonTerminalCashuSendQuotes(ctx context.Context) ([]CashuSendQuote, error) {
	const query = `SELECT id, user_id, account_id, payment_hash, melt_quote_id, state, encrypted_data, version, created_at
		FROM cashu_send_quotes WHERE state IN ('UNPAID', 'PENDING') ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sendquote: list non-terminal cashu send quotes: %w", err)
	}
	defer rows.Close()
	var out []CashuSendQuote
	for rows.Next() {
		var q CashuSendQuote
		var state, blob string
		if err := rows.Scan(&q.ID, &q.UserID, &q.AccountID, &q.PaymentHash, &q.MeltQuoteID, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("sendquote: scan cashu send quote: %w", err)
		}
		q.State = State(state)
		env, err := r.decryptCashu(ctx, q.UserID, blob)
		if err != nil {
			return nil, err
		}
		applyCashuEnvelope(&q, env)
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Spark send quotes ---

type sparkSendEnvelope struct {
	Amount           money.Money  `json:"amount"`
	EstimatedFee     money.Money  `json:"estimatedFee"`
	Fee              *money.Money `json:"fee,omitempty"`
	PaymentRequest   string       `json:"paymentRequest"`
	PaymentPreimage  *string      `json:"paymentPreimage,omitempty"`
	TransactionID    string       `json:"transactionId"`
	FailureReason    *string      `json:"failureReason,omitempty"`
	AmbiguousOutcome bool         `json:"ambiguousOutcome,omitempty"`
}

func (e sparkSendEnvelope) Validate() error {
	if e.TransactionID == "" {
		return fmt.Errorf("sendquote: transaction id is required")
	}
	return nil
}

func envelopeFromSpark(q SparkSendQuote) sparkSendEnvelope {
	return sparkSendEnvelope{
		Amount: q.Amount, EstimatedFee: q.EstimatedFee, Fee: q.Fee, PaymentRequest: q.PaymentRequest,
		PaymentPreimage: q.PaymentPreimage, TransactionID: q.TransactionID,
		FailureReason: q.FailureReason, AmbiguousOutcome: q.AmbiguousOutcome,
	}
}

func applySparkEnvelope(q *SparkSendQuote, e sparkSendEnvelope) {
	q.Amount, q.EstimatedFee, q.Fee, q.PaymentRequest = e.Amount, e.EstimatedFee, e.Fee, e.PaymentRequest
	q.PaymentPreimage, q.TransactionID = e.PaymentPreimage, e.TransactionID
	q.FailureReason, q.AmbiguousOutcome = e.FailureReason, e.AmbiguousOutcome
}

func (r *PostgresRepository) encryptSpark(ctx context.Context, userID string, e sparkSendEnvelope) (string, error) {
	pub, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("sendquote: resolve user key: %w", err)
	}
	return codec.Encrypt(e, pub)
}

func (r *PostgresRepository) decryptSpark(ctx context.Context, userID, blob string) (sparkSendEnvelope, error) {
	var e sparkSendEnvelope
	priv, err := r.keys.PrivateKey(ctx, userID)
	if err != nil {
		return e, fmt.Errorf("sendquote: resolve user key: %w", err)
	}
	err = codec.Decrypt(blob, priv, &e)
	return e, err
}

func (r *PostgresRepository) CreateSparkSendQuote(ctx context.Context, q SparkSendQuote) (SparkSendQuote, error) {
	blob, err := r.encryptSpark(ctx, q.UserID, envelopeFromSpark(q))
	if err != nil {
		return SparkSendQuote{}, err
	}
	const query = `INSERT INTO spark_send_quotes (id, user_id, account_id, payment_hash, state, encrypted_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now()) RETURNING version, created_at`
	err = r.pool.QueryRow(ctx, query, q.ID, q.UserID, q.AccountID, q.PaymentHash, string(q.State), blob).Scan(&q.Version, &q.CreatedAt)
	if err != nil {
		return SparkSendQuote{}, fmt.Errorf("sendquote: create spark send quote: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) GetSparkSendQuote(ctx context.Context, id string) (SparkSendQuote, error) {
	const query = `SELECT id, user_id, account_id, payment_hash, spark_transfer_id, state, encrypted_data, version, created_at
		FROM spark_send_quotes WHERE id = $1`
	return r.scanSpark(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) scanSpark(ctx context.Context, row pgx.Row) (SparkSendQuote, error) {
	var q SparkSendQuote
	var state, blob string
	if err := row.Scan(&q.ID, &q.UserID, &q.AccountID, &q.PaymentHash, &q.SparkTransferID, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SparkSendQuote{}, domainerr.ErrRecordNotFound
		}
		return SparkSendQuote{}, fmt.Errorf("sendquote: scan spark send quote: %w", err)
	}
	q.State = State(state)
	env, err := r.decryptSpark(ctx, q.UserID, blob)
	if err != nil {
		return SparkSendQuote{}, err
	}
	applySparkEnvelope(&q, env)
	return q, nil
}

func (r *PostgresRepository) lockSpark(ctx context.Context, id string, expectedVersion int64) (SparkSendQuote, error) {
	q, err := r.GetSparkSendQuote(ctx, id)
	if err != nil {
		return SparkSendQuote{}, err
	}
	if q.Version != expectedVersion {
		return SparkSendQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (r *PostgresRepository) persistSpark(ctx context.Context, q SparkSendQuote) (int64, error) {
	blob, err := r.encryptSpark(ctx, q.UserID, envelopeFromSpark(q))
	if err != nil {
		return 0, err
	}
	const query = `UPDATE spark_send_quotes SET state = $1, spark_transfer_id = $2, encrypted_data = $3, version = version + 1
		WHERE id = $4 AND version = $5 RETURNING version`
	var newVersion int64
	err = r.pool.QueryRow(ctx, query, string(q.State), q.SparkTransferID, blob, q.ID, q.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerr.ErrConcurrency
		}
		return 0, fmt.Errorf("sendquote: persist spark send quote: %w", err)
	}
	return newVersion, nil
}

func (r *PostgresRepository) MarkSparkSendQuoteAsPending(ctx context.Context, id string, expectedVersion int64, sparkTransferID string) (SparkSendQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	if q.State != StateUnpaid {
		return SparkSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StatePending
	q.SparkTransferID = &sparkTransferID
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) CompleteSparkSendQuote(ctx context.Context, id string, expectedVersion int64, fee money.Money, paymentPreimage string) (SparkSendQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	if q.State != StatePending {
		return SparkSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateCompleted
	q.Fee = &fee
	q.PaymentPreimage = &paymentPreimage
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ExpireSparkSendQuote(ctx context.Context, id string, expectedVersion int64) (SparkSendQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.State = StateExpired
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) FailSparkSendQuote(ctx context.Context, id string, expectedVersion int64, reason string, ambiguousOutcome bool) (SparkSendQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.AmbiguousOutcome = ambiguousOutcome
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ListNonTerminalSparkSendQuotes(ctx context.Context) ([]SparkSendQuote, error) {
	const query = `SELECT id, user_id, account_id, payment_hash, spark_transfer_id, state, encrypted_data, version, created_at
		FROM spark_send_quotes WHERE state IN ('UNPAID', 'PENDING') ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sendquote: list non-terminal spark send quotes: %w", err)
	}
	defer rows.Close()
	var out []SparkSendQuote
	for rows.Next() {
		var q SparkSendQuote
		var state, blob string
		if err := rows.Scan(&q.ID, &q.UserID, &q.AccountID, &q.PaymentHash, &q.SparkTransferID, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("sendquote: scan spark send quote: %w", err)
		}
		q.State = State(state)
		env, err := r.decryptSpark(ctx, q.UserID, blob)
		if err != nil {
			return nil, err
		}
		applySparkEnvelope(&q, env)
		out = append(out, q)
	}
	return out, rows.Err()
}
