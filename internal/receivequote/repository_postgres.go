package receivequote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agicash/walletcore/internal/codec"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/money"
)

// CodecKeyProvider is internal/ledger.KeyProvider's shape, redeclared locally so
// this package's postgres repository does not import internal/ledger just
// for an interface.
type CodecKeyProvider interface {
	PublicKey(ctx context.Context, userID string) ([codec.PublicKeySize]byte, error)
	PrivateKey(ctx context.Context, userID string) ([codec.PrivateKeySize]byte, error)
}

// PostgresRepository is the pgx-backed CashuRepository/SparkRepository
// implementation, grounded on internal/ledger.PostgresRepository's
// clear-columns-plus-encrypted-envelope split: id/userId/accountId/type/
// paymentHash/quoteId/state/version/createdAt/expiresAt stay indexable,
// everything else (amount, description, paymentRequest,
// lockingDerivationPath, fee breakdown, output plan, bridge data) lives in
// one encrypted JSON envelope per record.
type PostgresRepository struct {
	pool *pgxpool.Pool
	keys CodecKeyProvider
}

func NewPostgresRepository(pool *pgxpool.Pool, keys CodecKeyProvider) *PostgresRepository {
	return &PostgresRepository{pool: pool, keys: keys}
}

type cashuReceiveEnvelope struct {
	Amount                money.Money       `json:"amount"`
	Description           *string           `json:"description,omitempty"`
	PaymentRequest        string            `json:"paymentRequest"`
	LockingDerivationPath string            `json:"lockingDerivationPath"`
	MintingFee            *money.Money      `json:"mintingFee,omitempty"`
	TransactionID         string            `json:"transactionId"`
	KeysetCounter         *uint32           `json:"keysetCounter,omitempty"`
	OutputAmounts         []uint64          `json:"outputAmounts,omitempty"`
	FailureReason         *string           `json:"failureReason,omitempty"`
	TokenReceiveData      *TokenReceiveData `json:"tokenReceiveData,omitempty"`
}

// Validate implements codec.Record. PaymentRequest and TransactionID are the
// only fields the receive-quote constructors never leave blank; everything
// else is legitimately absent depending on lifecycle stage.
func (e cashuReceiveEnvelope) Validate() error {
	if e.PaymentRequest == "" {
		return fmt.Errorf("receivequote: payment request is required")
	}
	if e.TransactionID == "" {
		return fmt.Errorf("receivequote: transaction id is required")
	}
	return nil
}

func (r *PostgresRepository) encryptCashu(ctx context.Context, userID string, e cashuReceiveEnvelope) (string, error) {
	pub, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("receivequote: resolve user key: %w", err)
	}
	return codec.Encrypt(e, pub)
}

func (r *PostgresRepository) decryptCashu(ctx context.Context, userID, blob string) (cashuReceiveEnvelope, error) {
	var e cashuReceiveEnvelope
	priv, err := r.keys.PrivateKey(ctx, userID)
	if err != nil {
		return e, fmt.Errorf("receivequote: resolve user key: %w", err)
	}
	if err := codec.Decrypt(blob, priv, &e); err != nil {
		return e, fmt.Errorf("receivequote: decrypt envelope: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) CreateCashuReceiveQuote(ctx context.Context, q CashuReceiveQuote) (CashuReceiveQuote, error) {
	blob, err := r.encryptCashu(ctx, q.UserID, cashuEnvelopeFromRecord(q))
	if err != nil {
		return CashuReceiveQuote{}, err
	}

	const query = `INSERT INTO cashu_receive_quotes
		(id, user_id, account_id, type, payment_hash, quote_id, keyset_id, state, encrypted_data, version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, now(), $10)
		RETURNING version, created_at`

	err = r.pool.QueryRow(ctx, query, q.ID, q.UserID, q.AccountID, string(q.Type), q.PaymentHash, q.QuoteID, q.KeysetID, string(q.State), blob, q.ExpiresAt).
		Scan(&q.Version, &q.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return CashuReceiveQuote{}, fmt.Errorf("receivequote: payment hash already recorded: %w", domainerr.ErrPaymentHashExists)
		}
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: create cashu receive quote: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) GetCashuReceiveQuote(ctx context.Context, id string) (CashuReceiveQuote, error) {
	const query = `SELECT id, user_id, account_id, type, payment_hash, quote_id, keyset_id, state, encrypted_data, version, created_at, expires_at
		FROM cashu_receive_quotes WHERE id = $1`
	return r.scanCashu(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetCashuReceiveQuoteByPaymentHash(ctx context.Context, paymentHash string) (CashuReceiveQuote, error) {
	const query = `SELECT id, user_id, account_id, type, payment_hash, quote_id, keyset_id, state, encrypted_data, version, created_at, expires_at
		FROM cashu_receive_quotes WHERE payment_hash = $1`
	return r.scanCashu(ctx, r.pool.QueryRow(ctx, query, paymentHash))
}

func (r *PostgresRepository) scanCashu(ctx context.Context, row pgx.Row) (CashuReceiveQuote, error) {
	var q CashuReceiveQuote
	var qType, state, blob string
	if err := row.Scan(&q.ID, &q.UserID, &q.AccountID, &qType, &q.PaymentHash, &q.QuoteID, &q.KeysetID, &state, &blob, &q.Version, &q.CreatedAt, &q.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CashuReceiveQuote{}, domainerr.ErrRecordNotFound
		}
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: scan cashu receive quote: %w", err)
	}
	q.Type = ReceiveType(qType)
	q.State = State(state)

	env, err := r.decryptCashu(ctx, q.UserID, blob)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	applyCashuEnvelope(&q, env)
	return q, nil
}

func cashuEnvelopeFromRecord(q CashuReceiveQuote) cashuReceiveEnvelope {
	return cashuReceiveEnvelope{
		Amount:                q.Amount,
		Description:           q.Description,
		PaymentRequest:        q.PaymentRequest,
		LockingDerivationPath: q.LockingDerivationPath,
		MintingFee:            q.MintingFee,
		TransactionID:         q.TransactionID,
		KeysetCounter:         q.KeysetCounter,
		OutputAmounts:         q.OutputAmounts,
		FailureReason:         q.FailureReason,
		TokenReceiveData:      q.TokenReceiveData,
	}
}

func applyCashuEnvelope(q *CashuReceiveQuote, env cashuReceiveEnvelope) {
	q.Amount = env.Amount
	q.Description = env.Description
	q.PaymentRequest = env.PaymentRequest
	q.LockingDerivationPath = env.LockingDerivationPath
	q.MintingFee = env.MintingFee
	q.TransactionID = env.TransactionID
	q.KeysetCounter = env.KeysetCounter
	q.OutputAmounts = env.OutputAmounts
	q.FailureReason = env.FailureReason
	q.TokenReceiveData = env.TokenReceiveData
}

func (r *PostgresRepository) MarkCashuReceiveQuoteCashuTokenMeltInitiated(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return 0, err
	}
	if q.TokenReceiveData == nil {
		return 0, fmt.Errorf("receivequote: quote %s is not a CASHU_TOKEN bridge", id)
	}
	if q.TokenReceiveData.MeltInitiated {
		return q.Version, nil
	}
	q.TokenReceiveData.MeltInitiated = true
	return r.persistCashu(ctx, q)
}

func (r *PostgresRepository) ProcessCashuReceiveQuotePayment(ctx context.Context, id string, expectedVersion int64, keysetID string, counterStart uint32, outputAmounts []uint64) (CashuReceiveQuote, error) {
	q, err := r.GetCashuReceiveQuote(ctx, id)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	if q.Version != expectedVersion {
		return CashuReceiveQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	if q.State != StateUnpaid {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StatePaid
	q.KeysetID = &keysetID
	q.KeysetCounter = &counterStart
	q.OutputAmounts = outputAmounts
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) CompleteCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	return r.transitionCashu(ctx, id, expectedVersion, StatePaid, StateCompleted, nil)
}

func (r *PostgresRepository) ExpireCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	return r.transitionCashu(ctx, id, expectedVersion, StateUnpaid, StateExpired, nil)
}

func (r *PostgresRepository) FailCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64, reason string) (CashuReceiveQuote, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	if q.State != StateUnpaid && q.State != StatePaid {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateFailed
	q.FailureReason = &reason
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

// transitionCashu enforces a from->to state transition and persists it,
// optionally patching the envelope via mutate.
func (r *PostgresRepository) transitionCashu(ctx context.Context, id string, expectedVersion int64, from, to State, mutate func(*CashuReceiveQuote)) (CashuReceiveQuote, error) {
	q, err := r.lockCashu(ctx, id, expectedVersion)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	if q.State != from {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = to
	if mutate != nil {
		mutate(&q)
	}
	newVersion, err := r.persistCashu(ctx, q)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) lockCashu(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	q, err := r.GetCashuReceiveQuote(ctx, id)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	if q.Version != expectedVersion {
		return CashuReceiveQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (r *PostgresRepository) persistCashu(ctx context.Context, q CashuReceiveQuote) (int64, error) {
	blob, err := r.encryptCashu(ctx, q.UserID, cashuEnvelopeFromRecord(q))
	if err != nil {
		return 0, err
	}
	const query = `UPDATE cashu_receive_quotes
		SET state = $1, keyset_id = $2, encrypted_data = $3, version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING version`
	var newVersion int64
	err = r.pool.QueryRow(ctx, query, string(q.State), q.KeysetID, blob, q.ID, q.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerr.ErrConcurrency
		}
		return 0, fmt.Errorf("receivequote: persist cashu receive quote: %w", err)
	}
	return newVersion, nil
}

func (r *PostgresRepository) ListNonTerminalCashuReceiveQuotes(ctx context.Context) ([]CashuReceiveQuote, error) {
	const query = `SELECT id, user_id, account_id, type, payment_hash, quote_id, keyset_id, state, encrypted_data, version, created_at, expires_at
		FROM cashu_receive_quotes WHERE state IN ('UNPAID', 'PAID') ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("receivequote: list non-terminal cashu receive quotes: %w", err)
	}
	defer rows.Close()

	var out []CashuReceiveQuote
	for rows.Next() {
		var q CashuReceiveQuote
		var qType, state, blob string
		if err := rows.Scan(&q.ID, &q.UserID, &q.AccountID, &qType, &q.PaymentHash, &q.QuoteID, &q.KeysetID, &state, &blob, &q.Version, &q.CreatedAt, &q.ExpiresAt); err != nil {
			return nil, fmt.Errorf("receivequote: scan cashu receive quote: %w", err)
		}
		q.Type = ReceiveType(qType)
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

// --- Spark receive quotes ---

type sparkReceiveEnvelope struct {
	Amount                 money.Money `json:"amount"`
	Description            *string     `json:"description,omitempty"`
	ReceiverIdentityPubkey *string     `json:"receiverIdentityPubkey,omitempty"`
	PaymentPreimage        *string     `json:"paymentPreimage,omitempty"`
	SparkTransferID        *string     `json:"sparkTransferId,omitempty"`
	TransactionID          string      `json:"transactionId"`
	FailureReason          *string     `json:"failureReason,omitempty"`
	TokenReceiveData       *TokenReceiveData `json:"tokenReceiveData,omitempty"`
}

// Validate implements codec.Record.
func (e sparkReceiveEnvelope) Validate() error {
	if e.TransactionID == "" {
		return fmt.Errorf("receivequote: transaction id is required")
	}
	return nil
}

func (r *PostgresRepository) encryptSpark(ctx context.Context, userID string, e sparkReceiveEnvelope) (string, error) {
	pub, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("receivequote: resolve user key: %w", err)
	}
	return codec.Encrypt(e, pub)
}

func (r *PostgresRepository) decryptSpark(ctx context.Context, userID, blob string) (sparkReceiveEnvelope, error) {
	var e sparkReceiveEnvelope
	priv, err := r.keys.PrivateKey(ctx, userID)
	if err != nil {
		return e, fmt.Errorf("receivequote: resolve user key: %w", err)
	}
	if err := codec.Decrypt(blob, priv, &e); err != nil {
		return e, fmt.Errorf("receivequote: decrypt envelope: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) CreateSparkReceiveQuote(ctx context.Context, q SparkReceiveQuote) (SparkReceiveQuote, error) {
	blob, err := r.encryptSpark(ctx, q.UserID, sparkEnvelopeFromRecord(q))
	if err != nil {
		return SparkReceiveQuote{}, err
	}

	const query = `INSERT INTO spark_receive_quotes
		(id, user_id, account_id, type, spark_id, state, encrypted_data, version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), $8)
		RETURNING version, created_at`

	err = r.pool.QueryRow(ctx, query, q.ID, q.UserID, q.AccountID, string(q.Type), q.SparkID, string(q.State), blob, q.ExpiresAt).
		Scan(&q.Version, &q.CreatedAt)
	if err != nil {
		return SparkReceiveQuote{}, fmt.Errorf("receivequote: create spark receive quote: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) GetSparkReceiveQuote(ctx context.Context, id string) (SparkReceiveQuote, error) {
	const query = `SELECT id, user_id, account_id, type, spark_id, state, encrypted_data, version, created_at, expires_at
		FROM spark_receive_quotes WHERE id = $1`
	return r.scanSpark(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) scanSpark(ctx context.Context, row pgx.Row) (SparkReceiveQuote, error) {
	var q SparkReceiveQuote
	var qType, state, blob string
	if err := row.Scan(&q.ID, &q.UserID, &q.AccountID, &qType, &q.SparkID, &state, &blob, &q.Version, &q.CreatedAt, &q.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SparkReceiveQuote{}, domainerr.ErrRecordNotFound
		}
		return SparkReceiveQuote{}, fmt.Errorf("receivequote: scan spark receive quote: %w", err)
	}
	q.Type = ReceiveType(qType)
	q.State = State(state)
	env, err := r.decryptSpark(ctx, q.UserID, blob)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	applySparkEnvelope(&q, env)
	return q, nil
}

func sparkEnvelopeFromRecord(q SparkReceiveQuote) sparkReceiveEnvelope {
	return sparkReceiveEnvelope{
		Amount:                 q.Amount,
		Description:            q.Description,
		ReceiverIdentityPubkey: q.ReceiverIdentityPubkey,
		PaymentPreimage:        q.PaymentPreimage,
		SparkTransferID:        q.SparkTransferID,
		TransactionID:          q.TransactionID,
		FailureReason:          q.FailureReason,
		TokenReceiveData:       q.TokenReceiveData,
	}
}

func applySparkEnvelope(q *SparkReceiveQuote, env sparkReceiveEnvelope) {
	q.Amount = env.Amount
	q.Description = env.Description
	q.ReceiverIdentityPubkey = env.ReceiverIdentityPubkey
	q.PaymentPreimage = env.PaymentPreimage
	q.SparkTransferID = env.SparkTransferID
	q.TransactionID = env.TransactionID
	q.FailureReason = env.FailureReason
	q.TokenReceiveData = env.TokenReceiveData
}

func (r *PostgresRepository) CompleteSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64, paymentPreimage, sparkTransferID string) (SparkReceiveQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	if q.State != StateUnpaid {
		return SparkReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateCompleted
	q.PaymentPreimage = &paymentPreimage
	q.SparkTransferID = &sparkTransferID
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ExpireSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64) (SparkReceiveQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	if q.State != StateUnpaid {
		return SparkReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateExpired
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) FailSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64, reason string) (SparkReceiveQuote, error) {
	q, err := r.lockSpark(ctx, id, expectedVersion)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	newVersion, err := r.persistSpark(ctx, q)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) lockSpark(ctx context.Context, id string, expectedVersion int64) (SparkReceiveQuote, error) {
	q, err := r.GetSparkReceiveQuote(ctx, id)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	if q.Version != expectedVersion {
		return SparkReceiveQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (r *PostgresRepository) persistSpark(ctx context.Context, q SparkReceiveQuote) (int64, error) {
	blob, err := r.encryptSpark(ctx, q.UserID, sparkEnvelopeFromRecord(q))
	if err != nil {
		return 0, err
	}
	const query = `UPDATE spark_receive_quotes SET state = $1, encrypted_data = $2, version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING version`
	var newVersion int64
	err = r.pool.QueryRow(ctx, query, string(q.State), blob, q.ID, q.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerr.ErrConcurrency
		}
		return 0, fmt.Errorf("receivequote: persist spark receive quote: %w", err)
	}
	return newVersion, nil
}

func (r *PostgresRepository) ListNonTerminalSparkReceiveQuotes(ctx context.Context) ([]SparkReceiveQuote, error) {
	const query = `SELECT id, user_id, account_id, type, spark_id, state, encrypted_data, version, created_at, expires_at
		FROM spark_receive_quotes WHERE state = 'UNPAID' ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("receivequote: list non-terminal spark receive quotes: %w", err)
	}
	defer rows.Close()

	var out []SparkReceiveQuote
	for rows.Next() {
		var q SparkReceiveQuote
		var qType, state, blob string
		if err := rows.Scan(&q.ID, &q.UserID, &q.AccountID, &qType, &q.SparkID, &state, &blob, &q.Version, &q.CreatedAt, &q.ExpiresAt); err != nil {
			return nil, fmt.Errorf("receivequote: scan spark receive quote: %w", err)
		}
		q.Type = ReceiveType(qType)
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
