package tokenswap

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

type CodecKeyProvider interface {
	PublicKey(ctx context.Context, userID string) ([codec.PublicKeySize]byte, error)
	PrivateKey(ctx context.Context, userID string) ([codec.PrivateKeySize]byte, error)
}

// PostgresRepository is the pgx-backed Repository implementation, following
// internal/sendquote.PostgresRepository's clear-columns-plus-encrypted-
// envelope split. TokenHash is a clear column (it carries the uniqueness
// constraint §4.4 relies on to reject double-claimed tokens); everything
// else about the presented token and its derived outputs lives in the
// encrypted envelope.
type PostgresRepository struct {
	pool *pgxpool.Pool
	keys CodecKeyProvider
}

func NewPostgresRepository(pool *pgxpool.Pool, keys CodecKeyProvider) *PostgresRepository {
	return &PostgresRepository{pool: pool, keys: keys}
}

type tokenSwapEnvelope struct {
	TransactionID   string      `json:"transactionId"`
	TokenProofsJSON string      `json:"tokenProofsJson"`
	InputAmount     money.Money `json:"inputAmount"`
	Fee             money.Money `json:"fee"`
	KeysetID        string      `json:"keysetId"`
	KeysetCounter   uint32      `json:"keysetCounter"`
	OutputAmounts   []uint64    `json:"outputAmounts"`
	FailureReason   *string     `json:"failureReason,omitempty"`
}

func (e tokenSwapEnvelope) Validate() error {
	if e.TransactionID == "" {
		return fmt.Errorf("tokenswap: transaction id is required")
	}
	if e.TokenProofsJSON == "" {
		return fmt.Errorf("tokenswap: token proofs are required")
	}
	return nil
}

func envelopeFrom(q CashuTokenSwap) tokenSwapEnvelope {
	return tokenSwapEnvelope{
		TransactionID: q.TransactionID, TokenProofsJSON: q.TokenProofsJSON,
		InputAmount: q.InputAmount, Fee: q.Fee,
		KeysetID: q.KeysetID, KeysetCounter: q.KeysetCounter, OutputAmounts: q.OutputAmounts,
		FailureReason: q.FailureReason,
	}
}

func applyEnvelope(q *CashuTokenSwap, e tokenSwapEnvelope) {
	q.TransactionID, q.TokenProofsJSON = e.TransactionID, e.TokenProofsJSON
	q.InputAmount, q.Fee = e.InputAmount, e.Fee
	q.KeysetID, q.KeysetCounter, q.OutputAmounts = e.KeysetID, e.KeysetCounter, e.OutputAmounts
	q.FailureReason = e.FailureReason
}

func (r *PostgresRepository) encrypt(ctx context.Context, userID string, e tokenSwapEnvelope) (string, error) {
	pub, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("tokenswap: resolve user key: %w", err)
	}
	return codec.Encrypt(e, pub)
}

func (r *PostgresRepository) decrypt(ctx context.Context, userID, blob string) (tokenSwapEnvelope, error) {
	var e tokenSwapEnvelope
	priv, err := r.keys.PrivateKey(ctx, userID)
	if err != nil {
		return e, fmt.Errorf("tokenswap: resolve user key: %w", err)
	}
	err = codec.Decrypt(blob, priv, &e)
	return e, err
}

func (r *PostgresRepository) CreateCashuTokenSwap(ctx context.Context, q CashuTokenSwap) (CashuTokenSwap, error) {
	blob, err := r.encrypt(ctx, q.UserID, envelopeFrom(q))
	if err != nil {
		return CashuTokenSwap{}, err
	}
	const query = `INSERT INTO cashu_token_swaps (id, user_id, account_id, token_hash, state, encrypted_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now()) RETURNING version, created_at`
	err = r.pool.QueryRow(ctx, query, q.ID, q.UserID, q.AccountID, q.TokenHash, string(q.State), blob).Scan(&q.Version, &q.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return CashuTokenSwap{}, domainerr.ErrTokenAlreadyClaimed
		}
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: create cashu token swap: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) GetCashuTokenSwap(ctx context.Context, id string) (CashuTokenSwap, error) {
	const query = `SELECT id, user_id, account_id, token_hash, state, encrypted_data, version, created_at
		FROM cashu_token_swaps WHERE id = $1`
	return r.scan(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetCashuTokenSwapByTokenHash(ctx context.Context, tokenHash string) (CashuTokenSwap, error) {
	const query = `SELECT id, user_id, account_id, token_hash, state, encrypted_data, version, created_at
		FROM cashu_token_swaps WHERE token_hash = $1`
	return r.scan(ctx, r.pool.QueryRow(ctx, query, tokenHash))
}

func (r *PostgresRepository) scan(ctx context.Context, row pgx.Row) (CashuTokenSwap, error) {
	var q CashuTokenSwap
	var state, blob string
	if err := row.Scan(&q.ID, &q.UserID, &q.AccountID, &q.TokenHash, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CashuTokenSwap{}, domainerr.ErrRecordNotFound
		}
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: scan cashu token swap: %w", err)
	}
	q.State = State(state)
	env, err := r.decrypt(ctx, q.UserID, blob)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	applyEnvelope(&q, env)
	return q, nil
}

func (r *PostgresRepository) lock(ctx context.Context, id string, expectedVersion int64) (CashuTokenSwap, error) {
	q, err := r.GetCashuTokenSwap(ctx, id)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	if q.Version != expectedVersion {
		return CashuTokenSwap{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (r *PostgresRepository) persist(ctx context.Context, q CashuTokenSwap) (int64, error) {
	blob, err := r.encrypt(ctx, q.UserID, envelopeFrom(q))
	if err != nil {
		return 0, err
	}
	const query = `UPDATE cashu_token_swaps SET state = $1, encrypted_data = $2, version = version + 1
		WHERE id = $3 AND version = $4 RETURNING version`
	var newVersion int64
	err = r.pool.QueryRow(ctx, query, string(q.State), blob, q.ID, q.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerr.ErrConcurrency
		}
		return 0, fmt.Errorf("tokenswap: persist cashu token swap: %w", err)
	}
	return newVersion, nil
}

func (r *PostgresRepository) CompleteCashuTokenSwap(ctx context.Context, id string, expectedVersion int64) (CashuTokenSwap, error) {
	q, err := r.lock(ctx, id, expectedVersion)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	if q.State != StatePending {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateCompleted
	newVersion, err := r.persist(ctx, q)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) FailCashuTokenSwap(ctx context.Context, id string, expectedVersion int64, reason string) (CashuTokenSwap, error) {
	q, err := r.lock(ctx, id, expectedVersion)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	if q.State != StatePending {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateFailed
	q.FailureReason = &reason
	newVersion, err := r.persist(ctx, q)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ListNonTerminalCashuTokenSwaps(ctx context.Context) ([]CashuTokenSwap, error) {
	const query = `SELECT id, user_id, account_id, token_hash, state, encrypted_data, version, created_at
		FROM cashu_token_swaps WHERE state = 'PENDING' ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tokenswap: list non-terminal cashu token swaps: %w", err)
	}
	defer rows.Close()
	var out []CashuTokenSwap
	for rows.Next() {
		var q CashuTokenSwap
		var state, blob string
		if err := rows.Scan(&q.ID, &q.UserID, &q.AccountID, &q.TokenHash, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("tokenswap: scan cashu token swap: %w", err)
		}
		q.State = State(state)
		env, err := r.decrypt(ctx, q.UserID, blob)
		if err != nil {
			return nil, err
		}
		applyEnvelope(&q, env)
		out = append(out, q)
	}
	return out, rows.Err()
}
