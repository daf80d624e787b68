package sendswap

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

// PostgresRepository follows internal/tokenswap.PostgresRepository's
// clear-columns-plus-encrypted-envelope split. TokenHash is a clear,
// nullable column (NULL while DRAFT, set from SwapForProofsToSend or the
// exact-path Create onward) so GetCashuSendSwapByTokenHash and the
// recipient-side tokenswap match can both run without decrypting.
type PostgresRepository struct {
	pool *pgxpool.Pool
	keys CodecKeyProvider
}

func NewPostgresRepository(pool *pgxpool.Pool, keys CodecKeyProvider) *PostgresRepository {
	return &PostgresRepository{pool: pool, keys: keys}
}

type sendSwapEnvelope struct {
	TransactionID    string      `json:"transactionId"`
	Amount           money.Money `json:"amount"`
	ReservedTotal    money.Money `json:"reservedTotal"`
	KeysetID         string      `json:"keysetId"`
	KeysetCounter    uint32      `json:"keysetCounter"`
	SendAmounts      []uint64    `json:"sendAmounts,omitempty"`
	ChangeAmounts    []uint64    `json:"changeAmounts,omitempty"`
	ProofsToSendJSON string      `json:"proofsToSendJson,omitempty"`
	FailureReason    *string     `json:"failureReason,omitempty"`
}

func envelopeFrom(q CashuSendSwap) sendSwapEnvelope {
	return sendSwapEnvelope{
		TransactionID: q.TransactionID, Amount: q.Amount, ReservedTotal: q.ReservedTotal,
		KeysetID: q.KeysetID, KeysetCounter: q.KeysetCounter,
		SendAmounts: q.SendAmounts, ChangeAmounts: q.ChangeAmounts,
		ProofsToSendJSON: q.ProofsToSendJSON, FailureReason: q.FailureReason,
	}
}

func applyEnvelope(q *CashuSendSwap, e sendSwapEnvelope) {
	q.TransactionID, q.Amount, q.ReservedTotal = e.TransactionID, e.Amount, e.ReservedTotal
	q.KeysetID, q.KeysetCounter = e.KeysetID, e.KeysetCounter
	q.SendAmounts, q.ChangeAmounts = e.SendAmounts, e.ChangeAmounts
	q.ProofsToSendJSON = e.ProofsToSendJSON
	q.FailureReason = e.FailureReason
}

func (r *PostgresRepository) encrypt(ctx context.Context, userID string, e sendSwapEnvelope) (string, error) {
	pub, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("sendswap: resolve user key: %w", err)
	}
	return codec.Encrypt(e, pub)
}

func (r *PostgresRepository) decrypt(ctx context.Context, userID, blob string) (sendSwapEnvelope, error) {
	var e sendSwapEnvelope
	priv, err := r.keys.PrivateKey(ctx, userID)
	if err != nil {
		return e, fmt.Errorf("sendswap: resolve user key: %w", err)
	}
	err = codec.Decrypt(blob, priv, &e)
	return e, err
}

func (r *PostgresRepository) CreateCashuSendSwap(ctx context.Context, q CashuSendSwap) (CashuSendSwap, error) {
	blob, err := r.encrypt(ctx, q.UserID, envelopeFrom(q))
	if err != nil {
		return CashuSendSwap{}, err
	}
	const query = `INSERT INTO cashu_send_swaps (id, user_id, account_id, token_hash, state, encrypted_data, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now()) RETURNING version, created_at`
	err = r.pool.QueryRow(ctx, query, q.ID, q.UserID, q.AccountID, q.TokenHash, string(q.State), blob).Scan(&q.Version, &q.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return CashuSendSwap{}, domainerr.ErrTokenAlreadyClaimed
		}
		return CashuSendSwap{}, fmt.Errorf("sendswap: create cashu send swap: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) GetCashuSendSwap(ctx context.Context, id string) (CashuSendSwap, error) {
	const query = `SELECT id, user_id, account_id, token_hash, state, encrypted_data, version, created_at
		FROM cashu_send_swaps WHERE id = $1`
	return r.scan(ctx, r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetCashuSendSwapByTokenHash(ctx context.Context, tokenHash string) (CashuSendSwap, error) {
	const query = `SELECT id, user_id, account_id, token_hash, state, encrypted_data, version, created_at
		FROM cashu_send_swaps WHERE token_hash = $1`
	return r.scan(ctx, r.pool.QueryRow(ctx, query, tokenHash))
}

func (r *PostgresRepository) scan(ctx context.Context, row pgx.Row) (CashuSendSwap, error) {
	var q CashuSendSwap
	var state, blob string
	var tokenHash *string
	if err := row.Scan(&q.ID, &q.UserID, &q.AccountID, &tokenHash, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CashuSendSwap{}, domainerr.ErrRecordNotFound
		}
		return CashuSendSwap{}, fmt.Errorf("sendswap: scan cashu send swap: %w", err)
	}
	q.TokenHash = tokenHash
	q.State = State(state)
	env, err := r.decrypt(ctx, q.UserID, blob)
	if err != nil {
		return CashuSendSwap{}, err
	}
	applyEnvelope(&q, env)
	return q, nil
}

func (r *PostgresRepository) lock(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error) {
	q, err := r.GetCashuSendSwap(ctx, id)
	if err != nil {
		return CashuSendSwap{}, err
	}
	if q.Version != expectedVersion {
		return CashuSendSwap{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (r *PostgresRepository) persist(ctx context.Context, q CashuSendSwap) (int64, error) {
	blob, err := r.encrypt(ctx, q.UserID, envelopeFrom(q))
	if err != nil {
		return 0, err
	}
	const query = `UPDATE cashu_send_swaps SET token_hash = $1, state = $2, encrypted_data = $3, version = version + 1
		WHERE id = $4 AND version = $5 RETURNING version`
	var newVersion int64
	err = r.pool.QueryRow(ctx, query, q.TokenHash, string(q.State), blob, q.ID, q.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerr.ErrConcurrency
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, domainerr.ErrTokenAlreadyClaimed
		}
		return 0, fmt.Errorf("sendswap: persist cashu send swap: %w", err)
	}
	return newVersion, nil
}

func (r *PostgresRepository) MarkCashuSendSwapAsPending(ctx context.Context, id string, expectedVersion int64, tokenHash, proofsToSendJSON string) (CashuSendSwap, error) {
	q, err := r.lock(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	if q.State != StateDraft {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StatePending
	q.TokenHash = &tokenHash
	q.ProofsToSendJSON = proofsToSendJSON
	newVersion, err := r.persist(ctx, q)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) CompleteCashuSendSwap(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error) {
	q, err := r.lock(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	if q.State != StatePending {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateCompleted
	newVersion, err := r.persist(ctx, q)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) FailCashuSendSwap(ctx context.Context, id string, expectedVersion int64, reason string) (CashuSendSwap, error) {
	q, err := r.lock(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	if q.State != StateDraft {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateFailed
	q.FailureReason = &reason
	newVersion, err := r.persist(ctx, q)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ReverseCashuSendSwap(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error) {
	q, err := r.lock(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	if q.State != StatePending {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StateReversed
	newVersion, err := r.persist(ctx, q)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.Version = newVersion
	return q, nil
}

func (r *PostgresRepository) ListNonTerminalCashuSendSwaps(ctx context.Context) ([]CashuSendSwap, error) {
	const query = `SELECT id, user_id, account_id, token_hash, state, encrypted_data, version, created_at
		FROM cashu_send_swaps WHERE state IN ('DRAFT', 'PENDING') ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sendswap: list non-terminal cashu send swaps: %w", err)
	}
	defer rows.Close()
	var out []CashuSendSwap
	for rows.Next() {
		var q CashuSendSwap
		var state, blob string
		var tokenHash *string
		if err := rows.Scan(&q.ID, &q.UserID, &q.AccountID, &tokenHash, &state, &blob, &q.Version, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("sendswap: scan cashu send swap: %w", err)
		}
		q.TokenHash = tokenHash
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
