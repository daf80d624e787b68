package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agicash/walletcore/internal/money"
)

// ErrNotFound mirrors the teacher's internal/database.ErrTransactionNotFound
// (a single sentinel per repository, wrapped rather than compared to raw
// pgx.ErrNoRows by callers).
var ErrNotFound = errors.New("transaction: not found")

// Repository is the narrow surface internal/processor's projector and any
// future read-side handler need.
type Repository interface {
	Upsert(ctx context.Context, t Transaction) (Transaction, error)
	GetByID(ctx context.Context, id string) (Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]Transaction, error)
}

// PostgresRepository is the pgx-backed Repository implementation, grounded
// on the teacher's internal/database.TransactionRepository
// (Create/GetByID/ListByCardID/Update), collapsed into a single
// insert-or-update statement since this table is a projection rebuilt
// wholesale on every source-record transition rather than field-patched.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Upsert inserts a Transaction or, if one already exists for its
// (sourceKind, sourceId) natural key, refreshes the fields that change as
// the underlying record advances (state, amount, fee, updatedAt). The
// projection's own id is preserved across repeated calls for the same
// source record.
func (r *PostgresRepository) Upsert(ctx context.Context, t Transaction) (Transaction, error) {
	const query = `INSERT INTO transactions
		(id, user_id, account_id, direction, source_kind, source_id, state, amount, currency, unit, fee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		ON CONFLICT (source_kind, source_id) DO UPDATE SET
			state = EXCLUDED.state,
			amount = EXCLUDED.amount,
			fee = EXCLUDED.fee,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		t.ID, t.UserID, t.AccountID, string(t.Direction), string(t.SourceKind), t.SourceID,
		t.State, t.Amount.Amount, string(t.Amount.Currency), string(t.Amount.Unit), t.Fee.Amount,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction: upsert %s/%s: %w", t.SourceKind, t.SourceID, err)
	}
	return t, nil
}

func (r *PostgresRepository) scan(row pgx.Row) (Transaction, error) {
	var t Transaction
	var direction, sourceKind, currency, unit string
	err := row.Scan(&t.ID, &t.UserID, &t.AccountID, &direction, &sourceKind, &t.SourceID,
		&t.State, &t.Amount.Amount, &currency, &unit, &t.Fee.Amount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	t.Direction = Direction(direction)
	t.SourceKind = SourceKind(sourceKind)
	t.Amount.Currency, t.Fee.Currency = money.Currency(currency), money.Currency(currency)
	t.Amount.Unit, t.Fee.Unit = money.Unit(unit), money.Unit(unit)
	return t, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (Transaction, error) {
	const query = `SELECT id, user_id, account_id, direction, source_kind, source_id, state, amount, currency, unit, fee, created_at, updated_at
		FROM transactions WHERE id = $1`
	return r.scan(r.pool.QueryRow(ctx, query, id))
}

// ListByAccount returns an account's transactions newest-first, the order a
// wallet history view reads in (matches the
// `transactions_account_created_idx (account_id, created_at DESC)` index).
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	const query = `SELECT id, user_id, account_id, direction, source_kind, source_id, state, amount, currency, unit, fee, created_at, updated_at
		FROM transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("transaction: list by account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction: scan row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction: list by account %s: %w", accountID, err)
	}
	return out, nil
}
