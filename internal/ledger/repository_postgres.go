package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/money"
)

// PostgresRepository is the pgx-backed Repository implementation, grounded
// on the teacher's internal/database.CardRepository (QueryRow/Scan/Exec
// idiom, errors.As(*pgconn.PgError) unique-violation mapping — here via the
// promoted github.com/jackc/pgerrcode constant instead of a bare "23505"
// string literal).
type PostgresRepository struct {
	pool *pgxpool.Pool
	keys KeyProvider
}

func NewPostgresRepository(pool *pgxpool.Pool, keys KeyProvider) *PostgresRepository {
	return &PostgresRepository{pool: pool, keys: keys}
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, account Account) (Account, error) {
	details, err := json.Marshal(accountDetails(account))
	if err != nil {
		return Account{}, fmt.Errorf("ledger: marshal account details: %w", err)
	}

	const query = `INSERT INTO accounts (id, user_id, currency, type, details, version, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, now())
		RETURNING version, created_at`

	err = r.pool.QueryRow(ctx, query, account.ID, account.UserID, string(account.Currency), string(account.Type), details).
		Scan(&account.Version, &account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return Account{}, fmt.Errorf("ledger: account already exists for (mintUrl, currency, userId): %w", err)
		}
		return Account{}, fmt.Errorf("ledger: create account: %w", err)
	}
	return account, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (Account, error) {
	const query = `SELECT id, user_id, currency, type, details, version, created_at FROM accounts WHERE id = $1`
	return r.scanAccount(r.pool.QueryRow(ctx, query, accountID))
}

func (r *PostgresRepository) GetCashuAccountByMint(ctx context.Context, userID, mintURL string, currency string) (Account, error) {
	const query = `SELECT id, user_id, currency, type, details, version, created_at
		FROM accounts
		WHERE user_id = $1 AND currency = $2 AND type = 'cashu' AND details->>'mintUrl' = $3`
	return r.scanAccount(r.pool.QueryRow(ctx, query, userID, currency, mintURL))
}

func (r *PostgresRepository) scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var currency, accType string
	var details []byte
	if err := row.Scan(&a.ID, &a.UserID, &currency, &accType, &details, &a.Version, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, domainerr.ErrRecordNotFound
		}
		return Account{}, fmt.Errorf("ledger: scan account: %w", err)
	}
	a.Currency = money.Currency(currency)
	a.Type = AccountType(accType)
	if err := unmarshalAccountDetails(&a, details); err != nil {
		return Account{}, err
	}
	return a, nil
}

type accountDetailsJSON struct {
	MintURL        string            `json:"mintUrl,omitempty"`
	IsTestMint     bool              `json:"isTestMint,omitempty"`
	KeysetCounters map[string]uint32 `json:"keysetCounters,omitempty"`
	Network        string            `json:"network,omitempty"`
	IdentityPubkey string            `json:"identityPubkey,omitempty"`
}

func accountDetails(a Account) accountDetailsJSON {
	var d accountDetailsJSON
	if a.Cashu != nil {
		d.MintURL = a.Cashu.MintURL
		d.IsTestMint = a.Cashu.IsTestMint
		d.KeysetCounters = a.Cashu.KeysetCounters
	}
	if a.Spark != nil {
		d.Network = a.Spark.Network
		d.IdentityPubkey = a.Spark.IdentityPubkey
	}
	return d
}

func unmarshalAccountDetails(a *Account, raw []byte) error {
	var d accountDetailsJSON
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("ledger: unmarshal account details: %w", err)
	}
	switch a.Type {
	case AccountTypeCashu:
		if d.KeysetCounters == nil {
			d.KeysetCounters = map[string]uint32{}
		}
		a.Cashu = &CashuAccountDetails{MintURL: d.MintURL, IsTestMint: d.IsTestMint, KeysetCounters: d.KeysetCounters}
	case AccountTypeSpark:
		a.Spark = &SparkAccountDetails{Network: d.Network, IdentityPubkey: d.IdentityPubkey}
	}
	return nil
}

func (r *PostgresRepository) AdvanceKeysetCounter(ctx context.Context, accountID, keysetID string, count uint32, expectedVersion int64) (uint32, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var details []byte
	var version int64
	var accType string
	err = tx.QueryRow(ctx, `SELECT type, details, version FROM accounts WHERE id = $1 FOR UPDATE`, accountID).
		Scan(&accType, &details, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, domainerr.ErrRecordNotFound
		}
		return 0, 0, fmt.Errorf("ledger: lock account: %w", err)
	}
	if version != expectedVersion {
		return 0, 0, domainerr.NewConcurrencyError(accountID, expectedVersion, version)
	}

	var d accountDetailsJSON
	if err := json.Unmarshal(details, &d); err != nil {
		return 0, 0, fmt.Errorf("ledger: unmarshal account details: %w", err)
	}
	if d.KeysetCounters == nil {
		d.KeysetCounters = map[string]uint32{}
	}
	firstIndex := d.KeysetCounters[keysetID]
	d.KeysetCounters[keysetID] = firstIndex + count

	updated, err := json.Marshal(d)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: marshal account details: %w", err)
	}

	newVersion := version + 1
	_, err = tx.Exec(ctx, `UPDATE accounts SET details = $2, version = $3 WHERE id = $1`, accountID, updated, newVersion)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: persist keyset counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("ledger: commit keyset counter: %w", err)
	}
	return firstIndex, newVersion, nil
}

func (r *PostgresRepository) InsertProofs(ctx context.Context, proofs []CashuProof) error {
	if len(proofs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO cashu_proofs
		(id, account_id, user_id, keyset_id, public_key_y, state, encrypted_data, spending_send_swap_id, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, now())`

	for _, p := range proofs {
		pub, err := r.keys.PublicKey(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("ledger: resolve user key: %w", err)
		}
		blob, err := encryptProofSecret(pub, proofSecretData{
			Amount:             p.Amount,
			Secret:             p.Secret,
			UnblindedSignature: p.UnblindedSignature,
			DLEQ:               p.DLEQ,
			Witness:            p.Witness,
		})
		if err != nil {
			return fmt.Errorf("ledger: encrypt proof: %w", err)
		}

		// SpendingSendSwapID, when already set on the passed-in proof, tags a
		// newly-inserted UNSPENT proof as a Send Swap Engine proof-to-send
		// (§4.5): present in the ledger, excluded from GetUnspentProofs/
		// balance/selection until the swap completes or reverses.
		_, err = tx.Exec(ctx, query, p.ID, p.AccountID, p.UserID, p.KeysetID, p.PublicKeyY, ProofUnspent, blob, p.SpendingSendSwapID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return domainerr.ErrDuplicateProof
			}
			return fmt.Errorf("ledger: insert proof: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit insert proofs: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetUnspentProofs(ctx context.Context, accountID string) ([]CashuProof, error) {
	const query = `SELECT id, account_id, user_id, keyset_id, public_key_y, state,
		encrypted_data, version, created_at, reserved_at, spending_send_quote_id, spending_send_swap_id
		FROM cashu_proofs WHERE account_id = $1 AND state = $2 AND spending_send_swap_id IS NULL ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, accountID, ProofUnspent)
	if err != nil {
		return nil, fmt.Errorf("ledger: query unspent proofs: %w", err)
	}
	defer rows.Close()
	return r.scanProofs(ctx, rows)
}

func (r *PostgresRepository) GetBalance(ctx context.Context, accountID string) (int64, error) {
	proofs, err := r.GetUnspentProofs(ctx, accountID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range proofs {
		total += p.Amount.Amount
	}
	return total, nil
}

func (r *PostgresRepository) ReserveProofs(ctx context.Context, proofIDs []string, spendingKind, spendingID string) error {
	return r.transitionProofs(ctx, proofIDs, ProofUnspent, ProofPendingSpend, spendingKind, spendingID)
}

func (r *PostgresRepository) ReleaseProofs(ctx context.Context, proofIDs []string) error {
	return r.transitionProofs(ctx, proofIDs, ProofPendingSpend, ProofUnspent, "", "")
}

func (r *PostgresRepository) ConsumeProofs(ctx context.Context, proofIDs []string) error {
	return r.transitionProofs(ctx, proofIDs, ProofPendingSpend, ProofSpent, "", "")
}

func (r *PostgresRepository) transitionProofs(ctx context.Context, proofIDs []string, from, to CashuProofState, spendingKind, spendingID string) error {
	if len(proofIDs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var sendQuoteID, sendSwapID *string
	reserving := to == ProofPendingSpend
	if reserving {
		switch spendingKind {
		case "send_quote":
			sendQuoteID = &spendingID
		case "send_swap":
			sendSwapID = &spendingID
		}
	}

	var query string
	var args []any
	if reserving {
		query = `UPDATE cashu_proofs
			SET state = $1, version = version + 1, reserved_at = now(),
				spending_send_quote_id = $2, spending_send_swap_id = $3
			WHERE id = ANY($4) AND state = $5`
		args = []any{to, sendQuoteID, sendSwapID, proofIDs, from}
	} else {
		query = `UPDATE cashu_proofs
			SET state = $1, version = version + 1, reserved_at = NULL,
				spending_send_quote_id = NULL, spending_send_swap_id = NULL
			WHERE id = ANY($2) AND state = $3`
		args = []any{to, proofIDs, from}
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: transition proofs: %w", err)
	}
	if tag.RowsAffected() != int64(len(proofIDs)) {
		return domainerr.ErrInvalidState
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit transition: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetProofsBySpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]CashuProof, error) {
	var query string
	switch spendingKind {
	case "send_quote":
		query = `SELECT id, account_id, user_id, keyset_id, public_key_y, state,
			encrypted_data, version, created_at, reserved_at, spending_send_quote_id, spending_send_swap_id
			FROM cashu_proofs WHERE spending_send_quote_id = $1`
	case "send_swap":
		query = `SELECT id, account_id, user_id, keyset_id, public_key_y, state,
			encrypted_data, version, created_at, reserved_at, spending_send_quote_id, spending_send_swap_id
			FROM cashu_proofs WHERE spending_send_swap_id = $1`
	default:
		return nil, fmt.Errorf("ledger: unknown spending kind %q", spendingKind)
	}

	rows, err := r.pool.Query(ctx, query, spendingID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query proofs by spending record: %w", err)
	}
	defer rows.Close()
	return r.scanProofs(ctx, rows)
}

func (r *PostgresRepository) ConsumeTaggedProofs(ctx context.Context, spendingKind, spendingID string) error {
	proofs, err := r.GetProofsBySpendingRecord(ctx, spendingKind, spendingID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return nil
	}
	ids := make([]string, len(proofs))
	for i, p := range proofs {
		ids[i] = p.ID
	}
	return r.transitionProofs(ctx, ids, ProofUnspent, ProofSpent, "", "")
}

func (r *PostgresRepository) scanProofs(ctx context.Context, rows pgx.Rows) ([]CashuProof, error) {
	var out []CashuProof
	for rows.Next() {
		var p CashuProof
		var state string
		var encrypted string
		if err := rows.Scan(&p.ID, &p.AccountID, &p.UserID, &p.KeysetID, &p.PublicKeyY, &state,
			&encrypted, &p.Version, &p.CreatedAt, &p.ReservedAt, &p.SpendingSendQuoteID, &p.SpendingSendSwapID); err != nil {
			return nil, fmt.Errorf("ledger: scan proof row: %w", err)
		}
		p.State = CashuProofState(state)

		priv, err := r.keys.PrivateKey(ctx, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("ledger: resolve user key: %w", err)
		}
		secret, err := decryptProofSecret(priv, encrypted)
		if err != nil {
			return nil, fmt.Errorf("ledger: decrypt proof: %w", err)
		}
		p.Amount = secret.Amount
		p.Secret = secret.Secret
		p.UnblindedSignature = secret.UnblindedSignature
		p.DLEQ = secret.DLEQ
		p.Witness = secret.Witness

		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate proof rows: %w", err)
	}
	return out, nil
}
