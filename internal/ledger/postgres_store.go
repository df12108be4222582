package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nvoskov/garant/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id          VARCHAR(64) PRIMARY KEY,
			owner_id    VARCHAR(64),
			name        VARCHAR(255) NOT NULL DEFAULT '',
			is_system   BOOLEAN NOT NULL DEFAULT FALSE,
			balance     NUMERIC(20,6) NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_user_balance_nonneg CHECK (is_system OR balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(64) PRIMARY KEY,
			correlation_id  VARCHAR(64) NOT NULL,
			account_id      VARCHAR(64) NOT NULL REFERENCES accounts(id),
			amount          NUMERIC(20,6) NOT NULL,
			category        VARCHAR(32) NOT NULL,
			deal_id         VARCHAR(64),
			tx_hash         VARCHAR(66),
			memo            TEXT,
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries(account_id);
		CREATE INDEX IF NOT EXISTS idx_entries_correlation ON ledger_entries(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_entries_deal ON ledger_entries(deal_id);
		CREATE INDEX IF NOT EXISTS idx_entries_tx ON ledger_entries(tx_hash);
		CREATE INDEX IF NOT EXISTS idx_entries_created ON ledger_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acc *Account) error {
	balance := acc.Balance
	if balance == "" {
		balance = "0"
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, name, is_system, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), NOW(), NOW())
	`, acc.ID, nullString(acc.OwnerID), acc.Name, acc.System, balance)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	acc := &Account{ID: id}
	var ownerID sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT owner_id, name, is_system, balance, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id).Scan(&ownerID, &acc.Name, &acc.System, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.OwnerID = ownerID.String
	return acc, nil
}

func (p *PostgresStore) Accounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, name, is_system, balance, created_at, updated_at
		FROM accounts ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc := &Account{}
		var ownerID sql.NullString
		if err := rows.Scan(&acc.ID, &ownerID, &acc.Name, &acc.System, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		acc.OwnerID = ownerID.String
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// Apply adjusts every leg's balance and records the entries in one
// serializable transaction, returning the written entries in leg
// order. The CHECK constraint on accounts rejects any leg that would
// overdraw a user account.
func (p *PostgresStore) Apply(ctx context.Context, op Operation) ([]*Entry, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	written := make([]*Entry, 0, len(op.Legs))
	for _, leg := range op.Legs {
		result, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance    = balance + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE id = $1
		`, leg.AccountID, leg.Amount)
		if err != nil {
			if isCheckViolation(err) {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil, ErrAccountNotFound
		}

		e := &Entry{
			ID:            idgen.Entry(),
			CorrelationID: op.CorrelationID,
			AccountID:     leg.AccountID,
			Amount:        leg.Amount,
			Category:      op.Category,
			DealID:        op.DealID,
			TxHash:        op.TxHash,
			Memo:          op.Memo,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO ledger_entries (id, correlation_id, account_id, amount, category, deal_id, tx_hash, memo, created_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, NOW())
			RETURNING created_at
		`, e.ID, op.CorrelationID, leg.AccountID, leg.Amount, op.Category,
			nullString(op.DealID), nullString(op.TxHash), nullString(op.Memo)).Scan(&e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to record entry: %w", err)
		}
		written = append(written, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return written, nil
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, correlation_id, account_id, amount, category, deal_id, tx_hash, memo, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (p *PostgresStore) EntriesByDeal(ctx context.Context, dealID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, correlation_id, account_id, amount, category, deal_id, tx_hash, memo, created_at
		FROM ledger_entries
		WHERE deal_id = $1
		ORDER BY created_at
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (p *PostgresStore) SumEntries(ctx context.Context, accountID string) (string, error) {
	var sum string
	var err error
	if accountID == "" {
		err = p.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0)::NUMERIC(20,6) FROM ledger_entries
		`).Scan(&sum)
	} else {
		err = p.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0)::NUMERIC(20,6) FROM ledger_entries WHERE account_id = $1
		`, accountID).Scan(&sum)
	}
	return sum, err
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE tx_hash = $1 AND category = 'deposit'
	`, txHash).Scan(&count)
	return count > 0, err
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var dealID, txHash, memo sql.NullString
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.AccountID, &e.Amount, &e.Category, &dealID, &txHash, &memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DealID = dealID.String
		e.TxHash = txHash.String
		e.Memo = memo.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isCheckViolation reports whether err is a Postgres check_violation
// (class 23514), raised when a user account would go negative.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
