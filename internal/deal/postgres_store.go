package deal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists deals and their message threads in Postgres.
// State transitions go through a single conditional UPDATE so that
// concurrent writers race on the row itself rather than on locks held
// in the application.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the deals and deal_messages tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deals (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price NUMERIC(20,6) NOT NULL,
			commission NUMERIC(20,6) NOT NULL,
			seller_account TEXT NOT NULL,
			buyer_account TEXT,
			state TEXT NOT NULL,
			dispute_reason TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_seller ON deals(seller_account)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_buyer ON deals(buyer_account)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_state ON deals(state)`,
		`CREATE TABLE IF NOT EXISTS deal_messages (
			id TEXT PRIMARY KEY,
			deal_id TEXT NOT NULL REFERENCES deals(id),
			author_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			is_system BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deal_messages_deal ON deal_messages(deal_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate deals: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deals (id, title, description, price, commission, seller_account, buyer_account, state, dispute_reason, resolution, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6, NULLIF($7, ''), $8, $9, $10, $11, $12)`,
		d.ID, d.Title, d.Description, d.Price, d.Commission, d.SellerAccount, d.BuyerAccount,
		string(d.State), d.DisputeReason, d.Resolution, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, selectDeal+` WHERE id = $1`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

// UpdateState performs the compare-and-swap transition. The WHERE clause
// carries the expected state (and, when a buyer is being set, the
// requirement that no buyer is assigned yet); zero rows affected means
// another writer got there first.
func (p *PostgresStore) UpdateState(ctx context.Context, id string, expected, next State, change StateChange) error {
	query := `
		UPDATE deals SET
			state = $3,
			buyer_account = CASE
				WHEN $4 <> '' THEN $4
				WHEN $5 THEN NULL
				ELSE buyer_account
			END,
			dispute_reason = CASE WHEN $6 <> '' THEN $6 ELSE dispute_reason END,
			resolution = CASE WHEN $7 <> '' THEN $7 ELSE resolution END,
			updated_at = now()
		WHERE id = $1 AND state = $2`
	if change.SetBuyer != "" {
		query += ` AND buyer_account IS NULL`
	}

	res, err := p.db.ExecContext(ctx, query,
		id, string(expected), string(next),
		change.SetBuyer, change.ClearBuyer, change.DisputeReason, change.Resolution,
	)
	if err != nil {
		return fmt.Errorf("update deal state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deal state: %w", err)
	}
	if n == 0 {
		// Distinguish a missing deal from a lost race.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM deals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update deal state: %w", err)
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrStaleState
	}
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerAccount string, limit int) ([]*Deal, error) {
	return p.listDeals(ctx, selectDeal+` WHERE seller_account = $1 ORDER BY created_at DESC LIMIT $2`, sellerAccount, limit)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerAccount string, limit int) ([]*Deal, error) {
	return p.listDeals(ctx, selectDeal+` WHERE buyer_account = $1 ORDER BY created_at DESC LIMIT $2`, buyerAccount, limit)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Deal, error) {
	return p.listDeals(ctx, selectDeal+` WHERE state = $1 ORDER BY created_at DESC LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO deal_messages (id, deal_id, author_id, body, is_system, created_at)
		SELECT $1, $2, $3, $4, $5, $6 WHERE EXISTS(SELECT 1 FROM deals WHERE id = $2)`,
		msg.ID, msg.DealID, msg.AuthorID, msg.Body, msg.IsSystem, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return ErrDealNotFound
	}
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, dealID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, author_id, body, is_system, created_at
		FROM deal_messages WHERE deal_id = $1 ORDER BY created_at ASC, id ASC`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.DealID, &msg.AuthorID, &msg.Body, &msg.IsSystem, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, &msg)
	}
	return result, rows.Err()
}

const selectDeal = `
	SELECT id, title, description, price::TEXT, commission::TEXT, seller_account,
		COALESCE(buyer_account, ''), state, dispute_reason, resolution, created_at, updated_at
	FROM deals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*Deal, error) {
	var d Deal
	var state string
	var createdAt, updatedAt time.Time
	err := row.Scan(&d.ID, &d.Title, &d.Description, &d.Price, &d.Commission, &d.SellerAccount,
		&d.BuyerAccount, &state, &d.DisputeReason, &d.Resolution, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.State = State(state)
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt
	return &d, nil
}

func (p *PostgresStore) listDeals(ctx context.Context, query string, args ...any) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
