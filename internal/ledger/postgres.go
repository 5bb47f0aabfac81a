package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Peergos/payments/internal/units"
)

// PostgresStore is the production store, one row per user plus an
// append-only payment history table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InitializeSchema creates the billing tables. Quantity columns carry the
// same non-negativity checks as the engine's arithmetic.
func (s *PostgresStore) InitializeSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS billing_accounts (
        username VARCHAR(64) PRIMARY KEY,
        customer_id TEXT,
        free_bytes BIGINT NOT NULL CHECK (free_bytes >= 0),
        desired_bytes BIGINT NOT NULL CHECK (desired_bytes >= 0),
        current_bytes BIGINT NOT NULL CHECK (current_bytes >= 0),
        current_price_cents BIGINT NOT NULL CHECK (current_price_cents >= 0),
        priced_bytes BIGINT NOT NULL CHECK (priced_bytes >= 0),
        balance_cents BIGINT NOT NULL CHECK (balance_cents >= 0),
        quota_expiry BIGINT NOT NULL,
        last_error TEXT,
        created_at TIMESTAMP DEFAULT NOW(),
        updated_at TIMESTAMP DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS billing_payments (
        id SERIAL PRIMARY KEY,
        username VARCHAR(64) NOT NULL REFERENCES billing_accounts(username),
        amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
        currency VARCHAR(8) NOT NULL,
        taken_at BIGINT NOT NULL,
        for_quota_bytes BIGINT NOT NULL CHECK (for_quota_bytes >= 0),
        failure_reason TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_billing_payments_username
        ON billing_payments(username, taken_at);
    `

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initializing billing schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, username string, freeBytes units.ByteCount, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_accounts
         (username, free_bytes, desired_bytes, current_bytes, current_price_cents, priced_bytes, balance_cents, quota_expiry)
         VALUES ($1, $2, 0, 0, 0, 0, 0, $3)
         ON CONFLICT (username) DO NOTHING`,
		username, freeBytes.Int64(), now.UTC().Unix())
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", username, err)
	}
	return nil
}

func (s *PostgresStore) HasUser(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_accounts WHERE username = $1)`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking user %s: %w", username, err)
	}
	return exists, nil
}

func (s *PostgresStore) UserCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM billing_accounts`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM billing_accounts ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing usernames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning username: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (UserRecord, error) {
	var (
		rec        UserRecord
		customerID sql.NullString
		lastError  sql.NullString
		expiry     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, customer_id, free_bytes, desired_bytes, current_bytes,
                current_price_cents, priced_bytes, balance_cents, quota_expiry, last_error
         FROM billing_accounts WHERE username = $1`,
		username).Scan(&rec.Username, &customerID, &rec.FreeQuotaBytes, &rec.DesiredQuotaBytes,
		&rec.CurrentQuotaBytes, &rec.CurrentPriceCents, &rec.PricedQuotaBytes,
		&rec.BalanceCents, &expiry, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("reading user %s: %w", username, err)
	}
	rec.CustomerID = customerID.String
	rec.LastError = lastError.String
	rec.QuotaExpiry = time.Unix(expiry, 0).UTC()
	return rec, nil
}

func (s *PostgresStore) setColumn(ctx context.Context, username, query string, value interface{}) error {
	res, err := s.db.ExecContext(ctx, query, value, username)
	if err != nil {
		return fmt.Errorf("updating user %s: %w", username, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating user %s: %w", username, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return nil
}

func (s *PostgresStore) SetCustomerID(ctx context.Context, username, customerID string) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET customer_id = $1, updated_at = NOW() WHERE username = $2`,
		customerID)
}

func (s *PostgresStore) SetDesiredQuota(ctx context.Context, username string, quota units.ByteCount) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET desired_bytes = $1, updated_at = NOW() WHERE username = $2`,
		quota.Int64())
}

func (s *PostgresStore) SetCurrentQuota(ctx context.Context, username string, quota units.ByteCount) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET current_bytes = $1, updated_at = NOW() WHERE username = $2`,
		quota.Int64())
}

func (s *PostgresStore) SetCurrentPrice(ctx context.Context, username string, price units.CentAmount, forQuota units.ByteCount) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE billing_accounts SET current_price_cents = $1, priced_bytes = $2, updated_at = NOW()
         WHERE username = $3`,
		price.Int64(), forQuota.Int64(), username)
	if err != nil {
		return fmt.Errorf("updating price for %s: %w", username, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating price for %s: %w", username, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return nil
}

func (s *PostgresStore) SetBalance(ctx context.Context, username string, balance units.CentAmount) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET balance_cents = $1, updated_at = NOW() WHERE username = $2`,
		balance.Int64())
}

func (s *PostgresStore) SetFreeQuota(ctx context.Context, username string, quota units.ByteCount) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET free_bytes = $1, updated_at = NOW() WHERE username = $2`,
		quota.Int64())
}

func (s *PostgresStore) SetQuotaExpiry(ctx context.Context, username string, expiry time.Time) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET quota_expiry = $1, updated_at = NOW() WHERE username = $2`,
		expiry.UTC().Unix())
}

func (s *PostgresStore) SetLastError(ctx context.Context, username, message string) error {
	return s.setColumn(ctx, username,
		`UPDATE billing_accounts SET last_error = $1, updated_at = NOW() WHERE username = $2`,
		message)
}

func (s *PostgresStore) ClearLastError(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE billing_accounts SET last_error = NULL, updated_at = NOW() WHERE username = $1`,
		username)
	if err != nil {
		return fmt.Errorf("clearing error for %s: %w", username, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clearing error for %s: %w", username, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return nil
}

func (s *PostgresStore) AddPayment(ctx context.Context, username string, payment PaymentRecord) error {
	var reason sql.NullString
	if payment.FailureReason != "" {
		reason = sql.NullString{String: payment.FailureReason, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_payments (username, amount_cents, currency, taken_at, for_quota_bytes, failure_reason)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		username, payment.AmountCents.Int64(), payment.Currency,
		payment.Time.UTC().Unix(), payment.ForQuotaBytes.Int64(), reason)
	if err != nil {
		return fmt.Errorf("recording payment for %s: %w", username, err)
	}
	return nil
}

func (s *PostgresStore) Payments(ctx context.Context, username string) ([]PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount_cents, currency, taken_at, for_quota_bytes, failure_reason
         FROM billing_payments WHERE username = $1 ORDER BY taken_at, id`,
		username)
	if err != nil {
		return nil, fmt.Errorf("listing payments for %s: %w", username, err)
	}
	defer func() { _ = rows.Close() }()

	var payments []PaymentRecord
	for rows.Next() {
		var (
			p       PaymentRecord
			takenAt int64
			reason  sql.NullString
		)
		if err := rows.Scan(&p.AmountCents, &p.Currency, &takenAt, &p.ForQuotaBytes, &reason); err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		p.Time = time.Unix(takenAt, 0).UTC()
		p.FailureReason = reason.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
