package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Peergos/payments/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_EnsureUser(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO billing_accounts`).
		WithArgs("bob", int64(1048576), now.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	require.NoError(t, s.EnsureUser(context.Background(), "bob", units.Megabyte, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUser(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	expiry := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"username", "customer_id", "free_bytes", "desired_bytes", "current_bytes",
		"current_price_cents", "priced_bytes", "balance_cents", "quota_expiry", "last_error",
	}).AddRow("bob", "cus_123", int64(1048576), int64(5368709120), int64(5368709120),
		int64(500), int64(5368709120), int64(0), expiry.Unix(), nil)

	mock.ExpectQuery(`SELECT username, customer_id, free_bytes`).
		WithArgs("bob").
		WillReturnRows(rows)

	s := NewPostgresStore(db)
	rec, err := s.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Username)
	assert.Equal(t, "cus_123", rec.CustomerID)
	assert.Equal(t, units.Gigabyte.Mul(5), rec.DesiredQuotaBytes)
	assert.Equal(t, units.CentAmount(500), rec.CurrentPriceCents)
	assert.Equal(t, expiry, rec.QuotaExpiry)
	assert.Empty(t, rec.LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUserUnknown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT username, customer_id, free_bytes`).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"username"}))

	s := NewPostgresStore(db)
	_, err = s.GetUser(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestPostgresStore_SetterUnknownUser(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE billing_accounts SET balance_cents`).
		WithArgs(int64(100), "nobody").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPostgresStore(db)
	err = s.SetBalance(context.Background(), "nobody", 100)
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestPostgresStore_SetCurrentPrice(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE billing_accounts SET current_price_cents`).
		WithArgs(int64(500), int64(5368709120), "bob").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	require.NoError(t, s.SetCurrentPrice(context.Background(), "bob", 500, units.Gigabyte.Mul(5)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddAndListPayments(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO billing_payments`).
		WithArgs("bob", int64(500), "gbp", now.Unix(), int64(5368709120), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT amount_cents, currency, taken_at`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{
			"amount_cents", "currency", "taken_at", "for_quota_bytes", "failure_reason",
		}).AddRow(int64(500), "gbp", now.Unix(), int64(5368709120), nil))

	s := NewPostgresStore(db)
	require.NoError(t, s.AddPayment(context.Background(), "bob", PaymentRecord{
		AmountCents: 500, Currency: "gbp", Time: now, ForQuotaBytes: units.Gigabyte.Mul(5),
	}))

	payments, err := s.Payments(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Succeeded())
	assert.Equal(t, units.CentAmount(500), payments[0].AmountCents)
	require.NoError(t, mock.ExpectationsWereMet())
}
