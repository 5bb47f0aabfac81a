// Package ledger persists per-user billing state: quota levels, prepaid
// balance, grant expiry and payment history.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Peergos/payments/internal/units"
)

// ErrUnknownUser is returned for operations on a username that has never
// been registered.
var ErrUnknownUser = errors.New("ledger: unknown user")

// UserRecord is the billing state for one username.
type UserRecord struct {
	Username string

	// CustomerID is the payment-gateway customer, created lazily on the
	// first secret generation or charge. Empty until then.
	CustomerID string

	// FreeQuotaBytes is granted regardless of payment.
	FreeQuotaBytes units.ByteCount

	// DesiredQuotaBytes is the paid quota the user last asked for.
	DesiredQuotaBytes units.ByteCount

	// CurrentQuotaBytes is the paid quota actually in effect.
	CurrentQuotaBytes units.ByteCount

	// CurrentPriceCents is the price frozen when PricedQuotaBytes was
	// last purchased. Renewals of the same level reuse it even if the
	// price table has since changed.
	CurrentPriceCents units.CentAmount
	PricedQuotaBytes  units.ByteCount

	// BalanceCents is the prepaid remainder from a previous overpayment.
	BalanceCents units.CentAmount

	// QuotaExpiry is when the paid grant lapses back to the free tier.
	QuotaExpiry time.Time

	// LastError is the most recent charge failure, cleared on success.
	LastError string
}

// PaymentRecord is one recorded charge attempt.
type PaymentRecord struct {
	AmountCents   units.CentAmount
	Currency      string
	Time          time.Time
	ForQuotaBytes units.ByteCount
	FailureReason string
}

// Succeeded reports whether the charge went through.
func (p PaymentRecord) Succeeded() bool { return p.FailureReason == "" }

// Store is the durable user-record store. Every setter persists
// immediately and is atomic for its single record; sequencing of
// multi-field updates is the billing engine's job.
type Store interface {
	// EnsureUser creates the record if absent; otherwise it is a no-op.
	EnsureUser(ctx context.Context, username string, freeBytes units.ByteCount, now time.Time) error
	HasUser(ctx context.Context, username string) (bool, error)
	UserCount(ctx context.Context) (int64, error)
	ListUsernames(ctx context.Context) ([]string, error)

	// GetUser returns a snapshot of the record.
	GetUser(ctx context.Context, username string) (UserRecord, error)

	SetCustomerID(ctx context.Context, username, customerID string) error
	SetDesiredQuota(ctx context.Context, username string, quota units.ByteCount) error
	SetCurrentQuota(ctx context.Context, username string, quota units.ByteCount) error
	// SetCurrentPrice freezes the price paid for a quota level.
	SetCurrentPrice(ctx context.Context, username string, price units.CentAmount, forQuota units.ByteCount) error
	SetBalance(ctx context.Context, username string, balance units.CentAmount) error
	SetFreeQuota(ctx context.Context, username string, quota units.ByteCount) error
	SetQuotaExpiry(ctx context.Context, username string, expiry time.Time) error
	SetLastError(ctx context.Context, username, message string) error
	ClearLastError(ctx context.Context, username string) error

	AddPayment(ctx context.Context, username string, payment PaymentRecord) error
	Payments(ctx context.Context, username string) ([]PaymentRecord, error)
}
