// Package gateway abstracts the external payment processor: customer
// registration, card-setup secrets and charges.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Peergos/payments/internal/units"
)

// ErrNoPaymentMethod is returned by Charge when the customer has no card
// on file.
var ErrNoPaymentMethod = errors.New("gateway: no payment method on file")

// Customer references a billing customer at the processor.
type Customer struct {
	ID string
}

// SetupIntent carries the client secret the front-end needs to register a
// card. Created out-of-band from settlement.
type SetupIntent struct {
	ID           string
	ClientSecret string
	Created      time.Time
}

// PaymentOutcome is the result of a charge attempt that reached the
// processor. A business decline is an outcome with FailureReason set, not
// an error; errors mean the attempt's fate is unknown.
type PaymentOutcome struct {
	AmountCents   units.CentAmount
	Currency      string
	Time          time.Time
	ForQuotaBytes units.ByteCount
	FailureReason string
}

// Succeeded reports whether the charge went through.
func (p PaymentOutcome) Succeeded() bool { return p.FailureReason == "" }

// Gateway is the payment-processor contract. Charge must be safe to call
// repeatedly for the same logical attempt; the Stripe implementation
// attaches an idempotency key per attempt.
type Gateway interface {
	CreateCustomer(ctx context.Context, username string) (Customer, error)
	CreateSetupIntent(ctx context.Context, customer Customer) (SetupIntent, error)
	Charge(ctx context.Context, customer Customer, amount units.CentAmount, currency string,
		now time.Time, forQuota units.ByteCount) (PaymentOutcome, error)
}
