package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Peergos/payments/internal/units"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/customer"
	"github.com/stripe/stripe-go/v75/paymentintent"
	"github.com/stripe/stripe-go/v75/paymentmethod"
	"github.com/stripe/stripe-go/v75/setupintent"
	"go.uber.org/zap"
)

// StripeGateway charges customers through Stripe payment intents. Charges
// are confirmed off-session against the most recently registered card.
type StripeGateway struct {
	logger *zap.Logger
}

var _ Gateway = (*StripeGateway)(nil)

func NewStripeGateway(apiKey string, logger *zap.Logger) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{logger: logger}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, username string) (Customer, error) {
	params := &stripe.CustomerParams{
		Name: stripe.String(username),
		Metadata: map[string]string{
			"username": username,
		},
	}
	params.Context = ctx

	c, err := customer.New(params)
	if err != nil {
		return Customer{}, fmt.Errorf("create customer: %w", err)
	}
	return Customer{ID: c.ID}, nil
}

func (g *StripeGateway) CreateSetupIntent(ctx context.Context, cus Customer) (SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(cus.ID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx

	si, err := setupintent.New(params)
	if err != nil {
		return SetupIntent{}, fmt.Errorf("create setup intent: %w", err)
	}
	return SetupIntent{
		ID:           si.ID,
		ClientSecret: si.ClientSecret,
		Created:      time.Unix(si.Created, 0).UTC(),
	}, nil
}

func (g *StripeGateway) Charge(ctx context.Context, cus Customer, amount units.CentAmount,
	currency string, now time.Time, forQuota units.ByteCount) (PaymentOutcome, error) {

	method, err := g.latestCard(ctx, cus)
	if err != nil {
		return PaymentOutcome{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount.Int64()),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(cus.ID),
		PaymentMethod: stripe.String(method),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("storage quota %d bytes", forQuota.Int64())),
	}
	params.Context = ctx
	// One key per attempt: a network retry of this attempt cannot charge
	// twice, while tomorrow's fresh attempt still can.
	params.SetIdempotencyKey(uuid.NewString())

	outcome := PaymentOutcome{
		AmountCents:   amount,
		Currency:      currency,
		Time:          now,
		ForQuotaBytes: forQuota,
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		if reason, declined := declineReason(err); declined {
			outcome.FailureReason = reason
			return outcome, nil
		}
		return PaymentOutcome{}, fmt.Errorf("confirm payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		outcome.FailureReason = paymentIntentFailure(pi)
		g.logger.Warn("charge not completed",
			zap.String("customer", cus.ID),
			zap.String("status", string(pi.Status)),
			zap.String("reason", outcome.FailureReason))
	}
	return outcome, nil
}

// latestCard returns the most recently created card on file.
func (g *StripeGateway) latestCard(ctx context.Context, cus Customer) (string, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(cus.ID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var latest *stripe.PaymentMethod
	iter := paymentmethod.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		if latest == nil || pm.Created > latest.Created {
			latest = pm
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list payment methods: %w", err)
	}
	if latest == nil {
		return "", ErrNoPaymentMethod
	}
	return latest.ID, nil
}

// declineReason maps a Stripe card error to a human-readable decline.
// Anything that is not a card error stays an error: the charge may still
// have landed remotely, so the caller must not treat it as a decline.
func declineReason(err error) (string, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return "", false
	}
	if stripeErr.Type != stripe.ErrorTypeCard {
		return "", false
	}
	if stripeErr.DeclineCode != "" {
		return fmt.Sprintf("%s (%s)", stripeErr.Msg, stripeErr.DeclineCode), true
	}
	return stripeErr.Msg, true
}

func paymentIntentFailure(pi *stripe.PaymentIntent) string {
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	return fmt.Sprintf("payment intent %s in state %s", pi.ID, pi.Status)
}
