package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Peergos/payments/internal/units"
)

// MockGateway is a scripted in-memory processor for tests and local runs.
// By default every charge succeeds; failures and transport errors can be
// queued with FailNext and ErrNext.
type MockGateway struct {
	mu        sync.Mutex
	customers int
	intents   int
	payments  []PaymentOutcome

	failuresLeft int
	failReason   string
	errsLeft     int
	nextErr      error

	// NoCard simulates a customer with no payment method on file.
	NoCard bool
}

var _ Gateway = (*MockGateway)(nil)

func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// FailNext makes the next n charges decline with the given reason.
func (g *MockGateway) FailNext(n int, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failuresLeft = n
	g.failReason = reason
}

// ErrNext makes the next n charges fail with a transport error.
func (g *MockGateway) ErrNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errsLeft = n
	g.nextErr = err
}

// Payments returns a copy of every charge attempt that reached the
// processor, successful or declined.
func (g *MockGateway) Payments() []PaymentOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PaymentOutcome, len(g.payments))
	copy(out, g.payments)
	return out
}

// Customers returns how many customers have been created.
func (g *MockGateway) Customers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.customers
}

func (g *MockGateway) CreateCustomer(_ context.Context, username string) (Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return Customer{ID: fmt.Sprintf("cus_mock_%s_%d", username, g.customers)}, nil
}

func (g *MockGateway) CreateSetupIntent(_ context.Context, cus Customer) (SetupIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents++
	return SetupIntent{
		ID:           fmt.Sprintf("seti_mock_%d", g.intents),
		ClientSecret: fmt.Sprintf("seti_mock_%d_secret_%s", g.intents, cus.ID),
		Created:      time.Now().UTC(),
	}, nil
}

func (g *MockGateway) Charge(_ context.Context, _ Customer, amount units.CentAmount,
	currency string, now time.Time, forQuota units.ByteCount) (PaymentOutcome, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.errsLeft > 0 {
		g.errsLeft--
		return PaymentOutcome{}, g.nextErr
	}
	if g.NoCard {
		return PaymentOutcome{}, ErrNoPaymentMethod
	}

	outcome := PaymentOutcome{
		AmountCents:   amount,
		Currency:      currency,
		Time:          now,
		ForQuotaBytes: forQuota,
	}
	if g.failuresLeft > 0 {
		g.failuresLeft--
		outcome.FailureReason = g.failReason
	}
	g.payments = append(g.payments, outcome)
	return outcome, nil
}
