// Package engine implements the billing reconciliation core: the per-user
// settlement algorithm and the batch driver over all users.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Peergos/payments/internal/gateway"
	"github.com/Peergos/payments/internal/ledger"
	"github.com/Peergos/payments/internal/pricing"
	"github.com/Peergos/payments/internal/units"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrInvalidQuota means the requested quota is not an allowed level.
	ErrInvalidQuota = errors.New("engine: requested quota is not an allowed level")
	// ErrSignupsClosed means the server is at its user cap.
	ErrSignupsClosed = errors.New("engine: not accepting new users")
)

// FreeTierMaxBytes is the largest quota that is granted without any
// charge when it prices to zero.
const FreeTierMaxBytes = units.Megabyte

// expiryGrace: a grant is treated as expired from one second before its
// nominal expiry, so a settlement running exactly at expiry renews.
const expiryGrace = time.Second

// Outcome classifies one user's settlement.
type Outcome int

const (
	OutcomeSettled Outcome = iota
	OutcomeDeclined
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeDeclined:
		return "declined"
	case OutcomeErrored:
		return "errored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// BatchReport aggregates one settle-all pass.
type BatchReport struct {
	Settled  int
	Declined int
	Errored  int
	Duration time.Duration
}

// Config carries the billing parameters.
type Config struct {
	MinPaymentCents  units.CentAmount
	DefaultFreeQuota units.ByteCount
	MinQuota         units.ByteCount
	MaxUsers         int64
	AllowedQuotas    []units.ByteCount
	Currency         string
	PortalURL        string

	// RetryAttempts/RetryBackoff govern the batch driver's handling of a
	// recoverable (errored, not declined) settlement.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Engine composes the store, pricer and payment gateway.
type Engine struct {
	store   ledger.Store
	pricer  pricing.Pricer
	bank    gateway.Gateway
	logger  *zap.Logger
	cfg     Config
	allowed map[units.ByteCount]bool
	metrics *metrics

	// One lock per username: at most one in-flight settlement per user,
	// independent users never contend.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(store ledger.Store, pricer pricing.Pricer, bank gateway.Gateway,
	logger *zap.Logger, reg prometheus.Registerer, cfg Config) *Engine {

	if cfg.Currency == "" {
		cfg.Currency = "gbp"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	allowed := make(map[units.ByteCount]bool, len(cfg.AllowedQuotas))
	for _, q := range cfg.AllowedQuotas {
		allowed[q] = true
	}

	return &Engine{
		store:   store,
		pricer:  pricer,
		bank:    bank,
		logger:  logger,
		cfg:     cfg,
		allowed: allowed,
		metrics: newMetrics(reg),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) userLock(username string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.locks[username]
	if !ok {
		l = &sync.Mutex{}
		e.locks[username] = l
	}
	return l
}

// AcceptingSignups reports whether a new user may register.
func (e *Engine) AcceptingSignups(ctx context.Context) (bool, error) {
	count, err := e.store.UserCount(ctx)
	if err != nil {
		return false, err
	}
	e.metrics.registeredUsers.Set(float64(count))
	return count < e.cfg.MaxUsers, nil
}

// ListUsernames exposes the registered users to the admin surface.
func (e *Engine) ListUsernames(ctx context.Context) ([]string, error) {
	return e.store.ListUsernames(ctx)
}

// IsAllowed reports whether the storage cluster may serve this user.
func (e *Engine) IsAllowed(ctx context.Context, username string) (bool, error) {
	has, err := e.store.HasUser(ctx, username)
	if err != nil {
		return false, err
	}
	if has {
		return true, nil
	}
	return e.AcceptingSignups(ctx)
}

// EnsureUser registers a user with the given free quota, subject to
// admission control. Idempotent for existing users.
func (e *Engine) EnsureUser(ctx context.Context, username string, freeBytes units.ByteCount, now time.Time) error {
	has, err := e.store.HasUser(ctx, username)
	if err != nil {
		return err
	}
	if !has {
		open, err := e.AcceptingSignups(ctx)
		if err != nil {
			return err
		}
		if !open {
			return ErrSignupsClosed
		}
	}
	return e.store.EnsureUser(ctx, username, freeBytes, now)
}

// SetDesiredQuota validates and records the quota a user wants to pay
// for, then settles that user immediately instead of waiting for the
// nightly batch. A declined charge is reported in the outcome, not as an
// error; the user keeps their previous grant.
func (e *Engine) SetDesiredQuota(ctx context.Context, username string, quota units.ByteCount, now time.Time) (Outcome, error) {
	quota = quota.Max(e.cfg.MinQuota)
	if !e.allowed[quota] {
		return OutcomeErrored, fmt.Errorf("%w: %d bytes", ErrInvalidQuota, quota.Int64())
	}
	if err := e.EnsureUser(ctx, username, e.cfg.DefaultFreeQuota, now); err != nil {
		return OutcomeErrored, err
	}

	lock := e.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	if err := e.store.SetDesiredQuota(ctx, username, quota); err != nil {
		return OutcomeErrored, err
	}
	return e.settleLocked(ctx, username, now)
}

// CurrentQuota returns the user's total visible quota (free + granted).
// A first query for an unknown user provisions a free-tier account while
// signups are open.
func (e *Engine) CurrentQuota(ctx context.Context, username string, now time.Time) (units.ByteCount, error) {
	rec, err := e.store.GetUser(ctx, username)
	if errors.Is(err, ledger.ErrUnknownUser) {
		if err := e.EnsureUser(ctx, username, e.cfg.DefaultFreeQuota, now); err != nil {
			return 0, err
		}
		rec, err = e.store.GetUser(ctx, username)
		if err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	return rec.FreeQuotaBytes.Add(rec.CurrentQuotaBytes), nil
}

// PaymentProperties is the payload for the front-end's billing page.
type PaymentProperties struct {
	PortalURL         string
	ClientSecret      string
	FreeQuotaBytes    units.ByteCount
	DesiredQuotaBytes units.ByteCount
	LastError         string
}

// PaymentProperties describes a user's billing state, optionally minting
// a fresh card-setup secret (creating the gateway customer lazily).
func (e *Engine) PaymentProperties(ctx context.Context, username string, newClientSecret bool, now time.Time) (PaymentProperties, error) {
	rec, err := e.store.GetUser(ctx, username)
	if err != nil {
		return PaymentProperties{}, err
	}

	props := PaymentProperties{
		PortalURL:         e.cfg.PortalURL,
		FreeQuotaBytes:    rec.FreeQuotaBytes,
		DesiredQuotaBytes: rec.DesiredQuotaBytes,
		LastError:         rec.LastError,
	}
	if !newClientSecret {
		return props, nil
	}

	customer, err := e.ensureCustomer(ctx, rec)
	if err != nil {
		return PaymentProperties{}, err
	}
	intent, err := e.bank.CreateSetupIntent(ctx, customer)
	if err != nil {
		return PaymentProperties{}, fmt.Errorf("creating setup intent for %s: %w", username, err)
	}
	props.ClientSecret = intent.ClientSecret
	return props, nil
}

func (e *Engine) ensureCustomer(ctx context.Context, rec ledger.UserRecord) (gateway.Customer, error) {
	if rec.CustomerID != "" {
		return gateway.Customer{ID: rec.CustomerID}, nil
	}
	customer, err := e.bank.CreateCustomer(ctx, rec.Username)
	if err != nil {
		return gateway.Customer{}, fmt.Errorf("creating customer for %s: %w", rec.Username, err)
	}
	if err := e.store.SetCustomerID(ctx, rec.Username, customer.ID); err != nil {
		return gateway.Customer{}, err
	}
	return customer, nil
}

// PaymentHistory returns the recorded charge attempts for a user.
func (e *Engine) PaymentHistory(ctx context.Context, username string) ([]ledger.PaymentRecord, error) {
	return e.store.Payments(ctx, username)
}

// SettleUser reconciles one user's desired vs granted quota at time now.
func (e *Engine) SettleUser(ctx context.Context, username string, now time.Time) (Outcome, error) {
	lock := e.userLock(username)
	lock.Lock()
	defer lock.Unlock()
	return e.settleLocked(ctx, username, now)
}

// settleLocked runs the settlement steps in order: expire stale grants,
// check sufficiency, compute the amount owed, apply balance, then charge
// the gateway for any shortfall. Caller holds the user's lock.
func (e *Engine) settleLocked(ctx context.Context, username string, now time.Time) (outcome Outcome, err error) {
	defer func() { e.metrics.settlements.WithLabelValues(outcome.String()).Inc() }()

	rec, err := e.store.GetUser(ctx, username)
	if err != nil {
		return OutcomeErrored, err
	}

	current := rec.CurrentQuotaBytes
	if current > 0 && !now.Before(rec.QuotaExpiry.Add(-expiryGrace)) {
		current = 0
		if err := e.store.SetCurrentQuota(ctx, username, 0); err != nil {
			return OutcomeErrored, err
		}
	}

	if current >= rec.DesiredQuotaBytes {
		return OutcomeSettled, nil
	}

	toPay, err := e.amountOwed(rec, current)
	if err != nil {
		return OutcomeErrored, fmt.Errorf("pricing quota for %s: %w", username, err)
	}

	// A previous overpayment renews the grant silently.
	if toPay > 0 && rec.BalanceCents >= toPay {
		newBalance, err := rec.BalanceCents.Sub(toPay)
		if err != nil {
			return OutcomeErrored, err
		}
		if err := e.store.SetBalance(ctx, username, newBalance); err != nil {
			return OutcomeErrored, err
		}
		return e.grant(ctx, rec, now)
	}

	// Reserved no-cost tier: grant without touching the gateway.
	if toPay == 0 && rec.DesiredQuotaBytes <= FreeTierMaxBytes {
		return e.grant(ctx, rec, now)
	}

	remaining := toPay
	if rec.BalanceCents > 0 {
		remaining, err = toPay.Sub(rec.BalanceCents)
		if err != nil {
			return OutcomeErrored, err
		}
	}
	return e.charge(ctx, rec, remaining, now)
}

// amountOwed computes step 3 of the settlement: the full (grandfathered)
// price when starting from zero, the incremental price on an upgrade.
func (e *Engine) amountOwed(rec ledger.UserRecord, current units.ByteCount) (units.CentAmount, error) {
	if current == 0 {
		if rec.DesiredQuotaBytes == rec.PricedQuotaBytes && rec.CurrentPriceCents > 0 {
			// Renewal of an already-purchased level keeps the price the
			// user originally paid, whatever the table says today.
			return rec.CurrentPriceCents, nil
		}
		return e.pricer.Cost(rec.DesiredQuotaBytes)
	}

	cost, err := e.pricer.Cost(rec.DesiredQuotaBytes)
	if err != nil {
		return 0, err
	}
	owed, err := cost.Sub(rec.CurrentPriceCents)
	if errors.Is(err, units.ErrNegative) {
		// The table now prices the target below what was already paid;
		// nothing further is owed (no refunds).
		return 0, nil
	}
	return owed, err
}

// grant marks the desired quota as paid for, freezing the price for the
// new level and extending the expiry one month.
func (e *Engine) grant(ctx context.Context, rec ledger.UserRecord, now time.Time) (Outcome, error) {
	username := rec.Username
	if rec.DesiredQuotaBytes != rec.PricedQuotaBytes {
		price, err := e.pricer.Cost(rec.DesiredQuotaBytes)
		if err != nil {
			return OutcomeErrored, err
		}
		if err := e.store.SetCurrentPrice(ctx, username, price, rec.DesiredQuotaBytes); err != nil {
			return OutcomeErrored, err
		}
	}
	if err := e.store.SetCurrentQuota(ctx, username, rec.DesiredQuotaBytes); err != nil {
		return OutcomeErrored, err
	}
	if err := e.store.SetQuotaExpiry(ctx, username, now.AddDate(0, 1, 0)); err != nil {
		return OutcomeErrored, err
	}
	if rec.LastError != "" {
		if err := e.store.ClearLastError(ctx, username); err != nil {
			return OutcomeErrored, err
		}
	}
	e.logger.Info("quota granted",
		zap.String("username", username),
		zap.Int64("quota_bytes", rec.DesiredQuotaBytes.Int64()))
	return OutcomeSettled, nil
}

// charge takes a payment for the remaining shortfall, never below the
// configured minimum; the excess is banked as balance.
func (e *Engine) charge(ctx context.Context, rec ledger.UserRecord, remaining units.CentAmount, now time.Time) (Outcome, error) {
	username := rec.Username
	toCharge := e.cfg.MinPaymentCents.Max(remaining)

	customer, err := e.ensureCustomer(ctx, rec)
	if err != nil {
		e.metrics.charges.WithLabelValues("errored").Inc()
		return OutcomeErrored, err
	}

	result, err := e.bank.Charge(ctx, customer, toCharge, e.cfg.Currency, now, rec.DesiredQuotaBytes)
	if errors.Is(err, gateway.ErrNoPaymentMethod) {
		e.metrics.charges.WithLabelValues("declined").Inc()
		if err := e.store.SetLastError(ctx, username, "no payment method on file"); err != nil {
			return OutcomeErrored, err
		}
		return OutcomeDeclined, nil
	}
	if err != nil {
		// The charge's fate is unknown: never grant on ambiguity.
		e.metrics.charges.WithLabelValues("errored").Inc()
		return OutcomeErrored, fmt.Errorf("charging %s: %w", username, err)
	}

	if err := e.store.AddPayment(ctx, username, ledger.PaymentRecord{
		AmountCents:   result.AmountCents,
		Currency:      result.Currency,
		Time:          result.Time,
		ForQuotaBytes: result.ForQuotaBytes,
		FailureReason: result.FailureReason,
	}); err != nil {
		return OutcomeErrored, err
	}

	if !result.Succeeded() {
		e.metrics.charges.WithLabelValues("declined").Inc()
		e.logger.Warn("charge declined",
			zap.String("username", username),
			zap.String("reason", result.FailureReason))
		if err := e.store.SetLastError(ctx, username, result.FailureReason); err != nil {
			return OutcomeErrored, err
		}
		return OutcomeDeclined, nil
	}

	e.metrics.charges.WithLabelValues("succeeded").Inc()
	newBalance, err := toCharge.Sub(remaining)
	if err != nil {
		return OutcomeErrored, err
	}
	if err := e.store.SetBalance(ctx, username, newBalance); err != nil {
		return OutcomeErrored, err
	}
	return e.grant(ctx, rec, now)
}

// SettleAll runs the settlement for every registered user, isolating
// failures per user and retrying recoverable errors with a short
// increasing backoff.
func (e *Engine) SettleAll(ctx context.Context, now time.Time) (BatchReport, error) {
	start := time.Now()
	usernames, err := e.store.ListUsernames(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("listing users for settlement: %w", err)
	}

	var report BatchReport
	for _, username := range usernames {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch e.settleWithRetry(ctx, username, now) {
		case OutcomeSettled:
			report.Settled++
		case OutcomeDeclined:
			report.Declined++
		case OutcomeErrored:
			report.Errored++
		}
	}
	report.Duration = time.Since(start)

	e.metrics.batchDuration.Observe(report.Duration.Seconds())
	e.logger.Info("settlement batch finished",
		zap.Int("settled", report.Settled),
		zap.Int("declined", report.Declined),
		zap.Int("errored", report.Errored),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (e *Engine) settleWithRetry(ctx context.Context, username string, now time.Time) Outcome {
	var outcome Outcome
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		var err error
		outcome, err = e.SettleUser(ctx, username, now)
		if err != nil {
			e.logger.Error("settlement failed",
				zap.String("username", username),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		// Declines are final for this cycle; only transient errors retry.
		if outcome != OutcomeErrored {
			return outcome
		}
		if attempt < e.cfg.RetryAttempts {
			select {
			case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return outcome
			}
		}
	}
	return outcome
}
