package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Peergos/payments/internal/units"
)

// MemoryStore keeps all records in process memory. Used in tests and for
// running the server without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*UserRecord
	payments map[string][]PaymentRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*UserRecord),
		payments: make(map[string][]PaymentRecord),
	}
}

func (s *MemoryStore) EnsureUser(_ context.Context, username string, freeBytes units.ByteCount, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return nil
	}
	s.users[username] = &UserRecord{
		Username:       username,
		FreeQuotaBytes: freeBytes,
		QuotaExpiry:    now,
	}
	return nil
}

func (s *MemoryStore) HasUser(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok, nil
}

func (s *MemoryStore) UserCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

func (s *MemoryStore) ListUsernames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[username]
	if !ok {
		return UserRecord{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return *rec, nil
}

func (s *MemoryStore) update(username string, fn func(*UserRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	fn(rec)
	return nil
}

func (s *MemoryStore) SetCustomerID(_ context.Context, username, customerID string) error {
	return s.update(username, func(r *UserRecord) { r.CustomerID = customerID })
}

func (s *MemoryStore) SetDesiredQuota(_ context.Context, username string, quota units.ByteCount) error {
	return s.update(username, func(r *UserRecord) { r.DesiredQuotaBytes = quota })
}

func (s *MemoryStore) SetCurrentQuota(_ context.Context, username string, quota units.ByteCount) error {
	return s.update(username, func(r *UserRecord) { r.CurrentQuotaBytes = quota })
}

func (s *MemoryStore) SetCurrentPrice(_ context.Context, username string, price units.CentAmount, forQuota units.ByteCount) error {
	return s.update(username, func(r *UserRecord) {
		r.CurrentPriceCents = price
		r.PricedQuotaBytes = forQuota
	})
}

func (s *MemoryStore) SetBalance(_ context.Context, username string, balance units.CentAmount) error {
	return s.update(username, func(r *UserRecord) { r.BalanceCents = balance })
}

func (s *MemoryStore) SetFreeQuota(_ context.Context, username string, quota units.ByteCount) error {
	return s.update(username, func(r *UserRecord) { r.FreeQuotaBytes = quota })
}

func (s *MemoryStore) SetQuotaExpiry(_ context.Context, username string, expiry time.Time) error {
	return s.update(username, func(r *UserRecord) { r.QuotaExpiry = expiry })
}

func (s *MemoryStore) SetLastError(_ context.Context, username, message string) error {
	return s.update(username, func(r *UserRecord) { r.LastError = message })
}

func (s *MemoryStore) ClearLastError(_ context.Context, username string) error {
	return s.update(username, func(r *UserRecord) { r.LastError = "" })
}

func (s *MemoryStore) AddPayment(_ context.Context, username string, payment PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	s.payments[username] = append(s.payments[username], payment)
	return nil
}

func (s *MemoryStore) Payments(_ context.Context, username string) ([]PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[username]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	out := make([]PaymentRecord, len(s.payments[username]))
	copy(out, s.payments[username])
	return out, nil
}
