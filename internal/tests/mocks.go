package tests

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"dealerpay/internal/domain"
	"dealerpay/internal/provider"
	"dealerpay/internal/repository"
)

// ──────────────────────────────────────────────
// MOCK PAYMENT REPOSITORY
// ──────────────────────────────────────────────

// MockPaymentRepository is an in-memory PaymentRepository with compare-and-set updates.
type MockPaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*domain.Payment

	// Counters for verification
	CreateCallCount        int32
	UpdateCallCount        int32
	MarkActivatedCallCount int32

	// Error injection
	CreateError        error
	UpdateError        error
	GetError           error
	MarkActivatedError error

	// BeforeUpdate runs before the guard is checked, outside the lock.
	BeforeUpdate func(id string)
}

// NewMockPaymentRepository creates a new mock payment repository.
func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{
		payments: make(map[string]*domain.Payment),
	}
}

// AddPayment adds a payment to the mock repository.
func (m *MockPaymentRepository) AddPayment(p *domain.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
}

// Count returns the number of stored payments.
func (m *MockPaymentRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payments)
}

// All returns copies of every stored payment.
func (m *MockPaymentRepository) All() []*domain.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Age moves a payment's timestamps into the past.
func (m *MockPaymentRepository) Age(id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[id]; ok {
		p.CreatedAt = p.CreatedAt.Add(-by)
		p.UpdatedAt = p.UpdatedAt.Add(-by)
	}
}

func (m *MockPaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	atomic.AddInt32(&m.CreateCallCount, 1)
	if m.CreateError != nil {
		return m.CreateError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IdempotencyKey != "" {
		for _, existing := range m.payments {
			if existing.UserID == p.UserID && existing.IdempotencyKey == p.IdempotencyKey {
				return repository.ErrDuplicate
			}
		}
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MockPaymentRepository) UpdateIfStatus(ctx context.Context, id string, expected domain.PaymentStatus, patch domain.PaymentPatch) (*domain.Payment, error) {
	atomic.AddInt32(&m.UpdateCallCount, 1)
	if m.BeforeUpdate != nil {
		m.BeforeUpdate(id)
	}
	if m.UpdateError != nil {
		return nil, m.UpdateError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if p.Status != expected {
		return nil, repository.ErrStaleStatus
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.ProviderReference != nil && *patch.ProviderReference != "" {
		p.ProviderReference = *patch.ProviderReference
	}
	if patch.RedirectURL != nil && *patch.RedirectURL != "" {
		p.RedirectURL = *patch.RedirectURL
	}
	if patch.MerchantRequestID != nil && *patch.MerchantRequestID != "" {
		p.MerchantRequestID = *patch.MerchantRequestID
	}
	if patch.FailureReason != nil && *patch.FailureReason != "" {
		p.FailureReason = *patch.FailureReason
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	// Return a copy to avoid mutation issues.
	cp := *p
	return &cp, nil
}

func (m *MockPaymentRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Payment, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.UserID == userID && p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockPaymentRepository) GetByProviderReference(ctx context.Context, kind domain.ProviderKind, reference string) (*domain.Payment, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.Provider == kind && p.ProviderReference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MockPaymentRepository) ListStale(ctx context.Context, f repository.StaleFilter) ([]*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Payment
	for _, p := range m.payments {
		if f.Provider != "" && p.Provider != f.Provider {
			continue
		}
		if !containsStatus(f.Statuses, p.Status) {
			continue
		}
		if !p.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if !f.CreatedAfter.IsZero() && p.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		if f.PendingActivation && !p.ActivatedAt.IsZero() {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MockPaymentRepository) MarkActivated(ctx context.Context, id string, at time.Time) error {
	atomic.AddInt32(&m.MarkActivatedCallCount, 1)
	if m.MarkActivatedError != nil {
		return m.MarkActivatedError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.ActivatedAt.IsZero() {
		p.ActivatedAt = at
	}
	return nil
}

func containsStatus(list []domain.PaymentStatus, s domain.PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ repository.PaymentRepository = (*MockPaymentRepository)(nil)

// ──────────────────────────────────────────────
// MOCK PROVIDER ADAPTER
// ──────────────────────────────────────────────

// MockAdapter is a scripted provider adapter.
type MockAdapter struct {
	kind domain.ProviderKind

	mu       sync.Mutex
	errs     []error
	handle   *domain.ProviderHandle
	requests []provider.InitiateRequest

	InitiateCallCount int32
}

// NewMockCardAdapter returns an adapter producing a redirect handle.
func NewMockCardAdapter() *MockAdapter {
	return &MockAdapter{
		kind: domain.ProviderCard,
		handle: &domain.ProviderHandle{
			Kind:        domain.HandleRedirect,
			ExternalID:  "cs_test_1",
			RedirectURL: "https://checkout.stripe.com/c/pay/cs_test_1",
		},
	}
}

// NewMockMobileMoneyAdapter returns an adapter producing a push handle.
func NewMockMobileMoneyAdapter() *MockAdapter {
	return &MockAdapter{
		kind: domain.ProviderMobileMoney,
		handle: &domain.ProviderHandle{
			Kind:              domain.HandlePush,
			ExternalID:        "ws_CO_1",
			CheckoutRequestID: "ws_CO_1",
			MerchantRequestID: "29115-1",
		},
	}
}

// FailWith makes the next len(errs) calls fail in order.
func (m *MockAdapter) FailWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Requests returns the requests received so far.
func (m *MockAdapter) Requests() []provider.InitiateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.InitiateRequest(nil), m.requests...)
}

func (m *MockAdapter) Kind() domain.ProviderKind { return m.kind }

func (m *MockAdapter) Initiate(ctx context.Context, req provider.InitiateRequest) (*domain.ProviderHandle, error) {
	atomic.AddInt32(&m.InitiateCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	h := *m.handle
	return &h, nil
}

// ──────────────────────────────────────────────
// MOCK STATUS QUERIER
// ──────────────────────────────────────────────

// MockStatusQuerier answers status queries from a map.
type MockStatusQuerier struct {
	mu       sync.Mutex
	outcomes map[string]domain.Outcome
}

func NewMockStatusQuerier() *MockStatusQuerier {
	return &MockStatusQuerier{outcomes: make(map[string]domain.Outcome)}
}

func (m *MockStatusQuerier) Set(reference string, o domain.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[reference] = o
}

func (m *MockStatusQuerier) QueryStatus(ctx context.Context, reference string) (domain.Outcome, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[reference]
	if !ok {
		return domain.OutcomeProcessing, "", nil
	}
	return o, "queried", nil
}

// ──────────────────────────────────────────────
// MOCK LISTING ACTIVATOR
// ──────────────────────────────────────────────

// MockActivator is a testify mock for ListingActivator.
type MockActivator struct {
	mock.Mock
}

func (m *MockActivator) Activate(ctx context.Context, a domain.ListingActivation) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

// ──────────────────────────────────────────────
// MOCK LOCKER
// ──────────────────────────────────────────────

// MockLocker is an in-process Locker.
type MockLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]string)}
}

func (m *MockLocker) Hold(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = "other"
}

func (m *MockLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[name]; ok {
		return "", false, nil
	}
	m.held[name] = "token-" + name
	return "token-" + name, true, nil
}

func (m *MockLocker) Release(ctx context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[name] == token {
		delete(m.held, name)
	}
	return nil
}
