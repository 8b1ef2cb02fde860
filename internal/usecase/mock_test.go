//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/domain/ports/repository"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func cloneTx(t *model.PaymentTransaction) *model.PaymentTransaction {
	cp := *t
	cp.Metadata = make(map[string]interface{}, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func ptr[T any](v T) *T { return &v }

// =============================
// Repositories
// =============================

// ---- Mock TransactionRepository ----

type MockTransactionRepo struct {
	mu        sync.Mutex
	data      map[string]*model.PaymentTransaction
	claimedAt map[string]time.Time

	SaveErr  error
	FindFunc func(ctx context.Context, id string) (*model.PaymentTransaction, error)
	// UpdateFunc, when set, may refuse a status write with an error.
	UpdateFunc func(id string, expected, next model.TransactionStatus, f repository.TransitionFields) error
}

var _ repository.TransactionRepository = (*MockTransactionRepo)(nil)

func NewMockTransactionRepo() *MockTransactionRepo {
	return &MockTransactionRepo{data: map[string]*model.PaymentTransaction{}, claimedAt: map[string]time.Time{}}
}

// Put stores t as-is, bypassing Save's checks.
func (r *MockTransactionRepo) Put(t *model.PaymentTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[t.ID] = cloneTx(t)
}

// Get returns the stored row or nil.
func (r *MockTransactionRepo) Get(id string) *model.PaymentTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.data[id]; ok {
		return cloneTx(t)
	}
	return nil
}

func (r *MockTransactionRepo) All() []*model.PaymentTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.PaymentTransaction, 0, len(r.data))
	for _, t := range r.data {
		out = append(out, cloneTx(t))
	}
	return out
}

func (r *MockTransactionRepo) Save(ctx context.Context, tx repository.Tx, t *model.PaymentTransaction) error {
	if r.SaveErr != nil {
		return r.SaveErr
	}
	if !t.AmountsConsistent() {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.data {
		if e.ID == t.ID || e.MerchantTransID == t.MerchantTransID {
			return domain.ErrAlreadyExists
		}
	}
	r.data[t.ID] = cloneTx(t)
	return nil
}

func (r *MockTransactionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentTransaction, error) {
	if r.FindFunc != nil {
		return r.FindFunc(ctx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.data[id]; ok {
		return cloneTx(t), nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockTransactionRepo) find(match func(*model.PaymentTransaction) bool) (*model.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.data {
		if match(t) {
			return cloneTx(t), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockTransactionRepo) FindByMerchantTransID(ctx context.Context, tx repository.Tx, merchantTransID string) (*model.PaymentTransaction, error) {
	return r.find(func(t *model.PaymentTransaction) bool { return t.MerchantTransID == merchantTransID })
}

func (r *MockTransactionRepo) FindByExternalTransID(ctx context.Context, tx repository.Tx, method model.PaymentMethod, externalTransID string) (*model.PaymentTransaction, error) {
	return r.find(func(t *model.PaymentTransaction) bool {
		return t.PaymentMethod == method && t.External() == externalTransID
	})
}

func (r *MockTransactionRepo) ConditionalUpdateStatus(ctx context.Context, tx repository.Tx, id string, expected, next model.TransactionStatus, f repository.TransitionFields) (bool, error) {
	if err := model.CheckTransition(expected, next); err != nil {
		return false, err
	}
	if r.UpdateFunc != nil {
		if err := r.UpdateFunc(id, expected, next, f); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.data[id]
	if !ok || t.Status != expected {
		return false, nil
	}
	t.Status = next
	if f.ExternalTransID != nil {
		t.ExternalTransID = ptr(*f.ExternalTransID)
	}
	if f.PreparedAt != nil {
		t.PreparedAt = f.PreparedAt
	}
	if f.CompletedAt != nil {
		t.CompletedAt = f.CompletedAt
	}
	if f.CancelledAt != nil {
		t.CancelledAt = f.CancelledAt
	}
	if f.CancelReason != nil {
		t.CancelReason = f.CancelReason
	}
	if f.ErrorMessage != nil {
		t.ErrorMessage = f.ErrorMessage
	}
	if f.EntitlementState != nil {
		t.EntitlementState = *f.EntitlementState
	}
	for k, v := range f.Metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MockTransactionRepo) ClaimEntitlement(ctx context.Context, tx repository.Tx, id string, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.data[id]
	if !ok || t.Status != model.TransactionCompleted || t.EntitlementState != model.EntitlementPending {
		return false, nil
	}
	if at, held := r.claimedAt[id]; held && !at.Before(staleBefore) {
		return false, nil
	}
	r.claimedAt[id] = time.Now()
	return true, nil
}

func (r *MockTransactionRepo) MarkEntitlementApplied(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.data[id]
	if !ok || t.EntitlementState != model.EntitlementPending {
		return false, nil
	}
	t.EntitlementState = model.EntitlementApplied
	delete(r.claimedAt, id)
	return true, nil
}

// ReleaseClaim lets a test retry an upgrade without waiting out the lease.
func (r *MockTransactionRepo) ReleaseClaim(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimedAt, id)
}

func (r *MockTransactionRepo) list(match func(*model.PaymentTransaction) bool, less func(a, b *model.PaymentTransaction) bool, limit int) []*model.PaymentTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.PaymentTransaction
	for _, t := range r.data {
		if match(t) {
			out = append(out, cloneTx(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func hasStatus(statuses []model.TransactionStatus, s model.TransactionStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func (r *MockTransactionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, statuses []model.TransactionStatus, limit int) ([]*model.PaymentTransaction, error) {
	return r.list(
		func(t *model.PaymentTransaction) bool { return t.UserID == userID && hasStatus(statuses, t.Status) },
		func(a, b *model.PaymentTransaction) bool { return a.CreatedAt.After(b.CreatedAt) },
		limit), nil
}

func (r *MockTransactionRepo) ListStale(ctx context.Context, tx repository.Tx, statuses []model.TransactionStatus, olderThan time.Time, limit int) ([]*model.PaymentTransaction, error) {
	return r.list(
		func(t *model.PaymentTransaction) bool { return hasStatus(statuses, t.Status) && t.CreatedAt.Before(olderThan) },
		func(a, b *model.PaymentTransaction) bool { return a.CreatedAt.Before(b.CreatedAt) },
		limit), nil
}

func (r *MockTransactionRepo) ListEntitlementPending(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.PaymentTransaction, error) {
	return r.list(
		func(t *model.PaymentTransaction) bool {
			return t.Status == model.TransactionCompleted && t.EntitlementState == model.EntitlementPending &&
				(userID == "" || t.UserID == userID)
		},
		func(a, b *model.PaymentTransaction) bool { return a.CreatedAt.Before(b.CreatedAt) },
		limit), nil
}

func (r *MockTransactionRepo) ListPreparedBetween(ctx context.Context, tx repository.Tx, method model.PaymentMethod, from, to time.Time) ([]*model.PaymentTransaction, error) {
	return r.list(
		func(t *model.PaymentTransaction) bool {
			return t.PaymentMethod == method && t.PreparedAt != nil && !t.PreparedAt.Before(from) && !t.PreparedAt.After(to)
		},
		func(a, b *model.PaymentTransaction) bool { return a.PreparedAt.Before(*b.PreparedAt) },
		0), nil
}

// ---- Mock CouponRepository ----

type MockCouponRepo struct {
	mu   sync.Mutex
	data map[string]*model.Coupon

	FindErr error
}

var _ repository.CouponRepository = (*MockCouponRepo)(nil)

func NewMockCouponRepo() *MockCouponRepo {
	return &MockCouponRepo{data: map[string]*model.Coupon{}}
}

func (r *MockCouponRepo) Save(ctx context.Context, tx repository.Tx, c *model.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := *c
	cp.Code = model.NormalizeCouponCode(c.Code)
	r.data[c.ID] = &cp
	return nil
}

func (r *MockCouponRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.data[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockCouponRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.Coupon, error) {
	if r.FindErr != nil {
		return nil, r.FindErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.data {
		if strings.EqualFold(c.Code, code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockCouponRepo) IncrementUsage(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.data[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return false, nil
	}
	c.UsedCount++
	return true, nil
}

func (r *MockCouponRepo) UsedCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data[id].UsedCount
}

// ---- Mock CouponUsageRepository ----

type MockCouponUsageRepo struct {
	mu   sync.Mutex
	rows []*model.CouponUsage
}

var _ repository.CouponUsageRepository = (*MockCouponUsageRepo)(nil)

func (r *MockCouponUsageRepo) Save(ctx context.Context, tx repository.Tx, u *model.CouponUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *MockCouponUsageRepo) ListByCoupon(ctx context.Context, tx repository.Tx, couponID string) ([]*model.CouponUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CouponUsage
	for _, u := range r.rows {
		if u.CouponID == couponID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Mock EntitlementFailureRepository ----

type MockFailureRepo struct {
	mu   sync.Mutex
	data map[string]*model.EntitlementFailure
}

var _ repository.EntitlementFailureRepository = (*MockFailureRepo)(nil)

func NewMockFailureRepo() *MockFailureRepo {
	return &MockFailureRepo{data: map[string]*model.EntitlementFailure{}}
}

func (r *MockFailureRepo) Record(ctx context.Context, tx repository.Tx, f *model.EntitlementFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.data[f.TransactionID]; ok {
		e.Attempts++
		e.LastError = f.LastError
		e.ResolvedAt = nil
		return nil
	}
	cp := *f
	r.data[f.TransactionID] = &cp
	return nil
}

func (r *MockFailureRepo) Resolve(ctx context.Context, tx repository.Tx, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[transactionID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	e.ResolvedAt = &now
	return nil
}

func (r *MockFailureRepo) ListOpen(ctx context.Context, tx repository.Tx, limit int) ([]*model.EntitlementFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.EntitlementFailure
	for _, e := range r.data {
		if e.ResolvedAt == nil {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Mock OrphanRepository ----

type MockOrphanRepo struct {
	mu   sync.Mutex
	data []*model.OrphanNotification
}

var _ repository.OrphanRepository = (*MockOrphanRepo)(nil)

func (r *MockOrphanRepo) Save(ctx context.Context, tx repository.Tx, o *model.OrphanNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.data = append(r.data, &cp)
	return nil
}

func (r *MockOrphanRepo) ListUnresolved(ctx context.Context, tx repository.Tx, limit int) ([]*model.OrphanNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OrphanNotification
	for _, o := range r.data {
		if o.ResolvedAt == nil {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MockOrphanRepo) MarkResolved(ctx context.Context, tx repository.Tx, id, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.data {
		if o.ID == id {
			now := time.Now()
			o.ResolvedAt = &now
			o.TransactionID = &transactionID
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *MockOrphanRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// =============================
// Adapters
// =============================

// ---- Mock IdentityProvider ----

type MockIdentity struct {
	mu          sync.Mutex
	users       map[string]*model.User
	UpdateErr   error
	UpdateCalls int
}

var _ adapter.IdentityProvider = (*MockIdentity)(nil)

func NewMockIdentity(users ...*model.User) *MockIdentity {
	m := &MockIdentity{users: map[string]*model.User{}}
	for _, u := range users {
		if u.Tier == "" {
			u.Tier = model.TierFree
		}
		if u.Metadata == nil {
			u.Metadata = map[string]interface{}{}
		}
		m.users[u.ID] = u
	}
	return m
}

func (m *MockIdentity) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, domain.ErrUserNotFound
}

func (m *MockIdentity) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (m *MockIdentity) UpdateUserMetadata(ctx context.Context, id string, partial map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	u, ok := m.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	for k, v := range partial {
		u.Metadata[k] = v
	}
	u.Tier = model.TierFromMetadata(u.Metadata)
	return nil
}

func (m *MockIdentity) VerifyBearerToken(ctx context.Context, token string) (*model.User, error) {
	return m.GetUserByID(ctx, token)
}

func (m *MockIdentity) Tier(id string) model.Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].Tier
}

func (m *MockIdentity) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.UpdateCalls
}

// ---- Mock PaymentGateway ----

// MockGateway is a programmable provider. Unset funcs succeed.
type MockGateway struct {
	method model.PaymentMethod

	BadSignature bool
	TTL          time.Duration

	ReserveFunc   func(req adapter.ReserveRequest) (*adapter.Reservation, error)
	ChallengeFunc func(ref string, card adapter.CardDetails) (bool, error)
	CommitFunc    func(ref, proof string) (*adapter.Commitment, error)
	StatusFunc    func(ref string) (*adapter.ProviderStatus, error)

	mu       sync.Mutex
	reserved int
	reversed []string
}

var (
	_ adapter.PaymentGateway = (*MockGateway)(nil)
	_ adapter.StatusChecker  = (*MockGateway)(nil)
	_ adapter.Reverser       = (*MockGateway)(nil)
	_ adapter.PrepareExpirer = (*MockGateway)(nil)
)

func NewMockGateway(method model.PaymentMethod) *MockGateway {
	return &MockGateway{method: method}
}

func (g *MockGateway) Method() model.PaymentMethod { return g.method }

func (g *MockGateway) Reserve(ctx context.Context, req adapter.ReserveRequest) (*adapter.Reservation, error) {
	g.mu.Lock()
	g.reserved++
	g.mu.Unlock()
	if g.ReserveFunc != nil {
		return g.ReserveFunc(req)
	}
	return &adapter.Reservation{OK: true, PaymentURL: "https://pay.example/" + req.MerchantTransID}, nil
}

func (g *MockGateway) Challenge(ctx context.Context, ref string, card adapter.CardDetails) (bool, error) {
	if g.ChallengeFunc != nil {
		return g.ChallengeFunc(ref, card)
	}
	return true, nil
}

func (g *MockGateway) Commit(ctx context.Context, ref, proof string) (*adapter.Commitment, error) {
	if g.CommitFunc != nil {
		return g.CommitFunc(ref, proof)
	}
	return &adapter.Commitment{Confirmed: true}, nil
}

func (g *MockGateway) VerifySignature(p model.SignedPayload) bool { return !g.BadSignature }

func (g *MockGateway) QueryStatus(ctx context.Context, ref string) (*adapter.ProviderStatus, error) {
	if g.StatusFunc != nil {
		return g.StatusFunc(ref)
	}
	return &adapter.ProviderStatus{State: model.TransactionProcessing}, nil
}

func (g *MockGateway) Reverse(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reversed = append(g.reversed, ref)
	return nil
}

func (g *MockGateway) PrepareTTL() time.Duration { return g.TTL }

func (g *MockGateway) Reserved() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserved
}

func (g *MockGateway) Reversed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.reversed...)
}

// ---- Mock Notifier ----

type MockNotifier struct {
	mu      sync.Mutex
	notices []model.PaymentNotice
}

var _ adapter.Notifier = (*MockNotifier)(nil)

func (n *MockNotifier) Notify(ctx context.Context, notice model.PaymentNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *MockNotifier) Kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, x := range n.notices {
		out = append(out, x.Kind)
	}
	return out
}

// =============================
// Infra helpers for tests
// =============================

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx runs fn immediately with NoTX unless WithTxFunc is set. Nothing is
// rolled back.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// ---- In-memory Locker ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	ErrOn map[string]error
}

var _ adapter.Locker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}, ErrOn: map[string]error{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, bad := l.ErrOn[key]; bad {
		return "", err
	}
	if tok, ok := l.held[key]; ok && tok != "" {
		return "", adapter.ErrLockHeld
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		return nil
	}
	return errors.New("unlock token mismatch")
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}
