//go:build !integration

package api_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/domain/ports/repository"
	"catalog-billing/internal/infra/api"
	"catalog-billing/internal/infra/i18n"
	"catalog-billing/internal/usecase"
)

//
// ---------------- use-case fakes ----------------
//

type fakePaymentUC struct {
	mu sync.Mutex

	CreateFunc   func(req usecase.CreateIntentRequest) (*usecase.IntentResult, error)
	ApplyFunc    func(ev model.ProviderEvent) (*model.EventOutcome, error)
	ConfirmErr   error
	PreApplyErr  error
	VerifyErr    error
	PayableErr   error
	FindFunc     func(ext string) (*model.PaymentTransaction, error)
	StatementTxs []*model.PaymentTransaction
	Tx           *model.PaymentTransaction

	createReqs []usecase.CreateIntentRequest
	events     []model.ProviderEvent
}

var _ usecase.PaymentUseCase = (*fakePaymentUC)(nil)

func newFakePaymentUC() *fakePaymentUC {
	now := time.Now().UTC()
	return &fakePaymentUC{Tx: &model.PaymentTransaction{
		ID:               "tx-1",
		MerchantTransID:  "01jorder",
		UserID:           "user-1",
		PaymentMethod:    model.MethodClick,
		OriginalAmount:   100000,
		FinalAmount:      100000,
		Currency:         "UZS",
		Status:           model.TransactionPending,
		EntitlementState: model.EntitlementNone,
		CreatedAt:        now,
	}}
}

func (f *fakePaymentUC) CreateIntent(_ context.Context, req usecase.CreateIntentRequest) (*usecase.IntentResult, error) {
	f.mu.Lock()
	f.createReqs = append(f.createReqs, req)
	f.mu.Unlock()
	if f.CreateFunc != nil {
		return f.CreateFunc(req)
	}
	return &usecase.IntentResult{Transaction: f.Tx, PaymentURL: "https://pay.example/" + f.Tx.MerchantTransID}, nil
}

func (f *fakePaymentUC) PreApply(context.Context, string, string, adapter.CardDetails) (*model.PaymentTransaction, error) {
	if f.PreApplyErr != nil {
		return nil, f.PreApplyErr
	}
	return f.Tx, nil
}

func (f *fakePaymentUC) ConfirmOTP(context.Context, string, string, string) (*model.PaymentTransaction, error) {
	if f.ConfirmErr != nil {
		return nil, f.ConfirmErr
	}
	return f.Tx, nil
}

func (f *fakePaymentUC) ApplyEvent(_ context.Context, ev model.ProviderEvent) (*model.EventOutcome, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.ApplyFunc != nil {
		return f.ApplyFunc(ev)
	}
	return &model.EventOutcome{Transaction: f.Tx, Applied: true}, nil
}

func (f *fakePaymentUC) ApplyTrusted(ctx context.Context, ev model.ProviderEvent) (*model.EventOutcome, error) {
	return f.ApplyEvent(ctx, ev)
}

func (f *fakePaymentUC) CancelStale(context.Context, string, int) (bool, error) { return false, nil }

func (f *fakePaymentUC) VerifyCallback(model.PaymentMethod, model.SignedPayload) error {
	return f.VerifyErr
}

func (f *fakePaymentUC) CheckPayable(context.Context, model.PaymentMethod, string, int64) (*model.PaymentTransaction, error) {
	if f.PayableErr != nil {
		return nil, f.PayableErr
	}
	return f.Tx, nil
}

func (f *fakePaymentUC) FindByExternal(_ context.Context, _ model.PaymentMethod, ext string) (*model.PaymentTransaction, error) {
	if f.FindFunc != nil {
		return f.FindFunc(ext)
	}
	return f.Tx, nil
}

func (f *fakePaymentUC) Statement(context.Context, model.PaymentMethod, time.Time, time.Time) ([]*model.PaymentTransaction, error) {
	return f.StatementTxs, nil
}

func (f *fakePaymentUC) GetTransaction(_ context.Context, userID, id string) (*model.PaymentTransaction, error) {
	if id != f.Tx.ID || userID != f.Tx.UserID {
		return nil, domain.ErrTransactionNotFound
	}
	return f.Tx, nil
}

func (f *fakePaymentUC) Methods() []model.PaymentMethod {
	return []model.PaymentMethod{model.MethodAtmos, model.MethodClick, model.MethodPayme}
}

func (f *fakePaymentUC) Events() []model.ProviderEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ProviderEvent(nil), f.events...)
}

type fakeRecoveryUC struct {
	RunErr   error
	Report   *usecase.SweepReport
	Pending  *usecase.PendingCheck
	Failures []*model.EntitlementFailure
	runs     int
}

var _ usecase.RecoveryUseCase = (*fakeRecoveryUC)(nil)

func (f *fakeRecoveryUC) Run(context.Context) (*usecase.SweepReport, error) {
	f.runs++
	if f.RunErr != nil {
		return nil, f.RunErr
	}
	return f.Report, nil
}
func (f *fakeRecoveryUC) SweepStuck(context.Context) (*usecase.SweepReport, error) {
	return f.Report, nil
}
func (f *fakeRecoveryUC) ReconcileEntitlements(context.Context, string) (int, error) { return 0, nil }
func (f *fakeRecoveryUC) ReconcileOrphans(context.Context) (int, error)              { return 0, nil }
func (f *fakeRecoveryUC) CheckPending(context.Context, string) (*usecase.PendingCheck, error) {
	return f.Pending, nil
}
func (f *fakeRecoveryUC) ListEntitlementFailures(context.Context, int) ([]*model.EntitlementFailure, error) {
	return f.Failures, nil
}

type fakeCouponUC struct {
	Quote *usecase.CouponQuote
}

var _ usecase.CouponUseCase = (*fakeCouponUC)(nil)

func (f *fakeCouponUC) Resolve(_ context.Context, code string, amount int64, _ time.Time) (*usecase.CouponQuote, error) {
	if f.Quote != nil {
		return f.Quote, nil
	}
	return &usecase.CouponQuote{Code: code, OriginalAmount: amount, FinalAmount: amount, Reason: usecase.CouponNotFound}, nil
}
func (f *fakeCouponUC) Claim(context.Context, repository.Tx, string) (bool, error) { return true, nil }
func (f *fakeCouponUC) RecordUsage(context.Context, repository.Tx, *model.PaymentTransaction) error {
	return nil
}

type fakeIdentity struct{}

func (fakeIdentity) GetUserByID(_ context.Context, id string) (*model.User, error) {
	return &model.User{ID: id, Tier: model.TierFree}, nil
}
func (fakeIdentity) GetUserByEmail(context.Context, string) (*model.User, error) {
	return nil, domain.ErrUserNotFound
}
func (fakeIdentity) UpdateUserMetadata(context.Context, string, map[string]interface{}) error {
	return nil
}
func (fakeIdentity) VerifyBearerToken(_ context.Context, token string) (*model.User, error) {
	if token != "user-1-token" {
		return nil, domain.ErrUnauthorized
	}
	return &model.User{ID: "user-1", Email: "u1@example.com", Tier: model.TierFree}, nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *fakeLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

//
// -------------------- test harness --------------------
//

const (
	userToken = "user-1-token"
	adminKey  = "admin-key"
	sbxSecret = "sandbox-secret"
)

type harness struct {
	pay     *fakePaymentUC
	rec     *fakeRecoveryUC
	coupons *fakeCouponUC
	handler http.Handler
}

func newTestLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

func newTestConfig() *config.Config {
	return &config.Config{
		HTTP:    config.HTTPConfig{Addr: ":0", RequestTimeout: 5 * time.Second, CreateLimit: 2, CreateWindow: time.Minute},
		Admin:   config.AdminConfig{APIKey: adminKey},
		Pricing: config.PricingConfig{Currency: "UZS", DefaultPrice: 100000},
		Payment: config.PaymentConfig{Sandbox: config.SandboxConfig{Enabled: true, SecretKey: sbxSecret, OTP: "111111"}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tr, err := i18n.NewTranslator(i18n.LocalesFS, "uz")
	if err != nil {
		t.Fatalf("translator: %v", err)
	}
	h := &harness{
		pay:     newFakePaymentUC(),
		rec:     &fakeRecoveryUC{Report: &usecase.SweepReport{}, Pending: &usecase.PendingCheck{}},
		coupons: &fakeCouponUC{},
	}
	srv := api.NewServer(h.pay, h.rec, h.coupons, fakeIdentity{}, &fakeLimiter{}, tr, newTestConfig(), newTestLogger())
	h.handler = srv.Routes()
	return h
}
