// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/domain/ports/repository"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

// errRaced means a conditional transition lost to a concurrent writer; the
// event is re-evaluated against the fresh row.
var errRaced = errors.New("transition raced")

const maxApplyAttempts = 3

type CreateIntentRequest struct {
	UserID     string
	Method     string
	Amount     int64 // 0 means the configured price
	CouponCode string
	ReturnURL  string
	Lang       string
}

type IntentResult struct {
	Transaction  *model.PaymentTransaction
	PaymentURL   string
	FullDiscount bool
	Upgraded     bool
	Quote        *CouponQuote
}

// PaymentUseCase owns the transaction lifecycle. It is the only writer of the
// completed status.
type PaymentUseCase interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*IntentResult, error)
	// PreApply sends the card to a card-OTP provider, which texts a code.
	PreApply(ctx context.Context, userID, transactionID string, card adapter.CardDetails) (*model.PaymentTransaction, error)
	// ConfirmOTP commits a card-OTP transaction.
	ConfirmOTP(ctx context.Context, userID, transactionID, otp string) (*model.PaymentTransaction, error)

	// ApplyEvent authenticates and applies a provider notification.
	ApplyEvent(ctx context.Context, ev model.ProviderEvent) (*model.EventOutcome, error)
	// ApplyTrusted applies an event produced by this service itself, such as
	// the result of a provider status query.
	ApplyTrusted(ctx context.Context, ev model.ProviderEvent) (*model.EventOutcome, error)
	// CancelStale cancels a pending or processing transaction; it never touches completed ones.
	CancelStale(ctx context.Context, id string, reason int) (bool, error)

	VerifyCallback(method model.PaymentMethod, p model.SignedPayload) error
	CheckPayable(ctx context.Context, method model.PaymentMethod, merchantTransID string, amount int64) (*model.PaymentTransaction, error)
	FindByExternal(ctx context.Context, method model.PaymentMethod, externalTransID string) (*model.PaymentTransaction, error)
	Statement(ctx context.Context, method model.PaymentMethod, from, to time.Time) ([]*model.PaymentTransaction, error)
	GetTransaction(ctx context.Context, userID, id string) (*model.PaymentTransaction, error)
	Methods() []model.PaymentMethod
}

type paymentUC struct {
	txns         repository.TransactionRepository
	coupons      CouponUseCase
	entitlements EntitlementUseCase
	orphans      repository.OrphanRepository
	identity     adapter.IdentityProvider
	gateways     adapter.GatewaySet
	notifier     adapter.Notifier
	tm           repository.TransactionManager
	pricing      config.PricingConfig
	timeout      time.Duration
	log          *zerolog.Logger
	now          func() time.Time
}

func NewPaymentUseCase(
	txns repository.TransactionRepository,
	coupons CouponUseCase,
	entitlements EntitlementUseCase,
	orphans repository.OrphanRepository,
	identity adapter.IdentityProvider,
	gateways adapter.GatewaySet,
	notifier adapter.Notifier,
	tm repository.TransactionManager,
	pricing config.PricingConfig,
	providerTimeout time.Duration,
	logger *zerolog.Logger,
) *paymentUC {
	if providerTimeout <= 0 {
		providerTimeout = 15 * time.Second
	}
	return &paymentUC{
		txns:         txns,
		coupons:      coupons,
		entitlements: entitlements,
		orphans:      orphans,
		identity:     identity,
		gateways:     gateways,
		notifier:     notifier,
		tm:           tm,
		pricing:      pricing,
		timeout:      providerTimeout,
		log:          logger,
		now:          time.Now,
	}
}

func (u *paymentUC) Methods() []model.PaymentMethod { return u.gateways.Methods() }

// providerCtx detaches provider calls from the caller: a client hanging up
// must not abort a call that may already have moved money.
func (u *paymentUC) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
}

// ---------------------------------------------------------------------------
// Intent creation
// ---------------------------------------------------------------------------

func (u *paymentUC) CreateIntent(ctx context.Context, req CreateIntentRequest) (*IntentResult, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.CreateIntent")()

	amount := req.Amount
	if amount == 0 {
		amount = u.pricing.DefaultPrice
	}
	if amount != u.pricing.DefaultPrice {
		return nil, domain.ErrInvalidArgument
	}

	user, err := u.identity.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.IsPaid() {
		return nil, domain.ErrAlreadyPaid
	}

	now := u.now()
	quote, err := u.coupons.Resolve(ctx, req.CouponCode, amount, now)
	if err != nil {
		return nil, err
	}

	if quote.FullDiscount() {
		res, err := u.fastPath(ctx, user, quote)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errCouponTaken) {
			return nil, err
		}
		// Lost the last use to a concurrent redemption: charge full price.
		quote = quote.withoutDiscount(CouponExhausted)
	}

	method, err := model.ParsePaymentMethod(req.Method)
	if err != nil {
		return nil, err
	}
	gw, ok := u.gateways.Get(method)
	if !ok {
		return nil, domain.ErrMethodUnavailable
	}

	t, err := model.NewPaymentTransaction(user.ID, user.Email, method, quote.OriginalAmount, quote.DiscountAmount, u.pricing.Currency)
	if err != nil {
		return nil, err
	}
	if quote.Applied() {
		t.CouponID = &quote.Coupon.ID
		t.Metadata["coupon_code"] = quote.Code
	}
	if req.Lang != "" {
		t.Metadata["lang"] = req.Lang
	}
	if err := u.txns.Save(ctx, repository.NoTX, t); err != nil {
		return nil, err
	}
	metrics.IncTransaction(string(method), string(model.TransactionPending))

	log := u.log.With().Str("transaction_id", t.ID).Str("user_id", t.UserID).Str("method", string(method)).Logger()

	pctx, cancel := u.providerCtx(ctx)
	defer cancel()
	res, err := gw.Reserve(pctx, adapter.ReserveRequest{
		MerchantTransID: t.MerchantTransID,
		Amount:          t.FinalAmount,
		Description:     u.pricing.Description,
		ReturnURL:       req.ReturnURL,
		Lang:            req.Lang,
	})
	if err == nil && (res == nil || !res.OK) {
		err = &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: "reserve", Detail: "provider declined reservation"}
	}
	if err != nil {
		log.Warn().Err(err).Msg("provider reservation failed")
		u.markFailed(ctx, t, err.Error())
		return nil, err
	}

	if res.ProviderRef != "" {
		ref := res.ProviderRef
		f := repository.TransitionFields{ExternalTransID: &ref, Metadata: map[string]interface{}{"reserve": res.Raw}}
		if _, err := u.txns.ConditionalUpdateStatus(ctx, repository.NoTX, t.ID, model.TransactionPending, model.TransactionPending, f); err != nil {
			log.Error().Err(err).Str("provider_ref", ref).Msg("failed to store provider reference")
			u.markFailed(ctx, t, "provider reference not stored: "+err.Error())
			u.release(ctx, gw, ref)
			return nil, err
		}
		t.ExternalTransID = &ref
	}
	log.Info().Int64("amount", t.FinalAmount).Bool("coupon", quote.Applied()).Msg("payment intent created")

	return &IntentResult{Transaction: t, PaymentURL: res.PaymentURL, Quote: quote}, nil
}

var errCouponTaken = errors.New("coupon uses exhausted")

// fastPath completes a fully discounted purchase without any gateway. The
// coupon use is claimed first so an exhausted coupon leaves nothing behind.
func (u *paymentUC) fastPath(ctx context.Context, user *model.User, quote *CouponQuote) (*IntentResult, error) {
	t, err := model.NewPaymentTransaction(user.ID, user.Email, model.MethodCoupon, quote.OriginalAmount, quote.DiscountAmount, u.pricing.Currency)
	if err != nil {
		return nil, err
	}
	now := u.now().UTC()
	t.CouponID = &quote.Coupon.ID
	t.Status = model.TransactionCompleted
	t.CompletedAt = &now
	t.EntitlementState = model.EntitlementPending
	t.Metadata["coupon_code"] = quote.Code

	err = u.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		claimed, err := u.coupons.Claim(ctx, tx, quote.Coupon.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return errCouponTaken
		}
		if err := u.txns.Save(ctx, tx, t); err != nil {
			return err
		}
		return u.coupons.RecordUsage(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncTransaction(string(model.MethodCoupon), string(model.TransactionCompleted))
	u.log.Info().Str("transaction_id", t.ID).Str("user_id", t.UserID).Str("coupon", quote.Code).Msg("full discount applied")

	upgraded, uerr := u.entitlements.Upgrade(ctx, t)
	if uerr != nil {
		u.log.Error().Err(uerr).Str("transaction_id", t.ID).Msg("upgrade after full discount deferred to recovery")
	}
	if upgraded {
		t.EntitlementState = model.EntitlementApplied
	}
	u.notify(ctx, "succeeded", t)
	return &IntentResult{Transaction: t, FullDiscount: true, Upgraded: upgraded, Quote: quote}, nil
}

// ---------------------------------------------------------------------------
// Card + OTP flow
// ---------------------------------------------------------------------------

func (u *paymentUC) ownedTransaction(ctx context.Context, userID, id string) (*model.PaymentTransaction, adapter.PaymentGateway, error) {
	t, err := u.GetTransaction(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	gw, ok := u.gateways.Get(t.PaymentMethod)
	if !ok {
		return nil, nil, domain.ErrMethodUnavailable
	}
	return t, gw, nil
}

func (u *paymentUC) PreApply(ctx context.Context, userID, transactionID string, card adapter.CardDetails) (*model.PaymentTransaction, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.PreApply")()

	t, gw, err := u.ownedTransaction(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case model.TransactionPending, model.TransactionProcessing:
	case model.TransactionCompleted:
		return nil, domain.ErrAlreadyPaid
	default:
		return nil, domain.ErrTransactionCancelled
	}
	ref := t.External()
	if ref == "" {
		return nil, domain.ErrNotPrepared
	}

	pctx, cancel := u.providerCtx(ctx)
	defer cancel()
	sent, err := gw.Challenge(pctx, ref, card)
	if err != nil {
		u.failIfFinal(ctx, t, err)
		return nil, err
	}
	if !sent {
		return nil, domain.ErrMethodUnavailable
	}

	if t.Status == model.TransactionPending {
		out, err := u.ApplyTrusted(ctx, model.ProviderEvent{
			Method:          t.PaymentMethod,
			Kind:            model.EventPrepare,
			MerchantTransID: t.MerchantTransID,
			ExternalTransID: ref,
			Amount:          t.FinalAmount,
			HasAmount:       true,
			ReceivedAt:      u.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		t = out.Transaction
	}
	return t, nil
}

func (u *paymentUC) ConfirmOTP(ctx context.Context, userID, transactionID, otp string) (*model.PaymentTransaction, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.ConfirmOTP")()

	t, gw, err := u.ownedTransaction(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case model.TransactionProcessing:
	case model.TransactionCompleted:
		return t, nil
	case model.TransactionPending:
		return nil, domain.ErrNotPrepared
	default:
		return nil, domain.ErrTransactionCancelled
	}

	pctx, cancel := u.providerCtx(ctx)
	defer cancel()
	c, err := gw.Commit(pctx, t.External(), otp)
	if err != nil {
		u.failIfFinal(ctx, t, err)
		return nil, err
	}
	if c == nil || !c.Confirmed {
		return nil, &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: "commit", Detail: "provider did not confirm"}
	}

	ev := model.ProviderEvent{
		Method:          t.PaymentMethod,
		Kind:            model.EventComplete,
		MerchantTransID: t.MerchantTransID,
		ExternalTransID: t.External(),
		ReceivedAt:      u.now().UTC(),
	}
	if c.ProviderAmount != 0 {
		ev.Amount, ev.HasAmount = c.ProviderAmount, true
	}
	out, err := u.ApplyTrusted(ctx, ev)
	if err != nil {
		return nil, err
	}
	return out.Transaction, nil
}

// release asks the provider to drop a reservation nothing local points at.
func (u *paymentUC) release(ctx context.Context, gw adapter.PaymentGateway, ref string) {
	rv, ok := gw.(adapter.Reverser)
	if !ok {
		return
	}
	pctx, cancel := u.providerCtx(ctx)
	defer cancel()
	if err := rv.Reverse(pctx, ref); err != nil {
		u.log.Warn().Err(err).Str("method", string(gw.Method())).Str("provider_ref", ref).Msg("reservation not released")
	}
}

// failIfFinal records a provider error that rules out success for t.
func (u *paymentUC) failIfFinal(ctx context.Context, t *model.PaymentTransaction, err error) {
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.Final {
		u.markFailed(ctx, t, pe.Error())
	}
}

func (u *paymentUC) markFailed(ctx context.Context, t *model.PaymentTransaction, detail string) {
	now := u.now().UTC()
	for _, from := range []model.TransactionStatus{model.TransactionPending, model.TransactionProcessing} {
		f := repository.TransitionFields{ErrorMessage: &detail, CancelledAt: &now}
		ok, err := u.txns.ConditionalUpdateStatus(ctx, repository.NoTX, t.ID, from, model.TransactionFailed, f)
		if err != nil {
			u.log.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to mark transaction failed")
			return
		}
		if ok {
			t.Status = model.TransactionFailed
			t.ErrorMessage = &detail
			t.CancelledAt = &now
			metrics.IncTransaction(string(t.PaymentMethod), string(model.TransactionFailed))
			u.notify(ctx, "failed", t)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Provider events
// ---------------------------------------------------------------------------

func (u *paymentUC) VerifyCallback(method model.PaymentMethod, p model.SignedPayload) error {
	gw, ok := u.gateways.Get(method)
	if !ok {
		return domain.ErrMethodUnavailable
	}
	if !gw.VerifySignature(p) {
		logging.Security(u.log).Str("method", string(method)).Msg("callback signature rejected")
		return domain.ErrSignatureInvalid
	}
	return nil
}

func (u *paymentUC) ApplyEvent(ctx context.Context, ev model.ProviderEvent) (*model.EventOutcome, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.ApplyEvent")()

	if err := u.VerifyCallback(ev.Method, ev.Payload); err != nil {
		return nil, err
	}
	return u.apply(ctx, ev, true)
}

func (u *paymentUC) ApplyTrusted(ctx context.Context, ev model.ProviderEvent) (*model.EventOutcome, error) {
	return u.apply(ctx, ev, false)
}

func (u *paymentUC) apply(ctx context.Context, ev model.ProviderEvent, recordOrphan bool) (*model.EventOutcome, error) {
	gw, ok := u.gateways.Get(ev.Method)
	if !ok {
		return nil, domain.ErrMethodUnavailable
	}
	log := u.log.With().
		Str("method", string(ev.Method)).
		Str("kind", string(ev.Kind)).
		Str("merchant_trans_id", ev.MerchantTransID).
		Str("external_trans_id", ev.ExternalTransID).
		Logger()

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		t, err := u.locate(ctx, ev)
		if err != nil {
			if errors.Is(err, domain.ErrTransactionNotFound) && recordOrphan && ev.Kind == model.EventComplete {
				u.saveOrphan(ctx, ev)
			}
			log.Warn().Err(err).Msg("provider event rejected")
			return nil, err
		}
		if ev.HasAmount && ev.Amount != t.FinalAmount {
			log.Warn().Int64("amount", ev.Amount).Int64("expected", t.FinalAmount).Str("transaction_id", t.ID).Msg("amount mismatch")
			return nil, domain.ErrAmountMismatch
		}

		var out *model.EventOutcome
		switch ev.Kind {
		case model.EventPrepare:
			out, err = u.onPrepare(ctx, gw, t, ev)
		case model.EventComplete:
			out, err = u.onComplete(ctx, gw, t, ev)
		case model.EventCancel:
			out, err = u.onCancel(ctx, t, ev)
		case model.EventFail:
			out, err = u.onFail(ctx, t, ev)
		default:
			return nil, domain.ErrInvalidArgument
		}
		if errors.Is(err, errRaced) {
			continue
		}
		if err != nil {
			log.Info().Err(err).Str("transaction_id", t.ID).Str("status", string(t.Status)).Msg("provider event not applied")
			return nil, err
		}
		if out.Applied {
			log.Info().Str("transaction_id", t.ID).Str("status", string(out.Transaction.Status)).Msg("provider event applied")
		}
		return out, nil
	}
	return nil, domain.ErrOperationFailed
}

// locate resolves the local transaction strictly by correlation ids.
func (u *paymentUC) locate(ctx context.Context, ev model.ProviderEvent) (*model.PaymentTransaction, error) {
	var (
		t   *model.PaymentTransaction
		err error
	)
	switch {
	case ev.MerchantTransID != "":
		t, err = u.txns.FindByMerchantTransID(ctx, repository.NoTX, ev.MerchantTransID)
	case ev.ExternalTransID != "":
		t, err = u.txns.FindByExternalTransID(ctx, repository.NoTX, ev.Method, ev.ExternalTransID)
	default:
		return nil, domain.ErrInvalidArgument
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.PaymentMethod != ev.Method {
		return nil, domain.ErrTransactionNotFound
	}
	if ev.MerchantTransID != "" && ev.ExternalTransID != "" && t.External() != "" && t.External() != ev.ExternalTransID {
		switch ev.Kind {
		case model.EventPrepare:
			return nil, domain.ErrTransactionInProgress
		case model.EventComplete:
			return nil, domain.ErrNotPrepared
		default:
			return nil, domain.ErrTransactionNotFound
		}
	}
	return t, nil
}

func (u *paymentUC) onPrepare(ctx context.Context, gw adapter.PaymentGateway, t *model.PaymentTransaction, ev model.ProviderEvent) (*model.EventOutcome, error) {
	switch t.Status {
	case model.TransactionPending:
		now := u.now().UTC()
		f := repository.TransitionFields{PreparedAt: &now}
		if ev.ExternalTransID != "" {
			f.ExternalTransID = &ev.ExternalTransID
		}
		ok, err := u.txns.ConditionalUpdateStatus(ctx, repository.NoTX, t.ID, model.TransactionPending, model.TransactionProcessing, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errRaced
		}
		t.Status = model.TransactionProcessing
		t.PreparedAt = &now
		if f.ExternalTransID != nil {
			t.ExternalTransID = f.ExternalTransID
		}
		metrics.IncTransaction(string(t.PaymentMethod), string(model.TransactionProcessing))
		return &model.EventOutcome{Transaction: t, Applied: true}, nil

	case model.TransactionProcessing:
		if u.prepareExpired(gw, t) {
			return u.expire(ctx, t)
		}
		return &model.EventOutcome{Transaction: t}, nil

	case model.TransactionCompleted:
		return &model.EventOutcome{Transaction: t}, nil

	default:
		return nil, domain.ErrTransactionCancelled
	}
}

func (u *paymentUC) prepareExpired(gw adapter.PaymentGateway, t *model.PaymentTransaction) bool {
	pe, ok := gw.(adapter.PrepareExpirer)
	if !ok || t.PreparedAt == nil || pe.PrepareTTL() <= 0 {
		return false
	}
	return u.now().After(t.PreparedAt.Add(pe.PrepareTTL()))
}

// expire cancels a processing transaction whose provider-side window closed.
func (u *paymentUC) expire(ctx context.Context, t *model.PaymentTransaction) (*model.EventOutcome, error) {
	if _, err := u.cancel(ctx, t, model.TransactionProcessing, model.CancelReasonTimeout); err != nil {
		return nil, err
	}
	return nil, domain.ErrTransactionExpired
}

func (u *paymentUC) onComplete(ctx context.Context, gw adapter.PaymentGateway, t *model.PaymentTransaction, ev model.ProviderEvent) (*model.EventOutcome, error) {
	switch t.Status {
	case model.TransactionProcessing:
	case model.TransactionCompleted:
		return &model.EventOutcome{Transaction: t}, nil
	case model.TransactionPending:
		return nil, domain.ErrNotPrepared
	default:
		return nil, domain.ErrTransactionCancelled
	}

	if ev.PrepareID != 0 && (t.PreparedAt == nil || t.PreparedAt.UnixMilli() != ev.PrepareID) {
		return nil, domain.ErrNotPrepared
	}
	if u.prepareExpired(gw, t) {
		return u.expire(ctx, t)
	}
	return u.finalize(ctx, t, ev)
}

// finalize is the single place a provider event sets completed. The status
// change, the coupon use and its ledger row commit together.
func (u *paymentUC) finalize(ctx context.Context, t *model.PaymentTransaction, ev model.ProviderEvent) (*model.EventOutcome, error) {
	now := u.now().UTC()
	ent := model.EntitlementPending
	f := repository.TransitionFields{CompletedAt: &now, EntitlementState: &ent}
	if ev.ExternalTransID != "" {
		f.ExternalTransID = &ev.ExternalTransID
	}

	overrun := false
	err := u.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		ok, err := u.txns.ConditionalUpdateStatus(ctx, tx, t.ID, model.TransactionProcessing, model.TransactionCompleted, f)
		if err != nil {
			return err
		}
		if !ok {
			return errRaced
		}
		if t.CouponID == nil {
			return nil
		}
		claimed, err := u.coupons.Claim(ctx, tx, *t.CouponID)
		if err != nil {
			return err
		}
		if !claimed {
			// The discount was quoted at creation; the payment is real, so it
			// completes and the overrun is flagged for operators.
			overrun = true
			_, err = u.txns.ConditionalUpdateStatus(ctx, tx, t.ID, model.TransactionCompleted, model.TransactionCompleted,
				repository.TransitionFields{Metadata: map[string]interface{}{"coupon_overrun": true}})
			return err
		}
		return u.coupons.RecordUsage(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	t.Status = model.TransactionCompleted
	t.CompletedAt = &now
	t.EntitlementState = model.EntitlementPending
	if f.ExternalTransID != nil {
		t.ExternalTransID = f.ExternalTransID
	}
	if overrun {
		t.Metadata["coupon_overrun"] = true
		u.log.Warn().Str("transaction_id", t.ID).Str("coupon_id", *t.CouponID).Msg("coupon exhausted before completion")
	}
	metrics.IncTransaction(string(t.PaymentMethod), string(model.TransactionCompleted))
	metrics.AddRevenue(string(t.PaymentMethod), t.Currency, t.FinalAmount)

	upgraded, uerr := u.entitlements.Upgrade(ctx, t)
	if uerr != nil {
		u.log.Error().Err(uerr).Str("transaction_id", t.ID).Msg("upgrade deferred to recovery")
	}
	if upgraded {
		t.EntitlementState = model.EntitlementApplied
	}
	u.notify(ctx, "succeeded", t)
	return &model.EventOutcome{Transaction: t, Applied: true}, nil
}

func (u *paymentUC) onCancel(ctx context.Context, t *model.PaymentTransaction, ev model.ProviderEvent) (*model.EventOutcome, error) {
	reason := ev.Reason
	if reason == 0 {
		reason = model.CancelReasonUnknown
	}
	switch t.Status {
	case model.TransactionPending, model.TransactionProcessing:
		return u.cancel(ctx, t, t.Status, reason)
	case model.TransactionCompleted:
		// A refund never revokes the tier; operators decide.
		now := u.now().UTC()
		f := repository.TransitionFields{CancelledAt: &now, CancelReason: &reason}
		ok, err := u.txns.ConditionalUpdateStatus(ctx, repository.NoTX, t.ID, model.TransactionCompleted, model.TransactionRefunded, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errRaced
		}
		t.Status = model.TransactionRefunded
		t.CancelledAt = &now
		t.CancelReason = &reason
		metrics.IncTransaction(string(t.PaymentMethod), string(model.TransactionRefunded))
		u.log.Warn().Str("transaction_id", t.ID).Str("user_id", t.UserID).Int("reason", reason).Msg("completed payment refunded by provider")
		u.notify(ctx, "refunded", t)
		return &model.EventOutcome{Transaction: t, Applied: true}, nil
	default:
		return &model.EventOutcome{Transaction: t}, nil
	}
}

func (u *paymentUC) cancel(ctx context.Context, t *model.PaymentTransaction, from model.TransactionStatus, reason int) (*model.EventOutcome, error) {
	now := u.now().UTC()
	f := repository.TransitionFields{CancelledAt: &now, CancelReason: &reason}
	ok, err := u.txns.ConditionalUpdateStatus(ctx, repository.NoTX, t.ID, from, model.TransactionCancelled, f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errRaced
	}
	t.Status = model.TransactionCancelled
	t.CancelledAt = &now
	t.CancelReason = &reason
	metrics.IncTransaction(string(t.PaymentMethod), string(model.TransactionCancelled))
	return &model.EventOutcome{Transaction: t, Applied: true}, nil
}

func (u *paymentUC) onFail(ctx context.Context, t *model.PaymentTransaction, ev model.ProviderEvent) (*model.EventOutcome, error) {
	if t.Status.IsTerminal() {
		return &model.EventOutcome{Transaction: t}, nil
	}
	detail := ev.ErrorDetail
	if detail == "" {
		detail = "provider reported failure"
	}
	now := u.now().UTC()
	f := repository.TransitionFields{ErrorMessage: &detail, CancelledAt: &now}
	ok, err := u.txns.ConditionalUpdateStatus(ctx, repository.NoTX, t.ID, t.Status, model.TransactionFailed, f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errRaced
	}
	t.Status = model.TransactionFailed
	t.ErrorMessage = &detail
	t.CancelledAt = &now
	metrics.IncTransaction(string(t.PaymentMethod), string(model.TransactionFailed))
	u.notify(ctx, "failed", t)
	return &model.EventOutcome{Transaction: t, Applied: true}, nil
}

func (u *paymentUC) CancelStale(ctx context.Context, id string, reason int) (bool, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		t, err := u.txns.FindByID(ctx, repository.NoTX, id)
		if err != nil {
			return false, err
		}
		if t.Status.IsTerminal() {
			return false, nil
		}
		_, err = u.cancel(ctx, t, t.Status, reason)
		if errors.Is(err, errRaced) {
			continue
		}
		return err == nil, err
	}
	return false, domain.ErrOperationFailed
}

func (u *paymentUC) saveOrphan(ctx context.Context, ev model.ProviderEvent) {
	o := &model.OrphanNotification{
		ID:              uuid.NewString(),
		Method:          ev.Method,
		Kind:            ev.Kind,
		MerchantTransID: ev.MerchantTransID,
		ExternalTransID: ev.ExternalTransID,
		Amount:          ev.Amount,
		Payload:         ev.Payload.Fields,
		ReceivedAt:      u.now().UTC(),
	}
	if err := u.orphans.Save(ctx, repository.NoTX, o); err != nil {
		u.log.Error().Err(err).Str("method", string(ev.Method)).Msg("failed to record orphan notification")
		return
	}
	metrics.IncRecovery("orphan_recorded")
	u.log.Warn().Str("orphan_id", o.ID).Str("method", string(ev.Method)).Msg("confirmation for unknown transaction recorded")
}

func (u *paymentUC) notify(ctx context.Context, kind string, t *model.PaymentTransaction) {
	if u.notifier == nil {
		return
	}
	if err := u.notifier.Notify(ctx, model.NoticeFor(kind, t)); err != nil {
		u.log.Warn().Err(err).Str("transaction_id", t.ID).Msg("notification not queued")
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// CheckPayable answers the merchant-API pre-check for an order.
func (u *paymentUC) CheckPayable(ctx context.Context, method model.PaymentMethod, merchantTransID string, amount int64) (*model.PaymentTransaction, error) {
	t, err := u.txns.FindByMerchantTransID(ctx, repository.NoTX, merchantTransID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && t.PaymentMethod != method) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if amount != t.FinalAmount {
		return nil, domain.ErrAmountMismatch
	}
	switch t.Status {
	case model.TransactionPending:
		return t, nil
	case model.TransactionProcessing:
		return nil, domain.ErrTransactionInProgress
	case model.TransactionCompleted:
		return nil, domain.ErrAlreadyPaid
	default:
		return nil, domain.ErrTransactionCancelled
	}
}

func (u *paymentUC) FindByExternal(ctx context.Context, method model.PaymentMethod, externalTransID string) (*model.PaymentTransaction, error) {
	t, err := u.txns.FindByExternalTransID(ctx, repository.NoTX, method, externalTransID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	return t, err
}

func (u *paymentUC) Statement(ctx context.Context, method model.PaymentMethod, from, to time.Time) ([]*model.PaymentTransaction, error) {
	if to.Before(from) {
		return nil, domain.ErrInvalidArgument
	}
	return u.txns.ListPreparedBetween(ctx, repository.NoTX, method, from, to)
}

// GetTransaction hides other users' transactions behind not-found.
func (u *paymentUC) GetTransaction(ctx context.Context, userID, id string) (*model.PaymentTransaction, error) {
	t, err := u.txns.FindByID(ctx, repository.NoTX, id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && t.UserID != userID) {
		return nil, domain.ErrTransactionNotFound
	}
	return t, err
}
