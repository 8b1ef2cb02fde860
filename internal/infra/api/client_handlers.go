package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/redis"
	"catalog-billing/internal/usecase"
)

// transactionView is the client-facing projection of a transaction.
type transactionView struct {
	ID              string     `json:"id"`
	MerchantTransID string     `json:"merchantTransId"`
	Status          string     `json:"status"`
	PaymentMethod   string     `json:"paymentMethod"`
	OriginalAmount  int64      `json:"originalAmount"`
	DiscountAmount  int64      `json:"discountAmount"`
	FinalAmount     int64      `json:"finalAmount"`
	Currency        string     `json:"currency"`
	FullDiscount    bool       `json:"isFullDiscount"`
	Entitlement     string     `json:"entitlement"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

func newTransactionView(t *model.PaymentTransaction) transactionView {
	return transactionView{
		ID:              t.ID,
		MerchantTransID: t.MerchantTransID,
		Status:          string(t.Status),
		PaymentMethod:   string(t.PaymentMethod),
		OriginalAmount:  t.OriginalAmount,
		DiscountAmount:  t.DiscountAmount,
		FinalAmount:     t.FinalAmount,
		Currency:        t.Currency,
		FullDiscount:    t.IsFullDiscount(),
		Entitlement:     string(t.EntitlementState),
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	methods := make([]string, 0, 3)
	for _, m := range s.payUC.Methods() {
		methods = append(methods, string(m))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
		"methods":  methods,
		"price":    s.cfg.Pricing.DefaultPrice,
		"currency": s.cfg.Pricing.Currency,
	}})
}

type createTransactionRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	Amount        int64  `json:"amount"`
	CouponCode    string `json:"couponCode"`
	ReturnURL     string `json:"returnUrl"`
}

type createTransactionResponse struct {
	Transaction   transactionView `json:"transaction"`
	PaymentURL    string          `json:"paymentUrl,omitempty"`
	FullDiscount  bool            `json:"isFullDiscount"`
	Upgraded      bool            `json:"upgraded"`
	CouponApplied bool            `json:"couponApplied"`
	CouponReason  string          `json:"couponReason,omitempty"`
	CouponMessage string          `json:"couponMessage,omitempty"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	var req createTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.reject(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	if !s.allowCreate(r, u.ID) {
		s.reject(w, r, http.StatusTooManyRequests, "error.rate_limited")
		return
	}

	lang := s.lang(r)
	res, err := s.payUC.CreateIntent(r.Context(), usecase.CreateIntentRequest{
		UserID:     u.ID,
		Method:     req.PaymentMethod,
		Amount:     req.Amount,
		CouponCode: req.CouponCode,
		ReturnURL:  req.ReturnURL,
		Lang:       lang,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := createTransactionResponse{
		Transaction:  newTransactionView(res.Transaction),
		PaymentURL:   res.PaymentURL,
		FullDiscount: res.FullDiscount,
		Upgraded:     res.Upgraded,
	}
	if q := res.Quote; q != nil && q.Code != "" {
		out.CouponApplied = q.Applied()
		out.CouponReason = q.Reason
		if q.Applied() {
			out.CouponMessage = s.tr.T(lang, "coupon.applied")
		} else {
			out.CouponMessage = s.tr.T(lang, "coupon.not_applied")
		}
	}
	key := "payment.created"
	if res.FullDiscount {
		key = "payment.full_discount"
	}
	s.ok(w, r, key, out)
}

// allowCreate fails open when the limiter itself is unavailable.
func (s *Server) allowCreate(r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), redis.UserActionKey(userID, "create_transaction"), s.cfg.HTTP.CreateLimit, s.cfg.HTTP.CreateWindow)
	if err != nil {
		l := logging.With(r.Context(), s.log)
		l.Warn().Err(err).Msg("rate limiter unavailable")
		return true
	}
	return ok
}

type preApplyRequest struct {
	TransactionID string `json:"transactionId"`
	CardNumber    string `json:"cardNumber"`
	Expiry        string `json:"expiry"`
}

func (s *Server) handlePreApply(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	var req preApplyRequest
	if err := decodeJSON(r, &req); err != nil || req.TransactionID == "" || req.CardNumber == "" || req.Expiry == "" {
		s.reject(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	ctx := logging.WithTransactionID(r.Context(), req.TransactionID)
	t, err := s.payUC.PreApply(ctx, u.ID, req.TransactionID, adapter.CardDetails{Number: req.CardNumber, Expiry: req.Expiry})
	if err != nil {
		s.fail(w, r.WithContext(ctx), err)
		return
	}
	s.ok(w, r, "payment.otp_sent", newTransactionView(t))
}

type confirmRequest struct {
	TransactionID string `json:"transactionId"`
	OTP           string `json:"otp"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil || req.TransactionID == "" || req.OTP == "" {
		s.reject(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	ctx := logging.WithTransactionID(r.Context(), req.TransactionID)
	t, err := s.payUC.ConfirmOTP(ctx, u.ID, req.TransactionID, req.OTP)
	if err != nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) && pe.Category == domain.CategoryProviderUnavailable {
			// The commit may have gone through; steer the client to polling.
			l := logging.With(ctx, s.log)
			l.Warn().Err(err).Msg("confirm outcome unknown")
			s.reject(w, r, http.StatusBadGateway, "payment.check_status")
			return
		}
		s.fail(w, r.WithContext(ctx), err)
		return
	}
	s.ok(w, r, "payment.completed", newTransactionView(t))
}

func (s *Server) handleCheckPending(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	res, err := s.recUC.CheckPending(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key := "recovery.nothing"
	if res.Paid {
		key = "recovery.upgraded"
	} else if res.Checked > 0 {
		key = "payment.check_status"
	}
	s.ok(w, r, key, res)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	t, err := s.payUC.GetTransaction(r.Context(), u.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: newTransactionView(t)})
}

type validateCouponRequest struct {
	Code   string `json:"code"`
	Amount int64  `json:"amount"`
}

type couponQuoteView struct {
	Valid          bool   `json:"valid"`
	Code           string `json:"code"`
	OriginalAmount int64  `json:"originalAmount"`
	DiscountAmount int64  `json:"discountAmount"`
	FinalAmount    int64  `json:"finalAmount"`
	FullDiscount   bool   `json:"isFullDiscount"`
	Reason         string `json:"reason,omitempty"`
}

// handleValidateCoupon prices a code without claiming a use.
func (s *Server) handleValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		s.reject(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	amount := req.Amount
	if amount == 0 {
		amount = s.cfg.Pricing.DefaultPrice
	}
	q, err := s.couponUC.Resolve(r.Context(), req.Code, amount, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key := "coupon.not_applied"
	if q.Applied() {
		key = "coupon.applied"
	}
	s.ok(w, r, key, couponQuoteView{
		Valid:          q.Applied(),
		Code:           q.Code,
		OriginalAmount: q.OriginalAmount,
		DiscountAmount: q.DiscountAmount,
		FinalAmount:    q.FinalAmount,
		FullDiscount:   q.FullDiscount(),
		Reason:         q.Reason,
	})
}
