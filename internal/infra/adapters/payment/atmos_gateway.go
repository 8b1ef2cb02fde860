// File: internal/infra/adapters/payment/atmos_gateway.go
package payment

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/infra/metrics"
)

var (
	_ adapter.PaymentGateway = (*AtmosGateway)(nil)
	_ adapter.StatusChecker  = (*AtmosGateway)(nil)
	_ adapter.Reverser       = (*AtmosGateway)(nil)
)

var (
	cardNumberRe = regexp.MustCompile(`^\d{16}$`)
	cardExpiryRe = regexp.MustCompile(`^(0[1-9]|1[0-2])\d{2}$`)
	otpRe        = regexp.MustCompile(`^\d{6}$`)
)

// AtmosGateway drives the card + OTP flow: create, pre-apply (sends the SMS
// code), confirm. Requests carry an OAuth client-credentials token that is
// cached and refreshed by a single caller at a time.
type AtmosGateway struct {
	client         *resty.Client // create, pre-apply, apply, cancel: single shot
	reads          *resty.Client // token and status: retried on 5xx
	storeID        string
	consumerKey    string
	consumerSecret string
	apiKey         string
	lang           string
	tokenTTL       time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	refresh   singleflight.Group

	now func() time.Time
}

func NewAtmosGateway(cfg config.AtmosConfig) (*AtmosGateway, error) {
	if cfg.StoreID == "" || cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("atmos: store_id, consumer_key and consumer_secret are required")
	}
	return &AtmosGateway{
		client:         newAtmosClient(cfg),
		reads:          withReadRetry(newAtmosClient(cfg)),
		storeID:        cfg.StoreID,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		apiKey:         cfg.APIKey,
		lang:           cfg.Lang,
		tokenTTL:       cfg.TokenTTL,
		now:            time.Now,
	}, nil
}

func newAtmosClient(cfg config.AtmosConfig) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
}

// withReadRetry retries transport errors and 5xx with backoff. Only requests
// that are safe to repeat may go through such a client.
func withReadRetry(c *resty.Client) *resty.Client {
	return c.
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		})
}

func (g *AtmosGateway) Method() model.PaymentMethod { return model.MethodAtmos }

type atmosResult struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type atmosStoreTransaction struct {
	TransID     int64  `json:"trans_id"`
	Amount      int64  `json:"amount"`
	StatusCode  string `json:"status_code"`
	StatusMsg   string `json:"status_message"`
	OFDCheckURL string `json:"ofd_url"`
}

type atmosEnvelope struct {
	Result           atmosResult            `json:"result"`
	TransactionID    int64                  `json:"transaction_id"`
	StoreTransaction *atmosStoreTransaction `json:"store_transaction"`
}

type atmosToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached token or fetches one. Concurrent callers that
// find the cache empty share a single token request.
func (g *AtmosGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.RLock()
	tok, exp := g.token, g.expiresAt
	g.mu.RUnlock()
	if tok != "" && g.now().Before(exp) {
		return tok, nil
	}

	v, err, _ := g.refresh.Do("token", func() (interface{}, error) {
		g.mu.RLock()
		tok, exp := g.token, g.expiresAt
		g.mu.RUnlock()
		if tok != "" && g.now().Before(exp) {
			return tok, nil
		}

		var out atmosToken
		resp, err := g.reads.R().
			SetContext(ctx).
			SetBasicAuth(g.consumerKey, g.consumerSecret).
			SetFormData(map[string]string{"grant_type": "client_credentials"}).
			SetResult(&out).
			Post("/merchant/v1/oauth/token")
		if err != nil {
			return "", unavailable("token", err.Error())
		}
		if resp.IsError() || out.AccessToken == "" {
			return "", unavailable(strconv.Itoa(resp.StatusCode()), "token request rejected")
		}

		ttl := g.tokenTTL
		if out.ExpiresIn > 0 {
			if fromProvider := time.Duration(out.ExpiresIn)*time.Second - time.Minute; fromProvider > 0 && fromProvider < ttl {
				ttl = fromProvider
			}
		}
		g.mu.Lock()
		g.token = out.AccessToken
		g.expiresAt = g.now().Add(ttl)
		g.mu.Unlock()
		return out.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *AtmosGateway) invalidateToken() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}

// call performs an authorized JSON request and classifies the outcome.
func (g *AtmosGateway) call(ctx context.Context, c *resty.Client, op, method, path string, body interface{}) (out *atmosEnvelope, err error) {
	defer metrics.ObserveGateway(string(model.MethodAtmos), op, time.Now(), &err)

	for attempt := 0; attempt < 2; attempt++ {
		tok, err := g.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		env := &atmosEnvelope{}
		req := c.R().SetContext(ctx).SetAuthToken(tok).SetResult(env).SetError(env)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, unavailable(op, err.Error())
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			g.invalidateToken()
			continue
		}
		if resp.StatusCode() >= 500 {
			return nil, unavailable(strconv.Itoa(resp.StatusCode()), resp.Status())
		}
		if !strings.EqualFold(env.Result.Code, "OK") {
			return env, classifyAtmos(env.Result)
		}
		return env, nil
	}
	return nil, unavailable(op, "unauthorized after token refresh")
}

// Reserve opens a transaction in the store; the returned ref is Atmos' id.
func (g *AtmosGateway) Reserve(ctx context.Context, req adapter.ReserveRequest) (*adapter.Reservation, error) {
	if req.Amount <= 0 || req.MerchantTransID == "" {
		return nil, domain.ErrInvalidArgument
	}
	lang := firstNonEmpty(req.Lang, g.lang)
	body := map[string]interface{}{
		"store_id":    g.storeID,
		"amount":      req.Amount,
		"account":     req.MerchantTransID,
		"order_id":    req.MerchantTransID,
		"description": req.Description,
		"lang":        lang,
	}
	env, err := g.call(ctx, g.client, "create", http.MethodPost, "/merchant/v1/transactions/create", body)
	if err != nil {
		return nil, err
	}
	if env.TransactionID == 0 {
		return nil, unavailable("create", "missing transaction_id")
	}
	return &adapter.Reservation{
		OK:          true,
		ProviderRef: strconv.FormatInt(env.TransactionID, 10),
		Raw:         map[string]interface{}{"result_code": env.Result.Code, "description": env.Result.Description},
	}, nil
}

// Challenge binds the card and makes Atmos send an OTP to the card holder.
func (g *AtmosGateway) Challenge(ctx context.Context, ref string, card adapter.CardDetails) (bool, error) {
	id, err := parseAtmosRef(ref)
	if err != nil {
		return false, err
	}
	number := strings.ReplaceAll(card.Number, " ", "")
	if !cardNumberRe.MatchString(number) {
		return false, &domain.ProviderError{Category: domain.CategoryInvalidCredential, Code: "card_number", Detail: "card number must be 16 digits"}
	}
	expiry := strings.ReplaceAll(card.Expiry, "/", "")
	if !cardExpiryRe.MatchString(expiry) {
		return false, &domain.ProviderError{Category: domain.CategoryInvalidCredential, Code: "card_expiry", Detail: "expiry must be MMYY"}
	}
	body := map[string]interface{}{
		"transaction_id": id,
		"store_id":       g.storeID,
		"card_number":    number,
		"expiry":         expiry,
	}
	if _, err := g.call(ctx, g.client, "pre_apply", http.MethodPost, "/merchant/v1/transactions/pre-apply", body); err != nil {
		return false, err
	}
	return true, nil
}

// Commit submits the OTP. A wrong code is reported as a non-final
// invalid_credential so the user can try again.
func (g *AtmosGateway) Commit(ctx context.Context, ref, otp string) (*adapter.Commitment, error) {
	id, err := parseAtmosRef(ref)
	if err != nil {
		return nil, err
	}
	if !otpRe.MatchString(otp) {
		return nil, &domain.ProviderError{Category: domain.CategoryInvalidCredential, Code: "otp_format", Detail: "otp must be 6 digits"}
	}
	body := map[string]interface{}{
		"transaction_id": id,
		"store_id":       g.storeID,
		"otp":            otp,
	}
	env, err := g.call(ctx, g.client, "confirm", http.MethodPost, "/merchant/v1/transactions/apply", body)
	if err != nil {
		return nil, err
	}
	c := &adapter.Commitment{
		Confirmed: true,
		Raw:       map[string]interface{}{"result_code": env.Result.Code},
	}
	if st := env.StoreTransaction; st != nil {
		c.ProviderAmount = st.Amount
		c.Raw["status_code"] = st.StatusCode
		if st.OFDCheckURL != "" {
			c.Raw["ofd_url"] = st.OFDCheckURL
		}
	}
	return c, nil
}

// QueryStatus re-reads a transaction for the recovery sweeper.
func (g *AtmosGateway) QueryStatus(ctx context.Context, ref string) (*adapter.ProviderStatus, error) {
	id, err := parseAtmosRef(ref)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{"transaction_id": id, "store_id": g.storeID}
	env, err := g.call(ctx, g.reads, "status", http.MethodPost, "/merchant/v1/transactions/get", body)
	if err != nil {
		return nil, err
	}
	st := &adapter.ProviderStatus{State: model.TransactionPending, Raw: map[string]interface{}{}}
	if s := env.StoreTransaction; s != nil {
		st.Amount = s.Amount
		st.Raw["status_code"] = s.StatusCode
		st.State = atmosState(s.StatusCode)
	}
	return st, nil
}

// Reverse cancels a transaction that will not be completed.
func (g *AtmosGateway) Reverse(ctx context.Context, ref string) error {
	id, err := parseAtmosRef(ref)
	if err != nil {
		return err
	}
	body := map[string]interface{}{"transaction_id": id, "store_id": g.storeID, "reason": "timeout"}
	_, err = g.call(ctx, g.client, "reverse", http.MethodPost, "/merchant/v1/transactions/cancel", body)
	return err
}

// VerifySignature checks md5(store_id + transaction_id + invoice + amount + api_key)
// on callback notifications.
func (g *AtmosGateway) VerifySignature(p model.SignedPayload) bool {
	if g.apiKey == "" || p.Signature == "" {
		return false
	}
	f := p.Fields
	if f["store_id"] != g.storeID {
		return false
	}
	sum := md5.Sum([]byte(f["store_id"] + f["transaction_id"] + f["invoice"] + f["amount"] + g.apiKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(p.Signature))) == 1
}

// Status codes Atmos reports in store_transaction.status_code.
func atmosState(code string) model.TransactionStatus {
	switch code {
	case "0", "success", "confirmed":
		return model.TransactionCompleted
	case "-1", "cancelled", "reversed":
		return model.TransactionCancelled
	case "-2", "failed", "declined":
		return model.TransactionFailed
	case "1", "pre_applied":
		return model.TransactionProcessing
	default:
		return model.TransactionPending
	}
}

func parseAtmosRef(ref string) (int64, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidArgument
	}
	return id, nil
}

func unavailable(code, detail string) *domain.ProviderError {
	return &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: code, Detail: detail}
}

// classifyAtmos maps a non-OK result onto a payment category. Atmos codes are
// not stable across environments, so the description is consulted as well.
func classifyAtmos(r atmosResult) *domain.ProviderError {
	d := strings.ToLower(r.Description)
	pe := &domain.ProviderError{Code: r.Code, Detail: r.Description}
	switch {
	case containsAny(d, "otp", "sms", "код", "kod") && containsAny(d, "expired", "истек", "muddati"):
		pe.Category, pe.Final = domain.CategoryExpiredChallenge, true
	case containsAny(d, "otp", "sms code", "неверный код", "noto'g'ri kod"):
		pe.Category = domain.CategoryInvalidCredential
	case containsAny(d, "expired", "истек", "timeout"):
		pe.Category, pe.Final = domain.CategoryExpiredChallenge, true
	case containsAny(d, "insufficient", "недостаточно", "blocked", "заблок", "card", "карт"):
		pe.Category, pe.Final = domain.CategoryInvalidCredential, true
	case containsAny(d, "amount", "сумм"):
		pe.Category, pe.Final = domain.CategoryInvalidAmount, true
	case containsAny(d, "already", "уже"):
		pe.Category, pe.Final = domain.CategoryAlreadyProcessed, true
	case containsAny(d, "limit", "too many", "лимит"):
		pe.Category = domain.CategoryRateLimited
	default:
		pe.Category = domain.CategoryProviderUnavailable
	}
	return pe
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
