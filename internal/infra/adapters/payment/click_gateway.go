// File: internal/infra/adapters/payment/click_gateway.go
package payment

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*ClickGateway)(nil)

// Click response codes.
const (
	ClickSuccess             = 0
	ClickSignCheckFailed     = -1
	ClickIncorrectAmount     = -2
	ClickOrderNotFound       = -3
	ClickAlreadyPaid         = -4
	ClickOrderCancelled      = -5
	ClickTransactionNotFound = -6
	ClickTransactionExpired  = -7
	ClickOrderPending        = -8
	ClickInvalidRequest      = -9
)

const (
	ClickActionPrepare  = 0
	ClickActionComplete = 1
)

// ClickGateway is the redirect-based flow: the user pays on Click's page and
// Click calls prepare/complete on us with an MD5-signed form.
type ClickGateway struct {
	serviceID      string
	merchantID     string
	merchantUserID string
	secretKey      string
	payURL         string
	returnURL      string
}

func NewClickGateway(cfg config.ClickConfig) (*ClickGateway, error) {
	if cfg.ServiceID == "" || cfg.MerchantID == "" || cfg.SecretKey == "" {
		return nil, errors.New("click: service_id, merchant_id and secret_key are required")
	}
	if _, err := url.Parse(cfg.PayURL); err != nil {
		return nil, err
	}
	return &ClickGateway{
		serviceID:      cfg.ServiceID,
		merchantID:     cfg.MerchantID,
		merchantUserID: cfg.MerchantUserID,
		secretKey:      cfg.SecretKey,
		payURL:         cfg.PayURL,
		returnURL:      cfg.ReturnURL,
	}, nil
}

func (g *ClickGateway) Method() model.PaymentMethod { return model.MethodClick }

// Reserve builds the hosted payment page URL; Click assigns its id on prepare.
func (g *ClickGateway) Reserve(_ context.Context, req adapter.ReserveRequest) (*adapter.Reservation, error) {
	if req.Amount <= 0 || req.MerchantTransID == "" {
		return nil, domain.ErrInvalidArgument
	}
	q := url.Values{}
	q.Set("service_id", g.serviceID)
	q.Set("merchant_id", g.merchantID)
	if g.merchantUserID != "" {
		q.Set("merchant_user_id", g.merchantUserID)
	}
	q.Set("amount", FormatSoums(req.Amount))
	q.Set("transaction_param", req.MerchantTransID)
	if ret := firstNonEmpty(req.ReturnURL, g.returnURL); ret != "" {
		q.Set("return_url", ret)
	}
	return &adapter.Reservation{
		OK:         true,
		PaymentURL: g.payURL + "?" + q.Encode(),
		Raw:        map[string]interface{}{"transaction_param": req.MerchantTransID},
	}, nil
}

func (g *ClickGateway) Challenge(context.Context, string, adapter.CardDetails) (bool, error) {
	return false, nil
}

// Commit is implicit: the signed complete callback is the proof.
func (g *ClickGateway) Commit(context.Context, string, string) (*adapter.Commitment, error) {
	return &adapter.Commitment{Confirmed: true}, nil
}

// VerifySignature checks
// md5(click_trans_id + service_id + secret_key + merchant_trans_id + [merchant_prepare_id] + amount + action + sign_time)
// where merchant_prepare_id takes part only in complete requests.
func (g *ClickGateway) VerifySignature(p model.SignedPayload) bool {
	f := p.Fields
	if f["service_id"] != g.serviceID || p.Signature == "" {
		return false
	}
	var b strings.Builder
	b.WriteString(f["click_trans_id"])
	b.WriteString(f["service_id"])
	b.WriteString(g.secretKey)
	b.WriteString(f["merchant_trans_id"])
	if f["action"] == strconv.Itoa(ClickActionComplete) {
		b.WriteString(f["merchant_prepare_id"])
	}
	b.WriteString(f["amount"])
	b.WriteString(f["action"])
	b.WriteString(f["sign_time"])
	sum := md5.Sum([]byte(b.String()))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(p.Signature))) == 1
}

// ClickRequest is one prepare or complete form post.
type ClickRequest struct {
	ClickTransID      string
	ServiceID         string
	ClickPaydocID     string
	MerchantTransID   string
	MerchantPrepareID string
	Amount            int64
	Action            int
	Error             int
	ErrorNote         string
	SignTime          string
	SignString        string
	Fields            map[string]string
}

var clickRequired = []string{"click_trans_id", "service_id", "merchant_trans_id", "amount", "action", "sign_time", "sign_string"}

// ParseClickRequest validates shape only; authenticity is VerifySignature's job.
func ParseClickRequest(form url.Values) (*ClickRequest, error) {
	fields := make(map[string]string, len(form))
	for k := range form {
		fields[k] = form.Get(k)
	}
	for _, k := range clickRequired {
		if fields[k] == "" {
			return nil, domain.ErrInvalidArgument
		}
	}
	action, err := strconv.Atoi(fields["action"])
	if err != nil || (action != ClickActionPrepare && action != ClickActionComplete) {
		return nil, domain.ErrInvalidArgument
	}
	if action == ClickActionComplete && fields["merchant_prepare_id"] == "" {
		return nil, domain.ErrInvalidArgument
	}
	amount, err := ParseSoums(fields["amount"])
	if err != nil {
		return nil, err
	}
	errCode := 0
	if v := fields["error"]; v != "" {
		if errCode, err = strconv.Atoi(v); err != nil {
			return nil, domain.ErrInvalidArgument
		}
	}
	return &ClickRequest{
		ClickTransID:      fields["click_trans_id"],
		ServiceID:         fields["service_id"],
		ClickPaydocID:     fields["click_paydoc_id"],
		MerchantTransID:   fields["merchant_trans_id"],
		MerchantPrepareID: fields["merchant_prepare_id"],
		Amount:            amount,
		Action:            action,
		Error:             errCode,
		ErrorNote:         fields["error_note"],
		SignTime:          fields["sign_time"],
		SignString:        fields["sign_string"],
		Fields:            fields,
	}, nil
}

// Event normalizes the request. A complete carrying a negative error is
// Click reporting that the payment failed on its side.
func (r *ClickRequest) Event() model.ProviderEvent {
	ev := model.ProviderEvent{
		Method:          model.MethodClick,
		MerchantTransID: r.MerchantTransID,
		ExternalTransID: r.ClickTransID,
		Amount:          r.Amount,
		HasAmount:       true,
		Payload:         model.SignedPayload{Fields: r.Fields, Signature: r.SignString},
		ReceivedAt:      time.Now().UTC(),
	}
	switch {
	case r.Action == ClickActionPrepare:
		ev.Kind = model.EventPrepare
	case r.Error < 0:
		ev.Kind = model.EventFail
		ev.ErrorDetail = "click error " + strconv.Itoa(r.Error) + ": " + r.ErrorNote
	default:
		ev.Kind = model.EventComplete
		if id, err := strconv.ParseInt(r.MerchantPrepareID, 10, 64); err == nil {
			ev.PrepareID = id
		} else {
			ev.PrepareID = -1
		}
	}
	return ev
}

// ClickResponse is the JSON body Click expects for both actions.
type ClickResponse struct {
	ClickTransID      int64  `json:"click_trans_id"`
	MerchantTransID   string `json:"merchant_trans_id"`
	MerchantPrepareID int64  `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID int64  `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// ClickErrorCode maps orchestrator errors onto Click's vocabulary.
func ClickErrorCode(err error) (int, string) {
	switch {
	case err == nil:
		return ClickSuccess, "Success"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return ClickSignCheckFailed, "SIGN CHECK FAILED!"
	case errors.Is(err, domain.ErrAmountMismatch):
		return ClickIncorrectAmount, "Incorrect parameter amount"
	case errors.Is(err, domain.ErrTransactionNotFound):
		return ClickOrderNotFound, "Order not found"
	case errors.Is(err, domain.ErrTransactionInProgress):
		return ClickAlreadyPaid, "Already paid"
	case errors.Is(err, domain.ErrTransactionCancelled):
		return ClickOrderCancelled, "Transaction cancelled"
	case errors.Is(err, domain.ErrNotPrepared):
		return ClickTransactionNotFound, "Transaction does not exist"
	case errors.Is(err, domain.ErrTransactionExpired):
		return ClickTransactionExpired, "Transaction expired"
	case errors.Is(err, domain.ErrInvalidArgument):
		return ClickInvalidRequest, "Error in request from click"
	default:
		return ClickOrderPending, "Failed to update transaction"
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
