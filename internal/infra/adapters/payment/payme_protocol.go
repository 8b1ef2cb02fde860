package payment

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
)

// PaymeAccountField is the account key configured in the merchant cabinet.
const PaymeAccountField = "order_id"

// JSON-RPC methods of the Payme merchant API.
const (
	PaymeCheckPerformTransaction = "CheckPerformTransaction"
	PaymeCreateTransaction       = "CreateTransaction"
	PaymePerformTransaction      = "PerformTransaction"
	PaymeCancelTransaction       = "CancelTransaction"
	PaymeCheckTransaction        = "CheckTransaction"
	PaymeGetStatement            = "GetStatement"
)

// Payme transaction states.
const (
	PaymeStateCreated               = 1
	PaymeStatePerformed             = 2
	PaymeStateCancelled             = -1
	PaymeStateCancelledAfterPerform = -2
)

// Payme error codes.
const (
	PaymeErrInternal         = -32400
	PaymeErrUnauthorized     = -32504
	PaymeErrParse            = -32700
	PaymeErrInvalidRequest   = -32600
	PaymeErrMethodNotFound   = -32601
	PaymeErrInvalidAmount    = -31001
	PaymeErrTxNotFound       = -31003
	PaymeErrCannotPerform    = -31008
	PaymeErrOrderNotFound    = -31050
	PaymeErrOrderBusy        = -31051
	PaymeErrOrderAlreadyPaid = -31099
)

type PaymeRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type PaymeError struct {
	Code    int               `json:"code"`
	Message map[string]string `json:"message"`
	Data    string            `json:"data,omitempty"`
}

type PaymeResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *PaymeError     `json:"error,omitempty"`
}

type PaymeParams struct {
	ID      string            `json:"id"`
	Time    int64             `json:"time"`
	Amount  int64             `json:"amount"`
	Account map[string]string `json:"account"`
	Reason  int               `json:"reason"`
	From    int64             `json:"from"`
	To      int64             `json:"to"`
}

// OrderID is the merchant transaction id carried in account.
func (p *PaymeParams) OrderID() string { return p.Account[PaymeAccountField] }

// ParsePaymeParams decodes params and checks the fields the method requires.
func ParsePaymeParams(method string, raw json.RawMessage) (*PaymeParams, error) {
	var p PaymeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, domain.ErrInvalidArgument
		}
	}
	switch method {
	case PaymeCheckPerformTransaction:
		if p.Amount <= 0 || p.OrderID() == "" {
			return nil, domain.ErrInvalidArgument
		}
	case PaymeCreateTransaction:
		if p.ID == "" || p.Amount <= 0 || p.OrderID() == "" || p.Time <= 0 {
			return nil, domain.ErrInvalidArgument
		}
	case PaymePerformTransaction, PaymeCheckTransaction:
		if p.ID == "" {
			return nil, domain.ErrInvalidArgument
		}
	case PaymeCancelTransaction:
		if p.ID == "" || p.Reason == 0 {
			return nil, domain.ErrInvalidArgument
		}
	case PaymeGetStatement:
		if p.From <= 0 || p.To < p.From {
			return nil, domain.ErrInvalidArgument
		}
	default:
		return nil, errPaymeMethod
	}
	return &p, nil
}

var errPaymeMethod = errors.New("payme: unknown method")

// IsPaymeMethodError reports an unknown JSON-RPC method.
func IsPaymeMethodError(err error) bool { return errors.Is(err, errPaymeMethod) }

// PaymeEvent normalizes a state-changing call.
func PaymeEvent(method string, p *PaymeParams, payload model.SignedPayload) model.ProviderEvent {
	ev := model.ProviderEvent{
		Method:          model.MethodPayme,
		ExternalTransID: p.ID,
		Payload:         payload,
		ReceivedAt:      time.Now().UTC(),
	}
	switch method {
	case PaymeCreateTransaction:
		ev.Kind = model.EventPrepare
		ev.MerchantTransID = p.OrderID()
		ev.Amount, ev.HasAmount = p.Amount, true
	case PaymePerformTransaction:
		ev.Kind = model.EventComplete
	case PaymeCancelTransaction:
		ev.Kind = model.EventCancel
		ev.Reason = p.Reason
	}
	return ev
}

// PaymeState maps a local transaction onto Payme's state numbering.
func PaymeState(t *model.PaymentTransaction) int {
	switch t.Status {
	case model.TransactionCompleted:
		return PaymeStatePerformed
	case model.TransactionRefunded:
		return PaymeStateCancelledAfterPerform
	case model.TransactionCancelled, model.TransactionFailed:
		return PaymeStateCancelled
	default:
		return PaymeStateCreated
	}
}

func millis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

// cancelTime falls back to the last update for closed rows written without a
// cancellation stamp, since Payme rejects cancel_time 0 on a cancelled state.
func cancelTime(t *model.PaymentTransaction) int64 {
	if t.CancelledAt == nil && PaymeState(t) < 0 {
		return t.UpdatedAt.UnixMilli()
	}
	return millis(t.CancelledAt)
}

// PaymeTransactionResult is the body shared by CheckTransaction and the
// mutating calls; zero fields are still sent, as Payme expects.
type PaymeTransactionResult struct {
	CreateTime  int64  `json:"create_time,omitempty"`
	PerformTime int64  `json:"perform_time"`
	CancelTime  int64  `json:"cancel_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
	Reason      *int   `json:"reason"`
}

func NewPaymeTransactionResult(t *model.PaymentTransaction) PaymeTransactionResult {
	return PaymeTransactionResult{
		CreateTime:  millis(t.PreparedAt),
		PerformTime: millis(t.CompletedAt),
		CancelTime:  cancelTime(t),
		Transaction: t.ID,
		State:       PaymeState(t),
		Reason:      t.CancelReason,
	}
}

type PaymeStatementItem struct {
	ID          string            `json:"id"`
	Time        int64             `json:"time"`
	Amount      int64             `json:"amount"`
	Account     map[string]string `json:"account"`
	CreateTime  int64             `json:"create_time"`
	PerformTime int64             `json:"perform_time"`
	CancelTime  int64             `json:"cancel_time"`
	Transaction string            `json:"transaction"`
	State       int               `json:"state"`
	Reason      *int              `json:"reason"`
}

func NewPaymeStatementItem(t *model.PaymentTransaction) PaymeStatementItem {
	return PaymeStatementItem{
		ID:          t.External(),
		Time:        millis(t.PreparedAt),
		Amount:      t.FinalAmount,
		Account:     map[string]string{PaymeAccountField: t.MerchantTransID},
		CreateTime:  millis(t.PreparedAt),
		PerformTime: millis(t.CompletedAt),
		CancelTime:  cancelTime(t),
		Transaction: t.ID,
		State:       PaymeState(t),
		Reason:      t.CancelReason,
	}
}

// PaymeErrorFor maps an orchestrator error to a Payme code, a translation key
// and the offending field. Lookups by Payme's own id report a missing
// transaction; lookups by account report a missing order.
func PaymeErrorFor(method string, err error) (code int, key, data string) {
	byPaymeID := method == PaymePerformTransaction || method == PaymeCancelTransaction || method == PaymeCheckTransaction
	switch {
	case byPaymeID && (errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrTransactionNotFound)):
		return PaymeErrTxNotFound, "payme.transaction_not_found", "id"
	case errors.Is(err, domain.ErrSignatureInvalid), errors.Is(err, domain.ErrUnauthorized):
		return PaymeErrUnauthorized, "payme.unauthorized", ""
	case errors.Is(err, domain.ErrAmountMismatch):
		return PaymeErrInvalidAmount, "payme.invalid_amount", "amount"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTransactionNotFound):
		return PaymeErrOrderNotFound, "payme.order_not_found", PaymeAccountField
	case errors.Is(err, domain.ErrTransactionInProgress):
		return PaymeErrOrderBusy, "payme.order_busy", PaymeAccountField
	case errors.Is(err, domain.ErrAlreadyPaid):
		return PaymeErrOrderAlreadyPaid, "payme.already_paid", PaymeAccountField
	case errors.Is(err, domain.ErrTransactionCancelled), errors.Is(err, domain.ErrTransactionExpired), errors.Is(err, domain.ErrNotPrepared):
		return PaymeErrCannotPerform, "payme.cannot_perform", ""
	case errors.Is(err, domain.ErrInvalidArgument):
		return PaymeErrInvalidRequest, "payme.invalid_request", ""
	case IsPaymeMethodError(err):
		return PaymeErrMethodNotFound, "payme.method_not_found", ""
	default:
		return PaymeErrInternal, "payme.internal", ""
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
