package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/infra/adapters/payment"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

// handlePayme serves the Payme merchant JSON-RPC endpoint. Every answer is a
// 200 carrying either result or error.
func (s *Server) handlePayme(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logging.With(ctx, s.log)

	var req payment.PaymeRequest
	decodeErr := json.NewDecoder(r.Body).Decode(&req)

	payload := model.SignedPayload{Authorization: r.Header.Get("Authorization")}
	if err := s.payUC.VerifyCallback(model.MethodPayme, payload); err != nil {
		logging.Security(l).Str("method", req.Method).Msg("payme authorization rejected")
		metrics.IncWebhook("payme", req.Method, "bad_signature")
		s.writePaymeError(w, req.ID, payment.PaymeErrUnauthorized, "payme.unauthorized", "")
		return
	}
	if decodeErr != nil {
		metrics.IncWebhook("payme", "unknown", "rejected")
		s.writePaymeError(w, nil, payment.PaymeErrParse, "payme.parse_error", "")
		return
	}

	p, err := payment.ParsePaymeParams(req.Method, req.Params)
	if err != nil {
		metrics.IncWebhook("payme", req.Method, "rejected")
		code, key, data := payment.PaymeErrorFor(req.Method, err)
		s.writePaymeError(w, req.ID, code, key, data)
		return
	}

	result, applied, err := s.dispatchPayme(ctx, req.Method, p, payload)
	metrics.IncWebhook("payme", req.Method, webhookResult(applied, err))
	if err != nil {
		l.Warn().Err(err).Str("method", req.Method).Str("payme_id", p.ID).Msg("payme call rejected")
		code, key, data := payment.PaymeErrorFor(req.Method, err)
		s.writePaymeError(w, req.ID, code, key, data)
		return
	}
	writeJSON(w, http.StatusOK, payment.PaymeResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatchPayme(ctx context.Context, method string, p *payment.PaymeParams, payload model.SignedPayload) (interface{}, *model.EventOutcome, error) {
	switch method {
	case payment.PaymeCheckPerformTransaction:
		if _, err := s.payUC.CheckPayable(ctx, model.MethodPayme, p.OrderID(), p.Amount); err != nil {
			return nil, nil, err
		}
		return map[string]bool{"allow": true}, nil, nil

	case payment.PaymeCreateTransaction, payment.PaymePerformTransaction, payment.PaymeCancelTransaction:
		out, err := s.payUC.ApplyEvent(ctx, payment.PaymeEvent(method, p, payload))
		if err != nil {
			return nil, nil, err
		}
		return payment.NewPaymeTransactionResult(out.Transaction), out, nil

	case payment.PaymeCheckTransaction:
		t, err := s.payUC.FindByExternal(ctx, model.MethodPayme, p.ID)
		if err != nil {
			return nil, nil, err
		}
		return payment.NewPaymeTransactionResult(t), nil, nil

	default: // GetStatement
		ts, err := s.payUC.Statement(ctx, model.MethodPayme, time.UnixMilli(p.From), time.UnixMilli(p.To))
		if err != nil {
			return nil, nil, err
		}
		items := make([]payment.PaymeStatementItem, 0, len(ts))
		for _, t := range ts {
			items = append(items, payment.NewPaymeStatementItem(t))
		}
		return map[string]interface{}{"transactions": items}, nil, nil
	}
}

func (s *Server) writePaymeError(w http.ResponseWriter, id json.RawMessage, code int, key, data string) {
	writeJSON(w, http.StatusOK, payment.PaymeResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &payment.PaymeError{Code: code, Message: s.tr.All(key), Data: data},
	})
}

func writePaymePanic(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, payment.PaymeResponse{
		JSONRPC: "2.0",
		Error:   &payment.PaymeError{Code: payment.PaymeErrInternal, Message: map[string]string{"en": "Internal error"}},
	})
}

func unixMilli(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
