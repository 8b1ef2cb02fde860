package api

import (
	"errors"
	"net/http"
	"strconv"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/infra/adapters/payment"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

const (
	clickAnyAction    = -1
	clickPrepareOnly  = payment.ClickActionPrepare
	clickCompleteOnly = payment.ClickActionComplete
)

// handleClick serves the prepare and complete callbacks. Click always gets a
// 200 with the outcome in the error field.
func (s *Server) handleClick(action int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		l := logging.With(ctx, s.log)

		if err := r.ParseForm(); err != nil {
			writeClickError(w, payment.ClickResponse{}, domain.ErrInvalidArgument)
			metrics.IncWebhook("click", "unknown", "rejected")
			return
		}
		req, err := payment.ParseClickRequest(r.PostForm)
		if err == nil && action != clickAnyAction && req.Action != action {
			err = domain.ErrInvalidArgument
		}
		if err != nil {
			l.Warn().Err(err).Msg("malformed click request")
			resp := payment.ClickResponse{MerchantTransID: r.PostForm.Get("merchant_trans_id")}
			resp.ClickTransID, _ = strconv.ParseInt(r.PostForm.Get("click_trans_id"), 10, 64)
			writeClickError(w, resp, err)
			metrics.IncWebhook("click", "unknown", "rejected")
			return
		}

		ev := req.Event()
		resp := payment.ClickResponse{MerchantTransID: req.MerchantTransID}
		resp.ClickTransID, _ = strconv.ParseInt(req.ClickTransID, 10, 64)

		out, err := s.payUC.ApplyEvent(ctx, ev)
		metrics.IncWebhook("click", string(ev.Kind), webhookResult(out, err))
		if err != nil {
			l.Warn().Err(err).Str("merchant_trans_id", req.MerchantTransID).Str("kind", string(ev.Kind)).Msg("click callback rejected")
			writeClickError(w, resp, err)
			return
		}

		t := out.Transaction
		switch ev.Kind {
		case model.EventPrepare:
			if t.Status == model.TransactionCompleted {
				resp.Error, resp.ErrorNote = payment.ClickAlreadyPaid, "Already paid"
				break
			}
			resp.MerchantPrepareID = unixMilli(t.PreparedAt)
			resp.Error, resp.ErrorNote = payment.ClickErrorCode(nil)
		case model.EventComplete:
			resp.MerchantPrepareID = unixMilli(t.PreparedAt)
			resp.MerchantConfirmID = unixMilli(t.CompletedAt)
			resp.Error, resp.ErrorNote = payment.ClickErrorCode(nil)
		default:
			// Click reported a failed payment; acknowledge with the cancelled code.
			resp.Error, resp.ErrorNote = payment.ClickErrorCode(domain.ErrTransactionCancelled)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeClickError(w http.ResponseWriter, resp payment.ClickResponse, err error) {
	resp.Error, resp.ErrorNote = payment.ClickErrorCode(err)
	writeJSON(w, http.StatusOK, resp)
}

func writeClickPanic(w http.ResponseWriter, _ *http.Request) {
	writeClickError(w, payment.ClickResponse{}, domain.ErrOperationFailed)
}

// webhookResult labels a callback outcome for metrics.
func webhookResult(out *model.EventOutcome, err error) string {
	switch {
	case err == nil && out != nil && !out.Applied:
		return "replay"
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return "bad_signature"
	case isDomainRejection(err):
		return "rejected"
	default:
		return "error"
	}
}

func isDomainRejection(err error) bool {
	for _, target := range []error{
		domain.ErrTransactionNotFound, domain.ErrAmountMismatch, domain.ErrTransactionCancelled,
		domain.ErrTransactionExpired, domain.ErrNotPrepared, domain.ErrTransactionInProgress,
		domain.ErrInvalidArgument, domain.ErrNotFound, domain.ErrAlreadyPaid, domain.ErrMethodUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
