package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

// atmosCallback is the payment notification Atmos posts after a capture.
type atmosCallback struct {
	StoreID         json.Number `json:"store_id"`
	TransactionID   json.Number `json:"transaction_id"`
	TransactionTime string      `json:"transaction_time"`
	Amount          json.Number `json:"amount"`
	Invoice         string      `json:"invoice"`
	Sign            string      `json:"sign"`
}

type atmosAck struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleAtmosCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logging.With(ctx, s.log)

	var cb atmosCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil || cb.TransactionID == "" || cb.Invoice == "" {
		metrics.IncWebhook("atmos", "complete", "rejected")
		writeJSON(w, http.StatusOK, atmosAck{Status: 0, Message: "invalid request"})
		return
	}
	amount, err := strconv.ParseInt(cb.Amount.String(), 10, 64)
	if err != nil || amount <= 0 {
		metrics.IncWebhook("atmos", "complete", "rejected")
		writeJSON(w, http.StatusOK, atmosAck{Status: 0, Message: "invalid amount"})
		return
	}

	ev := model.ProviderEvent{
		Method:          model.MethodAtmos,
		Kind:            model.EventComplete,
		MerchantTransID: cb.Invoice,
		ExternalTransID: cb.TransactionID.String(),
		Amount:          amount,
		HasAmount:       true,
		Payload: model.SignedPayload{
			Fields: map[string]string{
				"store_id":       cb.StoreID.String(),
				"transaction_id": cb.TransactionID.String(),
				"invoice":        cb.Invoice,
				"amount":         cb.Amount.String(),
			},
			Signature: cb.Sign,
		},
		ReceivedAt: time.Now().UTC(),
	}

	out, err := s.payUC.ApplyEvent(ctx, ev)
	metrics.IncWebhook("atmos", "complete", webhookResult(out, err))
	if err != nil {
		l.Warn().Err(err).Str("invoice", cb.Invoice).Msg("atmos callback rejected")
		msg := "internal error"
		if isDomainRejection(err) {
			msg = err.Error()
		}
		writeJSON(w, http.StatusOK, atmosAck{Status: 0, Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, atmosAck{Status: 1, Message: "Успешно"})
}

func writeAtmosPanic(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, atmosAck{Status: 0, Message: "internal error"})
}
