package api

import (
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/infra/adapters/payment"
	"catalog-billing/internal/infra/logging"
	"catalog-billing/internal/infra/metrics"
)

const (
	sandboxOutcomeSuccess = "success"
	sandboxOutcomeDecline = "decline"
)

// sandboxEvent turns signed sandbox callback fields into a provider event.
func sandboxEvent(fields map[string]string, sign string) (model.ProviderEvent, error) {
	method, err := model.ParsePaymentMethod(fields["method"])
	if err != nil {
		return model.ProviderEvent{}, err
	}
	ev := model.ProviderEvent{
		Method:          method,
		MerchantTransID: fields["merchant_trans_id"],
		ExternalTransID: fields["trans_id"],
		Payload:         model.SignedPayload{Fields: fields, Signature: sign},
		ReceivedAt:      time.Now().UTC(),
	}
	switch fields["action"] {
	case "prepare":
		ev.Kind = model.EventPrepare
	case "complete":
		ev.Kind = model.EventComplete
	case "cancel":
		ev.Kind = model.EventCancel
		ev.Reason, _ = strconv.Atoi(fields["reason"])
	case "fail":
		ev.Kind = model.EventFail
		ev.ErrorDetail = "sandbox: " + fields["error_note"]
	default:
		return model.ProviderEvent{}, domain.ErrInvalidArgument
	}
	if ev.MerchantTransID == "" && ev.ExternalTransID == "" {
		return model.ProviderEvent{}, domain.ErrInvalidArgument
	}
	if a := fields["amount"]; a != "" {
		amount, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return model.ProviderEvent{}, domain.ErrInvalidArgument
		}
		ev.Amount, ev.HasAmount = amount, true
	}
	return ev, nil
}

// handleSandboxCallback accepts form posts signed with the sandbox secret, for
// scripted end-to-end runs.
func (s *Server) handleSandboxCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.reject(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	fields := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		if k != "sign" {
			fields[k] = r.PostForm.Get(k)
		}
	}
	ev, err := sandboxEvent(fields, r.PostForm.Get("sign"))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	out, err := s.payUC.ApplyEvent(r.Context(), ev)
	metrics.IncWebhook("sandbox", string(ev.Kind), webhookResult(out, err))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
		"transaction": newTransactionView(out.Transaction),
		"applied":     out.Applied,
	}})
}

func (s *Server) handleSandboxPage(w http.ResponseWriter, r *http.Request) {
	s.renderSandbox(w, http.StatusOK, sandboxView{
		Form:            true,
		MerchantTransID: chi.URLParam(r, "merchantTransID"),
		Method:          r.URL.Query().Get("method"),
	})
}

// handleSandboxPay plays the provider side of a redirect payment: it signs and
// applies the callbacks the real provider would send.
func (s *Server) handleSandboxPay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logging.With(ctx, s.log)
	mtid := chi.URLParam(r, "merchantTransID")
	if err := r.ParseForm(); err != nil {
		s.renderSandbox(w, http.StatusBadRequest, sandboxView{Msg: "invalid form"})
		return
	}
	method := r.PostForm.Get("method")
	outcome := r.PostForm.Get("outcome")

	actions := []string{"prepare", "complete"}
	if outcome == sandboxOutcomeDecline {
		actions = []string{"fail"}
	}
	transID := "sbx-ext-" + mtid
	for _, action := range actions {
		fields := map[string]string{
			"method":            method,
			"action":            action,
			"merchant_trans_id": mtid,
			"trans_id":          transID,
		}
		if action == "fail" {
			fields["error_note"] = "declined by payer"
		}
		ev, err := sandboxEvent(fields, payment.SandboxSign(s.cfg.Payment.Sandbox.SecretKey, fields))
		if err == nil {
			_, err = s.payUC.ApplyEvent(ctx, ev)
		}
		metrics.IncWebhook("sandbox", action, webhookResult(nil, err))
		if err != nil {
			l.Warn().Err(err).Str("merchant_trans_id", mtid).Str("action", action).Msg("sandbox payment rejected")
			_, key := errorStatus(err)
			s.renderSandbox(w, http.StatusOK, sandboxView{MerchantTransID: mtid, Msg: s.tr.T(s.lang(r), key)})
			return
		}
	}
	if outcome == sandboxOutcomeDecline {
		s.renderSandbox(w, http.StatusOK, sandboxView{MerchantTransID: mtid, Msg: "payment declined"})
		return
	}
	s.renderSandbox(w, http.StatusOK, sandboxView{OK: true, MerchantTransID: mtid, Msg: s.tr.T(s.lang(r), "payment.completed")})
}

type sandboxView struct {
	OK              bool
	Form            bool
	MerchantTransID string
	Method          string
	Msg             string
}

var sandboxPage = template.Must(template.New("sandbox").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
<title>Sandbox payment</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
.btn{display:inline-block;margin-top:16px;margin-right:8px;padding:10px 16px;border-radius:8px;border:1px solid #888;background:none;cursor:pointer}
.small{font-size:12px;color:#666}
</style>
</head>
<body>
<div class="card">
{{if .Form}}
  <h2>Sandbox {{.Method}} payment</h2>
  <p class="small">Order {{.MerchantTransID}}</p>
  <form method="post">
    <input type="hidden" name="method" value="{{.Method}}" />
    <button class="btn" name="outcome" value="success">Pay</button>
    <button class="btn" name="outcome" value="decline">Decline</button>
  </form>
{{else}}
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{if .OK}}Payment Successful{{else}}Payment Not Completed{{end}}</h2>
  <p>{{.Msg}}</p>
  {{if .MerchantTransID}}<div class="small">Order {{.MerchantTransID}}</div>{{end}}
{{end}}
</div>
</body>
</html>`))

func (s *Server) renderSandbox(w http.ResponseWriter, code int, v sandboxView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = sandboxPage.Execute(w, v)
}
