package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"catalog-billing/internal/domain"
	"catalog-billing/internal/infra/logging"
)

// envelope is the client API response shape.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidArgument
	}
	return nil
}

func (s *Server) lang(r *http.Request) string {
	return s.tr.Lang(r.Header.Get("Accept-Language"))
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, key string, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: s.tr.T(s.lang(r), key), Data: data})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, key string) {
	writeJSON(w, status, envelope{Success: false, Message: s.tr.T(s.lang(r), key), Code: key})
}

// fail maps err to a status and a localized category message. Provider detail
// goes to the log only.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, key := errorStatus(err)
	l := logging.With(r.Context(), s.log)
	ev := l.Warn()
	if status >= http.StatusInternalServerError {
		ev = l.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	s.reject(w, r, status, key)
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request) {
	s.reject(w, r, http.StatusInternalServerError, "error.provider_unavailable")
}

func errorStatus(err error) (int, string) {
	var pe *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "error.unauthorized"
	case errors.Is(err, domain.ErrTransactionNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "error.not_found"
	case errors.Is(err, domain.ErrAlreadyPaid):
		return http.StatusConflict, "error.already_paid"
	case errors.Is(err, domain.ErrMethodUnavailable):
		return http.StatusBadRequest, "error.method_unavailable"
	case errors.As(err, &pe):
		return categoryStatus(pe.Category), "error." + string(pe.Category)
	}
	switch cat := domain.CategoryOf(err); cat {
	case domain.CategoryProviderUnavailable:
		return http.StatusInternalServerError, "error.provider_unavailable"
	default:
		return categoryStatus(cat), "error." + string(cat)
	}
}

func categoryStatus(c domain.PaymentCategory) int {
	switch c {
	case domain.CategoryInvalidAmount:
		return http.StatusBadRequest
	case domain.CategoryInvalidCredential:
		return http.StatusUnprocessableEntity
	case domain.CategoryExpiredChallenge:
		return http.StatusGone
	case domain.CategoryAlreadyProcessed:
		return http.StatusConflict
	case domain.CategoryRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
