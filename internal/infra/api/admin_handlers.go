package api

import (
	"errors"
	"net/http"
	"strconv"

	"catalog-billing/internal/domain/ports/adapter"
)

func (s *Server) handleRecoveryRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.recUC.Run(r.Context())
	if errors.Is(err, adapter.ErrLockHeld) {
		writeJSON(w, http.StatusConflict, envelope{Success: false, Code: "recovery_running", Message: "a recovery pass is already running"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("admin recovery run failed")
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: "recovery failed"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rep})
}

func (s *Server) handleEntitlementFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid limit"})
			return
		}
		limit = n
	}
	fs, err := s.recUC.ListEntitlementFailures(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list entitlement failures")
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: fs})
}
