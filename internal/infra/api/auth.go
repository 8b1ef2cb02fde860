package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/infra/logging"
)

type ctxUserKey struct{}

func userFrom(ctx context.Context) *model.User {
	u, _ := ctx.Value(ctxUserKey{}).(*model.User)
	return u
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireUser resolves the bearer token through the identity provider.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.reject(w, r, http.StatusUnauthorized, "error.unauthorized")
			return
		}
		u, err := s.identity.VerifyBearerToken(r.Context(), token)
		if err != nil || u == nil {
			logging.Security(logging.With(r.Context(), s.log)).Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
			s.reject(w, r, http.StatusUnauthorized, "error.unauthorized")
			return
		}
		ctx := logging.WithUserID(r.Context(), u.ID)
		ctx = context.WithValue(ctx, ctxUserKey{}, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin provides simple Bearer key authentication for the admin API.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Admin.APIKey
		if key == "" {
			s.log.Error().Msg("Admin API key is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			logging.Security(logging.With(r.Context(), s.log)).Str("path", r.URL.Path).Msg("admin key rejected")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
