//go:build !integration

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
)

// fakeGoTrue keeps users in memory and serves the admin endpoints.
type fakeGoTrue struct {
	mu    sync.Mutex
	users map[string]*gotrueUser
	// outages is the number of requests answered with 503 before recovery
	outages int
	calls   map[string]int
}

func (f *fakeGoTrue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != "svc" || r.Header.Get("Authorization") != "Bearer svc" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[r.Method]++
	if f.outages > 0 {
		f.outages--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/admin/users" {
		var out []gotrueUser
		filter := r.URL.Query().Get("filter")
		for _, u := range f.users {
			if strings.Contains(strings.ToLower(u.Email), strings.ToLower(filter)) {
				out = append(out, *u)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"users": out})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/admin/users/")
	u, ok := f.users[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"msg":"User not found"}`))
		return
	}
	if r.Method == http.MethodPut {
		var body struct {
			UserMetadata map[string]interface{} `json:"user_metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		u.UserMetadata = body.UserMetadata
	}
	_ = json.NewEncoder(w).Encode(u)
}

func (f *fakeGoTrue) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestClient(t *testing.T, f *fakeGoTrue) *GoTrueClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewGoTrueClient(config.IdentityConfig{BaseURL: srv.URL, ServiceKey: "svc", JWTSecret: "jwt", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	c.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)
	return c
}

func TestGoTrueClient_Users(t *testing.T) {
	f := &fakeGoTrue{users: map[string]*gotrueUser{
		"u-1": {ID: "u-1", Email: "Alice@Example.uz", UserMetadata: map[string]interface{}{"name": "Alice"}},
	}}
	c := newTestClient(t, f)
	ctx := context.Background()

	t.Run("should load a user by id", func(t *testing.T) {
		u, err := c.GetUserByID(ctx, "u-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if u.Tier != model.TierFree || u.Email != "Alice@Example.uz" {
			t.Errorf("unexpected user %+v", u)
		}
	})

	t.Run("should map a missing user to ErrUserNotFound", func(t *testing.T) {
		if _, err := c.GetUserByID(ctx, "nope"); !errors.Is(err, domain.ErrUserNotFound) {
			t.Errorf("expected ErrUserNotFound, got %v", err)
		}
		if _, err := c.GetUserByEmail(ctx, "bob@example.uz"); !errors.Is(err, domain.ErrUserNotFound) {
			t.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})

	t.Run("should find a user by email ignoring case", func(t *testing.T) {
		u, err := c.GetUserByEmail(ctx, "alice@example.uz")
		if err != nil || u.ID != "u-1" {
			t.Fatalf("expected u-1, got %+v, %v", u, err)
		}
	})

	t.Run("should merge metadata instead of replacing it", func(t *testing.T) {
		err := c.UpdateUserMetadata(ctx, "u-1", map[string]interface{}{"tier": "paid", "transactionId": "tx-1"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		u, _ := c.GetUserByID(ctx, "u-1")
		if u.Metadata["name"] != "Alice" || u.Tier != model.TierPaid {
			t.Errorf("expected merged metadata, got %v", u.Metadata)
		}
	})
}

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims accessClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestGoTrueClient_VerifyBearerToken(t *testing.T) {
	c := newTestClient(t, &fakeGoTrue{users: map[string]*gotrueUser{}})
	ctx := context.Background()
	valid := accessClaims{
		Email: "a@b.uz",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	t.Run("should accept a valid token", func(t *testing.T) {
		u, err := c.VerifyBearerToken(ctx, sign(t, "jwt", jwt.SigningMethodHS256, valid))
		if err != nil || u.ID != "u-1" || u.Email != "a@b.uz" {
			t.Fatalf("unexpected result %+v, %v", u, err)
		}
	})

	t.Run("should reject a foreign signature", func(t *testing.T) {
		_, err := c.VerifyBearerToken(ctx, sign(t, "other", jwt.SigningMethodHS256, valid))
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		expired := valid
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := c.VerifyBearerToken(ctx, sign(t, "jwt", jwt.SigningMethodHS256, expired))
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("should reject other algorithms", func(t *testing.T) {
		_, err := c.VerifyBearerToken(ctx, sign(t, "jwt", jwt.SigningMethodHS512, valid))
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestGoTrueClient_Retry(t *testing.T) {
	users := func() map[string]*gotrueUser {
		return map[string]*gotrueUser{"u-1": {ID: "u-1", Email: "alice@example.uz", UserMetadata: map[string]interface{}{}}}
	}

	t.Run("should retry a user lookup after a 503", func(t *testing.T) {
		// --- Arrange ---
		f := &fakeGoTrue{users: users(), outages: 1}
		c := newTestClient(t, f)

		// --- Act ---
		u, err := c.GetUserByID(context.Background(), "u-1")

		// --- Assert ---
		if err != nil || u.ID != "u-1" {
			t.Fatalf("expected user after retry, got %+v, %v", u, err)
		}
		if n := f.count(http.MethodGet); n != 2 {
			t.Errorf("expected 2 lookups, got %d", n)
		}
	})

	t.Run("should retry an email search after a 503", func(t *testing.T) {
		f := &fakeGoTrue{users: users(), outages: 2}
		c := newTestClient(t, f)

		u, err := c.GetUserByEmail(context.Background(), "alice@example.uz")

		if err != nil || u.ID != "u-1" {
			t.Fatalf("expected user after retry, got %+v, %v", u, err)
		}
	})

	t.Run("should not repeat a metadata write after a 503", func(t *testing.T) {
		f := &fakeGoTrue{users: users()}
		c := newTestClient(t, f)
		// the lookup that precedes the write succeeds; the write hits the outage
		c.client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if r.Method == http.MethodPut {
				f.mu.Lock()
				f.outages = 1
				f.mu.Unlock()
			}
			return nil
		})

		err := c.UpdateUserMetadata(context.Background(), "u-1", map[string]interface{}{"tier": "paid"})

		if err == nil {
			t.Fatal("expected the write to fail")
		}
		if n := f.count(http.MethodPut); n != 1 {
			t.Errorf("expected a single write, got %d", n)
		}
	})
}
