// File: internal/infra/adapters/identity/gotrue_client.go
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
)

var _ adapter.IdentityProvider = (*GoTrueClient)(nil)

// GoTrueClient talks to a GoTrue-compatible auth server with its admin API
// and verifies the HS256 access tokens it issues.
type GoTrueClient struct {
	client    *resty.Client
	jwtSecret []byte
}

func NewGoTrueClient(cfg config.IdentityConfig) (*GoTrueClient, error) {
	if cfg.BaseURL == "" || cfg.ServiceKey == "" {
		return nil, errors.New("identity: base_url and service_key are required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("identity: jwt_secret is required")
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("apikey", cfg.ServiceKey).
		SetAuthToken(cfg.ServiceKey).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryReads)
	return &GoTrueClient{client: client, jwtSecret: []byte(cfg.JWTSecret)}, nil
}

// retryReads repeats lookups on transport errors and 5xx. Metadata writes
// are never repeated.
func retryReads(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || r.StatusCode() >= http.StatusInternalServerError
}

type gotrueUser struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
}

func (u *gotrueUser) toModel() *model.User {
	md := u.UserMetadata
	if md == nil {
		md = map[string]interface{}{}
	}
	return &model.User{ID: u.ID, Email: u.Email, Tier: model.TierFromMetadata(md), Metadata: md}
}

func (c *GoTrueClient) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, domain.ErrInvalidArgument
	}
	var out gotrueUser
	resp, err := c.client.R().SetContext(ctx).SetResult(&out).Get("/admin/users/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("identity get user: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, domain.ErrUserNotFound
	case resp.IsError():
		return nil, fmt.Errorf("identity get user: status %d", resp.StatusCode())
	case out.ID == "":
		return nil, domain.ErrUserNotFound
	}
	return out.toModel(), nil
}

// GetUserByEmail matches exactly, ignoring case, among the filtered page.
func (c *GoTrueClient) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domain.ErrInvalidArgument
	}
	var out struct {
		Users []gotrueUser `json:"users"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"filter": email, "per_page": "50"}).
		SetResult(&out).
		Get("/admin/users")
	if err != nil {
		return nil, fmt.Errorf("identity find user: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("identity find user: status %d", resp.StatusCode())
	}
	for i := range out.Users {
		if strings.EqualFold(out.Users[i].Email, email) {
			return out.Users[i].toModel(), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

// UpdateUserMetadata reads the current metadata and writes back the merge, so
// keys owned by other services survive.
func (c *GoTrueClient) UpdateUserMetadata(ctx context.Context, id string, partial map[string]interface{}) error {
	u, err := c.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	merged := make(map[string]interface{}, len(u.Metadata)+len(partial))
	for k, v := range u.Metadata {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"user_metadata": merged}).
		Put("/admin/users/" + url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("identity update user: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.ErrUserNotFound
	}
	if resp.IsError() {
		return fmt.Errorf("identity update user: status %d", resp.StatusCode())
	}
	return nil
}

type accessClaims struct {
	Email        string                 `json:"email"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
	jwt.RegisteredClaims
}

// VerifyBearerToken validates signature and expiry locally; no round trip.
func (c *GoTrueClient) VerifyBearerToken(_ context.Context, token string) (*model.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	claims := &accessClaims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return nil, domain.ErrUnauthorized
	}
	md := claims.UserMetadata
	if md == nil {
		md = map[string]interface{}{}
	}
	return &model.User{ID: claims.Subject, Email: claims.Email, Tier: model.TierFromMetadata(md), Metadata: md}, nil
}
