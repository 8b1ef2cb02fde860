package adapter

import (
	"context"

	"catalog-billing/internal/domain/model"
)

// IdentityProvider is the external user directory. Lookups return
// domain.ErrUserNotFound when the user does not exist.
type IdentityProvider interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// UpdateUserMetadata merges partial into the stored metadata.
	UpdateUserMetadata(ctx context.Context, id string, partial map[string]interface{}) error
	// VerifyBearerToken returns nil, domain.ErrUnauthorized for invalid tokens.
	VerifyBearerToken(ctx context.Context, token string) (*model.User, error)
}
