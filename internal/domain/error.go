package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrUnauthorized       = errors.New("unauthorized")

	// Payment lifecycle
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrAmountMismatch        = errors.New("amount does not match transaction")
	ErrTransactionCancelled  = errors.New("transaction is cancelled or failed")
	ErrTransactionExpired    = errors.New("transaction expired")
	ErrNotPrepared           = errors.New("transaction has not been prepared")
	ErrIllegalTransition     = errors.New("illegal status transition")
	ErrTransactionInProgress = errors.New("order is bound to another provider transaction")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrAlreadyPaid           = errors.New("user already holds the paid tier")
	ErrMethodUnavailable     = errors.New("payment method unavailable")
	ErrRateLimited           = errors.New("too many requests")
	ErrUserNotFound          = errors.New("user not found")
)

// PaymentCategory is the closed set of user-facing failure categories.
type PaymentCategory string

const (
	CategoryInvalidAmount       PaymentCategory = "invalid_amount"
	CategoryInvalidCredential   PaymentCategory = "invalid_credential"
	CategoryExpiredChallenge    PaymentCategory = "expired_challenge"
	CategoryAlreadyProcessed    PaymentCategory = "already_processed"
	CategoryRateLimited         PaymentCategory = "rate_limited"
	CategoryProviderUnavailable PaymentCategory = "provider_unavailable"
)

// ProviderError carries a provider-declared business error. Code and Detail are
// raw provider text, kept for operators and never shown to end users.
type ProviderError struct {
	Category PaymentCategory
	Code     string
	Detail   string
	// Final is set when the provider-side transaction can no longer succeed.
	Final bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s] %s: %s", e.Category, e.Code, e.Detail)
}

// Retryable reports whether the caller may retry the same call later.
func (e *ProviderError) Retryable() bool {
	return e.Category == CategoryProviderUnavailable || e.Category == CategoryRateLimited
}

// CategoryOf maps any error on the payment path to a user-facing category.
func CategoryOf(err error) PaymentCategory {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Category
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrInvalidArgument):
		return CategoryInvalidAmount
	case errors.Is(err, ErrTransactionExpired):
		return CategoryExpiredChallenge
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrTransactionCancelled), errors.Is(err, ErrTransactionInProgress):
		return CategoryAlreadyProcessed
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimited
	default:
		return CategoryProviderUnavailable
	}
}
