package adapter

import (
	"context"

	"catalog-billing/internal/domain/model"
)

// Notifier delivers a payment notice. Callers never wait on it for the
// outcome of a payment.
type Notifier interface {
	Notify(ctx context.Context, n model.PaymentNotice) error
}
