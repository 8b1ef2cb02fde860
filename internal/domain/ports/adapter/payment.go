package adapter

import (
	"context"
	"time"

	"catalog-billing/internal/domain/model"
)

// ReserveRequest asks a provider to open a transaction for a local intent.
type ReserveRequest struct {
	MerchantTransID string
	Amount          int64 // minor units
	Description     string
	ReturnURL       string
	Lang            string
}

// Reservation is the provider's answer to Reserve. OK is the normalized
// outcome; Raw keeps provider-declared fields verbatim for diagnostics.
type Reservation struct {
	OK          bool
	ProviderRef string // empty for providers that assign ids on their own callback
	PaymentURL  string // where the client continues, if the flow is redirect based
	Raw         map[string]interface{}
}

// CardDetails are forwarded to card-OTP providers and never stored.
type CardDetails struct {
	Number string // 16 digits
	Expiry string // MMYY
}

// Commitment is the result of finalizing a reserved transaction.
type Commitment struct {
	Confirmed      bool
	ProviderAmount int64
	Raw            map[string]interface{}
}

// PaymentGateway normalizes one provider protocol into the four operations the
// orchestrator drives. Business errors are returned as *domain.ProviderError.
type PaymentGateway interface {
	Method() model.PaymentMethod

	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	// Challenge sends an out-of-band code; redirect flows report false.
	Challenge(ctx context.Context, providerRef string, card CardDetails) (bool, error)
	// Commit finalizes; proof is an OTP for card flows and empty for webhook flows.
	Commit(ctx context.Context, providerRef, proof string) (*Commitment, error)
	// VerifySignature authenticates an inbound callback before any state change.
	VerifySignature(p model.SignedPayload) bool
}

// ProviderStatus is what a provider reports for a transaction on re-query.
type ProviderStatus struct {
	State  model.TransactionStatus // pending | processing | completed | failed | cancelled
	Amount int64
	Raw    map[string]interface{}
}

// StatusChecker is implemented by gateways that can be re-queried.
type StatusChecker interface {
	QueryStatus(ctx context.Context, providerRef string) (*ProviderStatus, error)
}

// Reverser is implemented by gateways that can release a reserved transaction.
type Reverser interface {
	Reverse(ctx context.Context, providerRef string) error
}

// PrepareExpirer is implemented by gateways whose prepared transactions time
// out on the provider side.
type PrepareExpirer interface {
	PrepareTTL() time.Duration
}

// GatewaySet picks the adapter for a payment method.
type GatewaySet map[model.PaymentMethod]PaymentGateway

func NewGatewaySet(gws ...PaymentGateway) GatewaySet {
	set := make(GatewaySet, len(gws))
	for _, g := range gws {
		set[g.Method()] = g
	}
	return set
}

func (s GatewaySet) Get(m model.PaymentMethod) (PaymentGateway, bool) {
	g, ok := s[m]
	return g, ok
}

// Methods lists the configured methods in a stable order.
func (s GatewaySet) Methods() []model.PaymentMethod {
	var out []model.PaymentMethod
	for _, m := range []model.PaymentMethod{model.MethodAtmos, model.MethodClick, model.MethodPayme} {
		if _, ok := s[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
