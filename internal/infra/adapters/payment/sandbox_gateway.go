package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.PaymentGateway = (*SandboxGateway)(nil)
	_ adapter.StatusChecker  = (*SandboxGateway)(nil)
	_ adapter.Reverser       = (*SandboxGateway)(nil)
)

// SandboxGateway simulates a provider in memory. The atmos method runs the
// card + OTP flow; the others behave like redirect flows settled through the
// signed sandbox callback.
type SandboxGateway struct {
	method  model.PaymentMethod
	secret  string
	otp     string
	payBase string

	mu      sync.Mutex
	intents map[string]*sandboxIntent
}

type sandboxIntent struct {
	merchantTransID string
	amount          int64
	state           model.TransactionStatus
}

func NewSandboxGateway(method model.PaymentMethod, cfg config.SandboxConfig, publicBaseURL string) *SandboxGateway {
	base := strings.TrimRight(publicBaseURL, "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &SandboxGateway{
		method:  method,
		secret:  cfg.SecretKey,
		otp:     cfg.OTP,
		payBase: base + "/api/sandbox/pay/",
		intents: make(map[string]*sandboxIntent),
	}
}

func (g *SandboxGateway) Method() model.PaymentMethod { return g.method }

// next returns a ref that stays unique across restarts and replicas.
func (g *SandboxGateway) next() string {
	return "sbx-" + string(g.method) + "-" + uuid.NewString()
}

func (g *SandboxGateway) cardFlow() bool { return g.method == model.MethodAtmos }

func (g *SandboxGateway) Reserve(_ context.Context, req adapter.ReserveRequest) (*adapter.Reservation, error) {
	if req.Amount <= 0 || req.MerchantTransID == "" {
		return nil, domain.ErrInvalidArgument
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ref := g.next()
	g.intents[ref] = &sandboxIntent{merchantTransID: req.MerchantTransID, amount: req.Amount, state: model.TransactionPending}
	res := &adapter.Reservation{
		OK:  true,
		Raw: map[string]interface{}{"sandbox": true},
	}
	if g.cardFlow() {
		res.ProviderRef = ref
	} else {
		res.PaymentURL = g.payBase + req.MerchantTransID + "?method=" + string(g.method)
	}
	return res, nil
}

func (g *SandboxGateway) Challenge(_ context.Context, ref string, card adapter.CardDetails) (bool, error) {
	if !g.cardFlow() {
		return false, nil
	}
	if !cardNumberRe.MatchString(strings.ReplaceAll(card.Number, " ", "")) {
		return false, &domain.ProviderError{Category: domain.CategoryInvalidCredential, Code: "card_number", Detail: "card number must be 16 digits"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[ref]
	if !ok {
		return false, &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: "not_found", Detail: "sandbox: unknown ref"}
	}
	in.state = model.TransactionProcessing
	return true, nil
}

func (g *SandboxGateway) Commit(_ context.Context, ref, proof string) (*adapter.Commitment, error) {
	if !g.cardFlow() {
		return &adapter.Commitment{Confirmed: true}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[ref]
	if !ok {
		return nil, &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: "not_found", Detail: "sandbox: unknown ref"}
	}
	if in.state == model.TransactionCompleted {
		return nil, &domain.ProviderError{Category: domain.CategoryAlreadyProcessed, Code: "completed", Detail: "sandbox: already confirmed", Final: true}
	}
	if proof != g.otp {
		return nil, &domain.ProviderError{Category: domain.CategoryInvalidCredential, Code: "otp", Detail: "sandbox: wrong otp"}
	}
	in.state = model.TransactionCompleted
	return &adapter.Commitment{Confirmed: true, ProviderAmount: in.amount}, nil
}

func (g *SandboxGateway) QueryStatus(_ context.Context, ref string) (*adapter.ProviderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[ref]
	if !ok {
		return nil, &domain.ProviderError{Category: domain.CategoryProviderUnavailable, Code: "not_found", Detail: "sandbox: unknown ref"}
	}
	return &adapter.ProviderStatus{State: in.state, Amount: in.amount}, nil
}

func (g *SandboxGateway) Reverse(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[ref]; ok && in.state != model.TransactionCompleted {
		in.state = model.TransactionCancelled
	}
	return nil
}

// Settle forces the provider-side state of a reservation.
func (g *SandboxGateway) Settle(ref string, state model.TransactionStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[ref]
	if ok {
		in.state = state
	}
	return ok
}

// VerifySignature checks hex(HMAC-SHA256(secret, "k1=v1&k2=v2...")) over the
// sorted fields.
func (g *SandboxGateway) VerifySignature(p model.SignedPayload) bool {
	if g.secret == "" || p.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(SandboxSign(g.secret, p.Fields)), []byte(strings.ToLower(p.Signature)))
}

// SandboxSign produces the signature the sandbox callback must carry.
func SandboxSign(secret string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
