// File: internal/infra/adapters/payment/payme_gateway.go
package payment

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain"
	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.PaymentGateway = (*PaymeGateway)(nil)
	_ adapter.PrepareExpirer = (*PaymeGateway)(nil)
)

const (
	paymeCheckoutURL     = "https://checkout.paycom.uz"
	paymeTestCheckoutURL = "https://checkout.test.paycom.uz"
	paymeLogin           = "Paycom"
)

// PaymeGateway is the merchant-API flow: Payme calls us over JSON-RPC with
// HTTP Basic credentials, so there is nothing to call out for.
type PaymeGateway struct {
	merchantID string
	key        string
	checkout   string
	returnURL  string
	prepareTTL time.Duration
}

func NewPaymeGateway(cfg config.PaymeConfig) (*PaymeGateway, error) {
	if cfg.MerchantID == "" || cfg.Key == "" {
		return nil, errors.New("payme: merchant_id and key are required")
	}
	checkout := paymeCheckoutURL
	if cfg.Test {
		checkout = paymeTestCheckoutURL
	}
	return &PaymeGateway{
		merchantID: cfg.MerchantID,
		key:        cfg.Key,
		checkout:   checkout,
		returnURL:  cfg.ReturnURL,
		prepareTTL: cfg.PrepareTTL,
	}, nil
}

func (g *PaymeGateway) Method() model.PaymentMethod { return model.MethodPayme }

func (g *PaymeGateway) PrepareTTL() time.Duration { return g.prepareTTL }

// Reserve encodes the checkout parameters the way Payme's GET checkout expects:
// base64("m=<merchant>;ac.order_id=<id>;a=<tiyin>;c=<return url>").
func (g *PaymeGateway) Reserve(_ context.Context, req adapter.ReserveRequest) (*adapter.Reservation, error) {
	if req.Amount <= 0 || req.MerchantTransID == "" {
		return nil, domain.ErrInvalidArgument
	}
	parts := []string{
		"m=" + g.merchantID,
		"ac." + PaymeAccountField + "=" + req.MerchantTransID,
		"a=" + itoa(req.Amount),
	}
	if ret := firstNonEmpty(req.ReturnURL, g.returnURL); ret != "" {
		parts = append(parts, "c="+ret)
	}
	if req.Lang != "" {
		parts = append(parts, "l="+req.Lang)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, ";")))
	return &adapter.Reservation{
		OK:         true,
		PaymentURL: g.checkout + "/" + encoded,
		Raw:        map[string]interface{}{"account": req.MerchantTransID},
	}, nil
}

func (g *PaymeGateway) Challenge(context.Context, string, adapter.CardDetails) (bool, error) {
	return false, nil
}

// Commit is implicit: PerformTransaction is the proof.
func (g *PaymeGateway) Commit(context.Context, string, string) (*adapter.Commitment, error) {
	return &adapter.Commitment{Confirmed: true}, nil
}

// VerifySignature checks the Basic credentials Payme sends with every call.
func (g *PaymeGateway) VerifySignature(p model.SignedPayload) bool {
	h := strings.TrimSpace(p.Authorization)
	const prefix = "Basic "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(prefix):]))
	if err != nil {
		return false
	}
	login, password, ok := strings.Cut(string(raw), ":")
	if !ok || login != paymeLogin {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(g.key)) == 1
}
