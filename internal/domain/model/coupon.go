package model

import (
	"strings"
	"time"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Coupon is soft-disabled through IsActive; rows are never deleted.
type Coupon struct {
	ID            string
	Code          string // stored upper-case
	DiscountType  DiscountType
	DiscountValue int64
	MaxUses       *int // nil = unlimited
	UsedCount     int
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CouponUsage is an append-only redemption ledger row.
type CouponUsage struct {
	ID             string
	CouponID       string
	UserID         string
	PaymentID      string
	OriginalAmount int64
	DiscountAmount int64
	FinalAmount    int64
	UsedAt         time.Time
}

// NormalizeCouponCode trims and upper-cases a user-supplied code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Reasons a coupon is refused.
const (
	CouponInactive   = "inactive"
	CouponNotStarted = "not_started"
	CouponExpired    = "expired"
	CouponExhausted  = "exhausted"
)

// Rejection returns why the coupon may not be applied at now, or "".
func (c *Coupon) Rejection(now time.Time) string {
	switch {
	case c == nil || !c.IsActive:
		return CouponInactive
	case c.ValidFrom != nil && c.ValidFrom.After(now):
		return CouponNotStarted
	case c.ValidUntil != nil && c.ValidUntil.Before(now):
		return CouponExpired
	case c.MaxUses != nil && c.UsedCount >= *c.MaxUses:
		return CouponExhausted
	}
	return ""
}

// Redeemable reports whether the coupon may be applied at now.
func (c *Coupon) Redeemable(now time.Time) bool {
	return c.Rejection(now) == ""
}

// DiscountFor returns the discount on amount, never exceeding it.
func (c *Coupon) DiscountFor(amount int64) int64 {
	if amount <= 0 || c.DiscountValue <= 0 {
		return 0
	}
	var d int64
	switch c.DiscountType {
	case DiscountPercentage:
		v := c.DiscountValue
		if v > 100 {
			v = 100
		}
		d = amount * v / 100
	case DiscountFixed:
		d = c.DiscountValue
	}
	if d > amount {
		d = amount
	}
	return d
}
