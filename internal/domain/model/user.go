package model

import "time"

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// User is the identity provider's view of an account. This service only ever
// reads it and merges tier provenance into Metadata.
type User struct {
	ID       string
	Email    string
	Tier     Tier
	Metadata map[string]interface{}
}

func (u *User) IsPaid() bool { return u != nil && u.Tier == TierPaid }

// TierFromMetadata reads the tier field written by EntitlementMetadata.
func TierFromMetadata(md map[string]interface{}) Tier {
	if v, ok := md["tier"].(string); ok && Tier(v) == TierPaid {
		return TierPaid
	}
	return TierFree
}

// EntitlementMetadata is the partial metadata merged into the user record on upgrade.
func EntitlementMetadata(t *PaymentTransaction, paidAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"tier":          string(TierPaid),
		"paidAt":        paidAt.UTC().Format(time.RFC3339),
		"paymentMethod": string(t.PaymentMethod),
		"transactionId": t.ID,
	}
}
