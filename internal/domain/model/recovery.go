package model

import "time"

// EntitlementFailure is an operator-facing record of an upgrade that could not
// be applied automatically.
type EntitlementFailure struct {
	TransactionID string
	UserID        string
	UserEmail     string
	LastError     string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// OrphanNotification is a verified provider confirmation whose correlation id
// matched no local transaction when it arrived.
type OrphanNotification struct {
	ID              string
	Method          PaymentMethod
	Kind            EventKind
	MerchantTransID string
	ExternalTransID string
	Amount          int64
	Payload         map[string]string
	ReceivedAt      time.Time
	ResolvedAt      *time.Time
	TransactionID   *string
}

// PaymentNotice is a fire-and-forget summary for notification sinks.
type PaymentNotice struct {
	Kind          string // succeeded | failed | refunded
	TransactionID string
	UserID        string
	UserEmail     string
	Method        PaymentMethod
	Amount        int64
	Currency      string
	Discount      int64
	Detail        string
	At            time.Time
}

func NoticeFor(kind string, t *PaymentTransaction) PaymentNotice {
	n := PaymentNotice{
		Kind:          kind,
		TransactionID: t.ID,
		UserID:        t.UserID,
		UserEmail:     t.UserEmail,
		Method:        t.PaymentMethod,
		Amount:        t.FinalAmount,
		Currency:      t.Currency,
		Discount:      t.DiscountAmount,
		At:            time.Now().UTC(),
	}
	if t.ErrorMessage != nil {
		n.Detail = *t.ErrorMessage
	}
	return n
}
