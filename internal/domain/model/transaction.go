package model

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"catalog-billing/internal/domain"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"    // created locally; provider not yet prepared
	TransactionProcessing TransactionStatus = "processing" // provider prepared / challenge sent
	TransactionCompleted  TransactionStatus = "completed"  // funds captured
	TransactionFailed     TransactionStatus = "failed"
	TransactionCancelled  TransactionStatus = "cancelled"
	TransactionRefunded   TransactionStatus = "refunded"
)

// IsTerminal reports whether no forward transition except refund remains.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionCompleted, TransactionFailed, TransactionCancelled, TransactionRefunded:
		return true
	}
	return false
}

var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending:    {TransactionProcessing, TransactionFailed, TransactionCancelled},
	TransactionProcessing: {TransactionCompleted, TransactionFailed, TransactionCancelled},
	TransactionCompleted:  {TransactionRefunded},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// pending -> completed is deliberately absent; only the zero-amount path creates
// rows directly in completed.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition accepts the edges of the state machine and same-state
// writes, which only touch the transition fields.
func CheckTransition(from, to TransactionStatus) error {
	if from == to || CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
}

type PaymentMethod string

const (
	MethodAtmos  PaymentMethod = "atmos"
	MethodClick  PaymentMethod = "click"
	MethodPayme  PaymentMethod = "payme"
	MethodCoupon PaymentMethod = "coupon" // zero-amount fast path
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodAtmos, MethodClick, MethodPayme:
		return m, nil
	}
	return "", domain.ErrInvalidArgument
}

// EntitlementState tracks the tier upgrade that follows a completed payment.
type EntitlementState string

const (
	EntitlementNone    EntitlementState = "none"
	EntitlementPending EntitlementState = "pending" // completed, upgrade not yet applied
	EntitlementApplied EntitlementState = "applied"
)

// PaymentTransaction is one attempt to pay for the paid tier.
type PaymentTransaction struct {
	ID               string
	MerchantTransID  string  // correlation key handed to the provider
	ExternalTransID  *string // provider-assigned once acknowledged
	UserID           string
	UserEmail        string
	PaymentMethod    PaymentMethod
	OriginalAmount   int64 // minor units (tiyin)
	DiscountAmount   int64
	FinalAmount      int64
	Currency         string
	CouponID         *string
	Status           TransactionStatus
	EntitlementState EntitlementState
	Metadata         map[string]interface{}
	ErrorMessage     *string
	CancelReason     *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PreparedAt       *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
}

// NewMerchantTransID returns a globally unique, unguessable, time-sortable id.
func NewMerchantTransID(now time.Time) string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}

// NewPaymentTransaction builds a pending transaction and checks amount integrity.
func NewPaymentTransaction(userID, email string, method PaymentMethod, original, discount int64, currency string) (*PaymentTransaction, error) {
	if userID == "" || original <= 0 || discount < 0 || discount > original {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now().UTC()
	t := &PaymentTransaction{
		ID:               uuid.NewString(),
		MerchantTransID:  NewMerchantTransID(now),
		UserID:           userID,
		UserEmail:        email,
		PaymentMethod:    method,
		OriginalAmount:   original,
		DiscountAmount:   discount,
		FinalAmount:      original - discount,
		Currency:         currency,
		Status:           TransactionPending,
		EntitlementState: EntitlementNone,
		Metadata:         map[string]interface{}{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return t, nil
}

// AmountsConsistent checks finalAmount = originalAmount - discountAmount.
func (t *PaymentTransaction) AmountsConsistent() bool {
	return t.FinalAmount >= 0 && t.DiscountAmount >= 0 && t.FinalAmount+t.DiscountAmount == t.OriginalAmount
}

func (t *PaymentTransaction) External() string {
	if t.ExternalTransID == nil {
		return ""
	}
	return *t.ExternalTransID
}

func (t *PaymentTransaction) IsFullDiscount() bool {
	return t.FinalAmount == 0 && t.CouponID != nil
}
