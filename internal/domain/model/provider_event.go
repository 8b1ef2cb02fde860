package model

import "time"

type EventKind string

const (
	EventPrepare  EventKind = "prepare"
	EventComplete EventKind = "complete"
	EventCancel   EventKind = "cancel"
	EventFail     EventKind = "fail"
)

// Cancel reason codes. Values follow the merchant-API provider's numbering so
// they can be echoed back verbatim.
const (
	CancelReasonReceiverNotFound = 1
	CancelReasonDebitFailed      = 2
	CancelReasonExecutionFailed  = 3
	CancelReasonTimeout          = 4
	CancelReasonRefund           = 5
	CancelReasonUnknown          = 10
	CancelReasonUser             = 11
)

// SignedPayload is the raw material a gateway authenticates.
type SignedPayload struct {
	Fields        map[string]string
	Signature     string
	Authorization string
}

// ProviderEvent is a provider notification normalized for the orchestrator.
// Correlation is by MerchantTransID when set, otherwise by ExternalTransID.
type ProviderEvent struct {
	Method          PaymentMethod
	Kind            EventKind
	MerchantTransID string
	ExternalTransID string
	Amount          int64
	HasAmount       bool
	Reason          int
	ErrorDetail     string
	// PrepareID echoes the merchant prepare id on complete; zero when the
	// provider does not carry one.
	PrepareID int64

	Payload    SignedPayload
	ReceivedAt time.Time
}

// EventOutcome is what the orchestrator reports back to a webhook handler.
type EventOutcome struct {
	Transaction *PaymentTransaction
	Applied     bool // false when the event was an idempotent replay
}
