package models

import "time"

// EventKind classifies normalized provider webhook events.
type EventKind string

const (
	EventAuthorizationRequest  EventKind = "authorization.request"
	EventAuthorizationReversed EventKind = "authorization.reversed"
	EventTransactionCreated    EventKind = "transaction.created"
	EventPaymentSucceeded      EventKind = "payment.succeeded"
	EventPaymentFailed         EventKind = "payment.failed"
	EventCardCreated           EventKind = "card.created"
	EventCardUpdated           EventKind = "card.updated"
	EventUnknown               EventKind = "unknown"
)

// Merchant describes the merchant behind an authorization or capture.
type Merchant struct {
	Name    string `json:"name"`
	MCC     string `json:"mcc"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// NormalizedEvent is the provider-agnostic event shape consumed by the
// ingestor. All backend-specific payload parsing happens before this point.
type NormalizedEvent struct {
	ID   string    `json:"id"`
	Kind EventKind `json:"kind"`

	// CardRef and PaymentRef are provider-side identifiers.
	CardRef    string `json:"card_ref,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`

	// AuthorizationRef is the provider-side authorization id that ties a
	// settlement or reversal back to the original hold.
	AuthorizationRef string `json:"authorization_ref,omitempty"`

	AmountCents int64      `json:"amount_cents,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Merchant    *Merchant  `json:"merchant,omitempty"`
	CardStatus  CardStatus `json:"card_status,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// AuthorizationRequest is the ephemeral real-time ask from the card network.
// It lives only for the duration of one decision.
type AuthorizationRequest struct {
	EventID          string
	AuthorizationRef string
	CardRef          string
	AmountCents      int64
	Currency         string
	Merchant         *Merchant
}

// Decline reasons returned to the network.
const (
	ReasonCardNotFound       = "card_not_found"
	ReasonCardInactive       = "card_inactive"
	ReasonProfileNotActive   = "profile_not_active"
	ReasonLimitExceeded      = "limit_exceeded"
	ReasonMerchantNotAllowed = "merchant_not_allowed"
	ReasonInvalidAmount      = "invalid_amount"
	ReasonInternalError      = "internal_error"
)

// Decision is the engine's answer to an authorization request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Ingest outcome statuses.
const (
	OutcomeProcessed = "processed"
	OutcomeDecided   = "decided"
	OutcomeIgnored   = "ignored"
)

// IngestOutcome is the recorded result of processing one event id.
// Immutable once written; replays of the same id return it verbatim.
type IngestOutcome struct {
	EventID     string    `json:"event_id"`
	Kind        EventKind `json:"kind"`
	Status      string    `json:"status"`
	Decision    *Decision `json:"decision,omitempty"`
	Message     string    `json:"message,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
