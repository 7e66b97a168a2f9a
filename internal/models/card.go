package models

import "time"

// CardStatus mirrors the issuing provider's card lifecycle.
type CardStatus string

const (
	CardInactive CardStatus = "inactive"
	CardActive   CardStatus = "active"
	CardFrozen   CardStatus = "frozen"
	CardCanceled CardStatus = "canceled"
)

// Card represents a provider-issued virtual card. Only provider-safe
// identifiers and masked data are stored, never the full PAN or CVC.
type Card struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ProviderCardID string     `json:"provider_card_id"`
	Last4          string     `json:"last4"`
	Brand          string     `json:"brand"`
	ExpMonth       int        `json:"exp_month"`
	ExpYear        int        `json:"exp_year"`
	Status         CardStatus `json:"status"`
	Nickname       string     `json:"nickname,omitempty"`

	// Spending limits in minor units (cents). Zero means unbounded.
	PerTransactionLimit int64 `json:"per_transaction_limit"`
	PerPeriodLimit      int64 `json:"per_period_limit"`
	PeriodSpent         int64 `json:"period_spent"`

	Currency   string     `json:"currency"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`
}
