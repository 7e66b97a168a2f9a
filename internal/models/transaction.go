package models

import "time"

// IssuingTransaction represents a settled charge on a virtual card
type IssuingTransaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	CardID          string    `json:"card_id"`
	ProviderTxID    string    `json:"provider_tx_id"`
	ProviderCardID  string    `json:"provider_card_id"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	MerchantName    string    `json:"merchant_name"`
	MerchantMCC     string    `json:"merchant_mcc"`
	MerchantCity    string    `json:"merchant_city,omitempty"`
	MerchantCountry string    `json:"merchant_country,omitempty"`
	Type            string    `json:"type"`
	OccurredAt      time.Time `json:"occurred_at"`
	CreatedAt       time.Time `json:"created_at"`
}
