package models

import "time"

// FundingStatus is the state of a balance top-up.
type FundingStatus string

const (
	FundingPending    FundingStatus = "pending"
	FundingProcessing FundingStatus = "processing"
	FundingSucceeded  FundingStatus = "succeeded"
	FundingFailed     FundingStatus = "failed"
	FundingCanceled   FundingStatus = "canceled"
	FundingRefunded   FundingStatus = "refunded"
)

// FundingTransaction tracks a user deposit into the VaultCard balance.
// Created pending; transitions only on confirmed settlement events.
type FundingTransaction struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	ClientSecret      string        `json:"-"` // handed to the frontend once, never serialized back
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	PaymentMethodType string        `json:"payment_method_type,omitempty"`
	Status            FundingStatus `json:"status"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}
