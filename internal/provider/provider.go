package provider

import (
	"context"
	"errors"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// ErrTransient marks a provider call that failed for a retryable reason
// (network fault, 5xx). Callers propagate it for retry instead of marking
// the triggering event processed.
var ErrTransient = errors.New("transient provider error")

// PaymentIntentRequest asks the provider to set up a funding payment.
type PaymentIntentRequest struct {
	UserID            string
	AmountCents       int64
	Currency          string
	PaymentMethodType string
	Description       string
}

// PaymentIntent is the provider's handle for a pending funding payment.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// CreateCardRequest asks the provider to issue a virtual card.
type CreateCardRequest struct {
	UserID              string
	CardholderName      string
	Nickname            string
	Currency            string
	PerTransactionLimit int64
	PerPeriodLimit      int64
}

// ProviderCard is the provider's view of an issued card.
type ProviderCard struct {
	ID       string
	Last4    string
	Brand    string
	ExpMonth int
	ExpYear  int
	Status   models.CardStatus
}

// TransactionListRequest filters a provider-side transaction listing.
type TransactionListRequest struct {
	CardID string
	Limit  int
}

// ProviderTransaction is one settled charge as the provider reports it.
type ProviderTransaction struct {
	ID          string          `json:"id"`
	CardID      string          `json:"card_id"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Merchant    models.Merchant `json:"merchant"`
	Type        string          `json:"type"`
}

// TransactionList is a page of provider transactions.
type TransactionList struct {
	Transactions []ProviderTransaction `json:"transactions"`
	HasMore      bool                  `json:"has_more"`
}

// Provider normalizes one card-issuing/payment backend. The decision engine
// and ledger never see a concrete backend; one implementation is selected
// at startup from configuration and passed by reference to everything that
// needs it.
type Provider interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CreateCard(ctx context.Context, req CreateCardRequest) (*ProviderCard, error)
	GetCard(ctx context.Context, providerCardID string) (*ProviderCard, error)
	SetCardStatus(ctx context.Context, providerCardID string, status models.CardStatus) (*ProviderCard, error)
	ListTransactions(ctx context.Context, req TransactionListRequest) (*TransactionList, error)

	// VerifySignature authenticates a raw webhook payload. It is a keyed
	// hash computation, never a network call.
	VerifySignature(payload []byte, signature string) bool

	// NormalizeWebhook maps a backend-specific payload into the event
	// shape the ingestor consumes. All backend parsing is isolated here.
	NormalizeWebhook(payload []byte) (*models.NormalizedEvent, error)
}
