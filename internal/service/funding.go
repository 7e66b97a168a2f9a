package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/provider"
)

// FundingResponse wraps a created funding transaction with the one-time
// client secret and a display-only CNY estimate.
type FundingResponse struct {
	Transaction  *models.FundingTransaction `json:"transaction"`
	ClientSecret string                     `json:"client_secret,omitempty"`

	// EstimatedCNYCents is informational; the balance is always credited
	// in the transaction currency.
	EstimatedCNYCents int64 `json:"estimated_cny_cents,omitempty"`
}

// CreateFunding initiates a balance top-up through the payment provider
func (s *Service) CreateFunding(ctx context.Context, userID string, amountCents int64, methodType string) (*FundingResponse, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", models.ErrValidation)
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("account disabled: %w", models.ErrStateConflict)
	}
	if user.KYCStatus != models.KYCVerified {
		return nil, fmt.Errorf("identity verification required before funding: %w", models.ErrStateConflict)
	}

	intent, err := s.provider.CreatePaymentIntent(ctx, provider.PaymentIntentRequest{
		UserID:            userID,
		AmountCents:       amountCents,
		Currency:          user.Currency,
		PaymentMethodType: methodType,
		Description:       "VaultCard balance top-up",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	ft := &models.FundingTransaction{
		ID:                uuid.NewString(),
		UserID:            userID,
		ProviderPaymentID: intent.ID,
		ClientSecret:      intent.ClientSecret,
		AmountCents:       amountCents,
		Currency:          user.Currency,
		PaymentMethodType: methodType,
		Status:            models.FundingPending,
	}
	if err := s.repo.CreateFunding(ctx, ft); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", userID).Infof("Funding initiated: %d %s via %s", amountCents, ft.Currency, s.provider.Name())
	resp := &FundingResponse{Transaction: ft, ClientSecret: intent.ClientSecret}
	if strings.EqualFold(ft.Currency, "usd") {
		resp.EstimatedCNYCents = int64(math.Round(float64(amountCents) * s.rates.USDToCNY()))
	}
	return resp, nil
}

// ListFunding returns the user's funding history
func (s *Service) ListFunding(ctx context.Context, userID string, limit int) ([]*models.FundingTransaction, error) {
	return s.repo.ListFundingByUser(ctx, userID, limit)
}

// UpdateFundingStatus transitions a funding transaction on a confirmed
// settlement event. Balance is credited exactly once; a replayed success
// for an already-succeeded transaction is a no-op.
func (s *Service) UpdateFundingStatus(ctx context.Context, providerPaymentID string, status models.FundingStatus, errMsg string) error {
	ft, err := s.repo.FindFundingByProviderPaymentID(ctx, providerPaymentID)
	if err != nil {
		return err
	}
	if ft.Status == status {
		return nil
	}
	if isTerminalFunding(ft.Status) {
		s.log.Warnf("Ignoring %s for funding %s already in terminal status %s", status, ft.ID, ft.Status)
		return nil
	}

	var completedAt *time.Time
	if isTerminalFunding(status) {
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := s.repo.MarkFundingStatus(ctx, ft.ID, status, errMsg, completedAt); err != nil {
		return err
	}

	user, err := s.repo.FindUserByID(ctx, ft.UserID)
	if err != nil {
		return err
	}

	switch status {
	case models.FundingSucceeded:
		balance, err := s.repo.CreditUserBalance(ctx, ft.UserID, ft.AmountCents)
		if err != nil {
			// The funding row says succeeded but the balance does not; the
			// two must never diverge.
			s.log.Errorf("Funding %s marked succeeded but balance credit failed: %v", ft.ID, err)
			return fmt.Errorf("funding %s balance credit failed: %w: %v", ft.ID, models.ErrIntegrity, err)
		}
		s.log.WithField("user_id", ft.UserID).Infof("Balance credited: +%d, now %d", ft.AmountCents, balance)
		if err := s.email.SendFundingConfirmation(user.Email, user.Username, ft.AmountCents, balance, strings.ToUpper(ft.Currency)); err != nil {
			s.log.Warnf("Funding confirmation email not sent: %v", err)
		}
	case models.FundingFailed:
		if err := s.email.SendFundingFailure(user.Email, user.Username, ft.AmountCents, strings.ToUpper(ft.Currency), errMsg); err != nil {
			s.log.Warnf("Funding failure email not sent: %v", err)
		}
	}
	return nil
}

func isTerminalFunding(status models.FundingStatus) bool {
	switch status {
	case models.FundingSucceeded, models.FundingFailed, models.FundingCanceled, models.FundingRefunded:
		return true
	}
	return false
}
