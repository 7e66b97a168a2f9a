package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultcard/vaultcard-service/internal/lifecycle"
	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/provider"
)

// CreateCardRequest carries the user-supplied card settings.
type CreateCardRequest struct {
	Nickname            string `json:"nickname"`
	PerTransactionLimit int64  `json:"per_transaction_limit"`
	PerPeriodLimit      int64  `json:"per_period_limit"`
}

// CreateCard issues a new virtual card through the provider. The card is
// stored inactive and activates when the provider confirms issuance.
func (s *Service) CreateCard(ctx context.Context, userID string, req CreateCardRequest) (*models.Card, error) {
	if req.PerTransactionLimit < 0 || req.PerPeriodLimit < 0 {
		return nil, fmt.Errorf("limits must not be negative: %w", models.ErrValidation)
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, fmt.Errorf("account disabled: %w", models.ErrStateConflict)
	}
	if user.KYCStatus != models.KYCVerified {
		return nil, fmt.Errorf("identity verification required before issuing cards: %w", models.ErrStateConflict)
	}

	count, err := s.repo.CountActiveCardsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= s.config.MaxCardsPerUser {
		return nil, fmt.Errorf("card limit of %d reached: %w", s.config.MaxCardsPerUser, models.ErrStateConflict)
	}

	pc, err := s.provider.CreateCard(ctx, provider.CreateCardRequest{
		UserID:              userID,
		CardholderName:      user.Username,
		Nickname:            req.Nickname,
		Currency:            user.Currency,
		PerTransactionLimit: req.PerTransactionLimit,
		PerPeriodLimit:      req.PerPeriodLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("provider card issuance failed: %w", err)
	}

	card := &models.Card{
		ID:                  uuid.NewString(),
		UserID:              userID,
		ProviderCardID:      pc.ID,
		Last4:               pc.Last4,
		Brand:               pc.Brand,
		ExpMonth:            pc.ExpMonth,
		ExpYear:             pc.ExpYear,
		Status:              models.CardInactive,
		Nickname:            req.Nickname,
		PerTransactionLimit: req.PerTransactionLimit,
		PerPeriodLimit:      req.PerPeriodLimit,
		Currency:            user.Currency,
	}
	if err := s.repo.CreateCard(ctx, card); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", userID).Infof("Card issued: %s (****%s)", card.ID, card.Last4)
	return card, nil
}

// ListCards returns the user's cards
func (s *Service) ListCards(ctx context.Context, userID string) ([]*models.Card, error) {
	cards, err := s.repo.ListCardsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, card := range cards {
		s.overlayCardUsage(card)
	}
	return cards, nil
}

// GetCard returns one of the user's cards
func (s *Service) GetCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.ownedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	s.overlayCardUsage(card)
	return card, nil
}

// UpdateCardLimits changes the card's nickname and limits
func (s *Service) UpdateCardLimits(ctx context.Context, userID, cardID, nickname string, perTransaction, perPeriod int64) (*models.Card, error) {
	if perTransaction < 0 || perPeriod < 0 {
		return nil, fmt.Errorf("limits must not be negative: %w", models.ErrValidation)
	}
	card, err := s.ownedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == models.CardCanceled {
		return nil, fmt.Errorf("card is canceled: %w", models.ErrStateConflict)
	}
	if err := s.repo.UpdateCardLimits(ctx, cardID, nickname, perTransaction, perPeriod); err != nil {
		return nil, err
	}
	card.Nickname = nickname
	card.PerTransactionLimit = perTransaction
	card.PerPeriodLimit = perPeriod
	return card, nil
}

// FreezeCard suspends the card at the provider and locally
func (s *Service) FreezeCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	return s.transitionOwnedCard(ctx, userID, cardID, models.CardFrozen)
}

// UnfreezeCard reactivates a frozen card
func (s *Service) UnfreezeCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	return s.transitionOwnedCard(ctx, userID, cardID, models.CardActive)
}

// CancelCard permanently terminates the card
func (s *Service) CancelCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	return s.transitionOwnedCard(ctx, userID, cardID, models.CardCanceled)
}

// transitionOwnedCard validates the transition locally, pushes it to the
// provider, and persists it only after the provider accepted. A provider
// failure leaves the stored status untouched.
func (s *Service) transitionOwnedCard(ctx context.Context, userID, cardID string, to models.CardStatus) (*models.Card, error) {
	card, err := s.ownedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.TransitionCard(card, to, nowUTC()); err != nil {
		return nil, err
	}

	if _, err := s.provider.SetCardStatus(ctx, card.ProviderCardID, to); err != nil {
		return nil, fmt.Errorf("provider rejected card status change: %w", err)
	}
	if err := s.repo.UpdateCardStatus(ctx, card.ID, card.Status, card.CanceledAt); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", userID).Infof("Card %s -> %s", card.ID, to)
	return card, nil
}

// ConfirmCardCreated activates a card once the provider reports issuance
// complete. Part of the webhook sync path.
func (s *Service) ConfirmCardCreated(ctx context.Context, providerCardID string) error {
	card, err := s.repo.FindCardByProviderID(ctx, providerCardID)
	if err != nil {
		return err
	}
	if card.Status != models.CardInactive {
		return nil
	}
	if err := lifecycle.TransitionCard(card, models.CardActive, nowUTC()); err != nil {
		return err
	}
	if err := s.repo.UpdateCardStatus(ctx, card.ID, card.Status, nil); err != nil {
		return err
	}
	s.log.Infof("Card %s activated by provider confirmation", card.ID)
	return nil
}

// SyncCardStatus applies a provider-originated status change. The provider
// is authoritative for its own transitions; a change our state machine
// cannot reach is logged and dropped as stale.
func (s *Service) SyncCardStatus(ctx context.Context, providerCardID string, status models.CardStatus) error {
	card, err := s.repo.FindCardByProviderID(ctx, providerCardID)
	if err != nil {
		return err
	}
	if card.Status == status {
		return nil
	}
	if err := lifecycle.TransitionCard(card, status, nowUTC()); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			s.log.Warnf("Dropping stale provider status %s for card %s in status %s", status, card.ID, card.Status)
			return nil
		}
		return err
	}
	if err := s.repo.UpdateCardStatus(ctx, card.ID, card.Status, card.CanceledAt); err != nil {
		return err
	}
	s.log.Infof("Card %s synced to provider status %s", card.ID, status)
	return nil
}

// RecordSettlement persists a settled card transaction from the webhook
// stream. Replays of the same provider transaction id are absorbed by
// the unique index.
func (s *Service) RecordSettlement(ctx context.Context, ev models.NormalizedEvent) error {
	card, err := s.repo.FindCardByProviderID(ctx, ev.CardRef)
	if err != nil {
		return err
	}
	tx := &models.IssuingTransaction{
		ID:             uuid.NewString(),
		UserID:         card.UserID,
		CardID:         card.ID,
		ProviderTxID:   ev.ID,
		ProviderCardID: ev.CardRef,
		AmountCents:    ev.AmountCents,
		Currency:       ev.Currency,
		Type:           "capture",
		OccurredAt:     ev.OccurredAt,
	}
	if ev.Merchant != nil {
		tx.MerchantName = ev.Merchant.Name
		tx.MerchantMCC = ev.Merchant.MCC
		tx.MerchantCity = ev.Merchant.City
		tx.MerchantCountry = ev.Merchant.Country
	}
	return s.repo.CreateIssuingTransaction(ctx, tx)
}

// ListCardTransactions returns settled transactions for one of the user's cards
func (s *Service) ListCardTransactions(ctx context.Context, userID, cardID string, limit int) ([]*models.IssuingTransaction, error) {
	if _, err := s.ownedCard(ctx, userID, cardID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByCard(ctx, cardID, limit)
}

// ListProviderTransactions fetches the provider's own view of a card's
// transactions, bypassing the local store. Useful for reconciliation.
func (s *Service) ListProviderTransactions(ctx context.Context, userID, cardID string, limit int) (*provider.TransactionList, error) {
	card, err := s.ownedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	return s.provider.ListTransactions(ctx, provider.TransactionListRequest{
		CardID: card.ProviderCardID,
		Limit:  limit,
	})
}

// ListTransactions returns the user's settled transactions across all cards
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]*models.IssuingTransaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID, limit)
}

func (s *Service) ownedCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.repo.FindCardByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	// Another user's card is indistinguishable from a missing one.
	if card.UserID != userID {
		return nil, fmt.Errorf("card %s: %w", cardID, models.ErrNotFound)
	}
	return card, nil
}

// overlayCardUsage replaces the stored period counter with the live
// ledger total, which also covers spend not yet mirrored.
func (s *Service) overlayCardUsage(card *models.Card) {
	spent, _ := s.ledger.Usage(card.ID)
	if spent > card.PeriodSpent {
		card.PeriodSpent = spent
	}
}
