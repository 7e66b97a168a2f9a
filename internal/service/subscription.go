package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/vaultcard/vaultcard-service/internal/lifecycle"
	"github.com/vaultcard/vaultcard-service/internal/models"
)

var mccPattern = regexp.MustCompile(`^\d{4}$`)

// CreateSubscriptionRequest carries the user-supplied profile settings.
type CreateSubscriptionRequest struct {
	Nickname          string `json:"nickname"`
	LinkedCardID      string `json:"linked_card_id"`
	MonthlyLimitCents int64  `json:"monthly_limit_cents"`
	AllowedMCCs       string `json:"allowed_mccs"`
	Notes             string `json:"notes"`
}

// CreateSubscription creates a subscription profile, optionally linked to
// one of the user's cards. A card carries at most one open profile; a
// profile without a card tracks a budget but gates no authorizations
// until a card is linked.
func (s *Service) CreateSubscription(ctx context.Context, userID string, req CreateSubscriptionRequest) (*models.SubscriptionProfile, error) {
	if req.Nickname == "" {
		return nil, fmt.Errorf("nickname is required: %w", models.ErrValidation)
	}
	if req.MonthlyLimitCents < 0 {
		return nil, fmt.Errorf("monthly limit must not be negative: %w", models.ErrValidation)
	}
	mccs, err := normalizeMCCs(req.AllowedMCCs)
	if err != nil {
		return nil, err
	}

	linkedCardID := ""
	if req.LinkedCardID != "" {
		card, err := s.ownedCard(ctx, userID, req.LinkedCardID)
		if err != nil {
			return nil, err
		}
		if card.Status == models.CardCanceled {
			return nil, fmt.Errorf("cannot link a canceled card: %w", models.ErrStateConflict)
		}
		if existing, err := s.repo.FindActiveProfileByCardID(ctx, card.ID); err == nil {
			return nil, fmt.Errorf("card already linked to profile %s: %w", existing.ID, models.ErrStateConflict)
		} else if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		linkedCardID = card.ID
	}

	count, err := s.repo.CountOpenProfilesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= s.config.MaxSubscriptionsPerUser {
		return nil, fmt.Errorf("subscription limit of %d reached: %w", s.config.MaxSubscriptionsPerUser, models.ErrStateConflict)
	}

	profile := &models.SubscriptionProfile{
		ID:                uuid.NewString(),
		UserID:            userID,
		Nickname:          req.Nickname,
		LinkedCardID:      linkedCardID,
		MonthlyLimitCents: req.MonthlyLimitCents,
		Status:            models.ProfileActive,
		AllowedMCCs:       mccs,
		Notes:             req.Notes,
	}
	if err := s.repo.CreateProfile(ctx, profile); err != nil {
		return nil, err
	}

	s.log.WithField("user_id", userID).Infof("Subscription profile created: %s (%s)", profile.ID, profile.Nickname)
	return profile, nil
}

// ListSubscriptions returns the user's subscription profiles
func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]*models.SubscriptionProfile, error) {
	profiles, err := s.repo.ListProfilesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		s.overlayProfileUsage(p)
	}
	return profiles, nil
}

// GetSubscription returns one of the user's subscription profiles
func (s *Service) GetSubscription(ctx context.Context, userID, profileID string) (*models.SubscriptionProfile, error) {
	p, err := s.ownedProfile(ctx, userID, profileID)
	if err != nil {
		return nil, err
	}
	s.overlayProfileUsage(p)
	return p, nil
}

// UpdateSubscription changes the profile's editable settings
func (s *Service) UpdateSubscription(ctx context.Context, userID, profileID string, req CreateSubscriptionRequest) (*models.SubscriptionProfile, error) {
	if req.Nickname == "" {
		return nil, fmt.Errorf("nickname is required: %w", models.ErrValidation)
	}
	if req.MonthlyLimitCents < 0 {
		return nil, fmt.Errorf("monthly limit must not be negative: %w", models.ErrValidation)
	}
	mccs, err := normalizeMCCs(req.AllowedMCCs)
	if err != nil {
		return nil, err
	}

	p, err := s.ownedProfile(ctx, userID, profileID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProfileClosed {
		return nil, fmt.Errorf("profile is closed: %w", models.ErrStateConflict)
	}
	if err := s.repo.UpdateProfileSettings(ctx, profileID, req.Nickname, req.MonthlyLimitCents, mccs, req.Notes); err != nil {
		return nil, err
	}
	p.Nickname = req.Nickname
	p.MonthlyLimitCents = req.MonthlyLimitCents
	p.AllowedMCCs = mccs
	p.Notes = req.Notes
	return p, nil
}

// PauseSubscription pauses the profile and freezes its linked card, so
// the merchant cannot charge while paused. The card freeze happens first;
// if the profile update then fails, the freeze is rolled back.
func (s *Service) PauseSubscription(ctx context.Context, userID, profileID string) (*models.SubscriptionProfile, error) {
	p, err := s.ownedProfile(ctx, userID, profileID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.CanTransitionProfile(p.Status, models.ProfilePaused) {
		return nil, fmt.Errorf("profile %s -> %s: %w", p.Status, models.ProfilePaused, models.ErrStateConflict)
	}

	frozeCard := false
	if p.LinkedCardID != "" {
		card, err := s.repo.FindCardByID(ctx, p.LinkedCardID)
		if err != nil {
			return nil, err
		}
		if card.Status == models.CardActive {
			if _, err := s.FreezeCard(ctx, userID, card.ID); err != nil {
				return nil, fmt.Errorf("cannot pause, linked card freeze failed: %w", err)
			}
			frozeCard = true
		}
	}

	p, err = s.transitionOwnedProfile(ctx, userID, profileID, models.ProfilePaused)
	if err != nil {
		if frozeCard {
			if _, uerr := s.UnfreezeCard(ctx, userID, p.LinkedCardID); uerr != nil {
				s.log.Errorf("Pause rollback failed, card %s left frozen: %v", p.LinkedCardID, uerr)
			}
		}
		return nil, err
	}
	return p, nil
}

// ResumeSubscription reactivates a paused profile and unfreezes its card.
// The profile transitions first; resuming with a still-frozen card only
// delays charges, never allows them early.
func (s *Service) ResumeSubscription(ctx context.Context, userID, profileID string) (*models.SubscriptionProfile, error) {
	p, err := s.transitionOwnedProfile(ctx, userID, profileID, models.ProfileActive)
	if err != nil {
		return nil, err
	}
	if p.LinkedCardID != "" {
		if card, cerr := s.repo.FindCardByID(ctx, p.LinkedCardID); cerr == nil && card.Status == models.CardFrozen {
			if _, uerr := s.UnfreezeCard(ctx, userID, card.ID); uerr != nil {
				s.log.Warnf("Profile %s resumed but linked card not unfrozen: %v", p.ID, uerr)
			}
		}
	}
	return p, nil
}

// CloseSubscription permanently closes the profile. The linked card is
// left alone; cancel it separately if it is no longer needed.
func (s *Service) CloseSubscription(ctx context.Context, userID, profileID string) (*models.SubscriptionProfile, error) {
	return s.transitionOwnedProfile(ctx, userID, profileID, models.ProfileClosed)
}

// SubscriptionSummary aggregates the user's active profiles
func (s *Service) SubscriptionSummary(ctx context.Context, userID string) (*models.SubscriptionSummary, error) {
	profiles, err := s.repo.ListProfilesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary := &models.SubscriptionSummary{}
	for _, p := range profiles {
		if p.Status != models.ProfileActive {
			continue
		}
		s.overlayProfileUsage(p)
		summary.TotalActive++
		summary.TotalMonthlyLimit += p.MonthlyLimitCents
		summary.TotalSpentThisMonth += p.CurrentPeriodSpent
		if remaining := p.MonthlyLimitCents - p.CurrentPeriodSpent; remaining > 0 {
			summary.TotalRemaining += remaining
		}
	}
	return summary, nil
}

func (s *Service) transitionOwnedProfile(ctx context.Context, userID, profileID string, to models.ProfileStatus) (*models.SubscriptionProfile, error) {
	p, err := s.ownedProfile(ctx, userID, profileID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.TransitionProfile(p, to, nowUTC()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateProfileStatus(ctx, p.ID, p.Status); err != nil {
		return nil, err
	}
	s.log.WithField("user_id", userID).Infof("Subscription profile %s -> %s", p.ID, to)
	return p, nil
}

func (s *Service) ownedProfile(ctx context.Context, userID, profileID string) (*models.SubscriptionProfile, error) {
	p, err := s.repo.FindProfileByID(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("subscription profile %s: %w", profileID, models.ErrNotFound)
	}
	return p, nil
}

func (s *Service) overlayProfileUsage(p *models.SubscriptionProfile) {
	spent, _ := s.ledger.Usage(p.ID)
	if spent > p.CurrentPeriodSpent {
		p.CurrentPeriodSpent = spent
	}
}

// normalizeMCCs validates and canonicalizes a comma-separated MCC list.
func normalizeMCCs(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var out []string
	for _, mcc := range strings.Split(raw, ",") {
		mcc = strings.TrimSpace(mcc)
		if mcc == "" {
			continue
		}
		if !mccPattern.MatchString(mcc) {
			return "", fmt.Errorf("invalid merchant category code %q: %w", mcc, models.ErrValidation)
		}
		out = append(out, mcc)
	}
	return strings.Join(out, ","), nil
}
