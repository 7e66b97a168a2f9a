package lifecycle

import (
	"fmt"
	"time"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// cardTransitions is the allowed card state machine:
// inactive -> active <-> frozen -> canceled, with canceled reachable from
// every non-terminal state (inactive -> canceled covers abandoned issuance).
var cardTransitions = map[models.CardStatus][]models.CardStatus{
	models.CardInactive: {models.CardActive, models.CardCanceled},
	models.CardActive:   {models.CardFrozen, models.CardCanceled},
	models.CardFrozen:   {models.CardActive, models.CardCanceled},
	models.CardCanceled: {},
}

// profileTransitions: active <-> paused -> closed, closed terminal.
var profileTransitions = map[models.ProfileStatus][]models.ProfileStatus{
	models.ProfileActive: {models.ProfilePaused, models.ProfileClosed},
	models.ProfilePaused: {models.ProfileActive, models.ProfileClosed},
	models.ProfileClosed: {},
}

// CanTransitionCard reports whether a card may move from one status to
// another.
func CanTransitionCard(from, to models.CardStatus) bool {
	for _, allowed := range cardTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionProfile reports whether a profile may move from one status
// to another.
func CanTransitionProfile(from, to models.ProfileStatus) bool {
	for _, allowed := range profileTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionCard applies a status change to the card, setting timestamps as
// part of the transition itself.
func TransitionCard(card *models.Card, to models.CardStatus, now time.Time) error {
	if !CanTransitionCard(card.Status, to) {
		return fmt.Errorf("card %s -> %s: %w", card.Status, to, models.ErrStateConflict)
	}
	card.Status = to
	card.UpdatedAt = now
	if to == models.CardCanceled {
		card.CanceledAt = &now
	}
	return nil
}

// TransitionProfile applies a status change to the subscription profile.
func TransitionProfile(p *models.SubscriptionProfile, to models.ProfileStatus, now time.Time) error {
	if !CanTransitionProfile(p.Status, to) {
		return fmt.Errorf("profile %s -> %s: %w", p.Status, to, models.ErrStateConflict)
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}
