package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

func TestCardTransitions(t *testing.T) {
	tests := []struct {
		from, to models.CardStatus
		allowed  bool
	}{
		{models.CardInactive, models.CardActive, true},
		{models.CardInactive, models.CardCanceled, true},
		{models.CardInactive, models.CardFrozen, false},
		{models.CardActive, models.CardFrozen, true},
		{models.CardActive, models.CardCanceled, true},
		{models.CardActive, models.CardInactive, false},
		{models.CardFrozen, models.CardActive, true},
		{models.CardFrozen, models.CardCanceled, true},
		{models.CardCanceled, models.CardActive, false},
		{models.CardCanceled, models.CardFrozen, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransitionCard(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestProfileTransitions(t *testing.T) {
	tests := []struct {
		from, to models.ProfileStatus
		allowed  bool
	}{
		{models.ProfileActive, models.ProfilePaused, true},
		{models.ProfileActive, models.ProfileClosed, true},
		{models.ProfilePaused, models.ProfileActive, true},
		{models.ProfilePaused, models.ProfileClosed, true},
		{models.ProfileClosed, models.ProfileActive, false},
		{models.ProfileClosed, models.ProfilePaused, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransitionProfile(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionCardSetsTimestamps(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	card := &models.Card{Status: models.CardActive}

	require.NoError(t, TransitionCard(card, models.CardCanceled, now))
	assert.Equal(t, models.CardCanceled, card.Status)
	assert.Equal(t, now, card.UpdatedAt)
	require.NotNil(t, card.CanceledAt)
	assert.Equal(t, now, *card.CanceledAt)
}

func TestTransitionCardRejectsInvalid(t *testing.T) {
	card := &models.Card{Status: models.CardCanceled}
	err := TransitionCard(card, models.CardActive, time.Now())
	require.ErrorIs(t, err, models.ErrStateConflict)
	assert.Equal(t, models.CardCanceled, card.Status, "card must be untouched on rejection")
}

func TestTransitionProfileRejectsInvalid(t *testing.T) {
	p := &models.SubscriptionProfile{Status: models.ProfileClosed}
	err := TransitionProfile(p, models.ProfileActive, time.Now())
	require.ErrorIs(t, err, models.ErrStateConflict)
}
