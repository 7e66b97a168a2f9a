package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/ledger"
	"github.com/vaultcard/vaultcard-service/internal/models"
)

// StateView is the engine's read-only window onto card and profile state.
// Implementations must answer from memory or a single cacheable round trip;
// the decision path makes no provider calls.
type StateView interface {
	CardByProviderID(ctx context.Context, providerCardID string) (*models.Card, error)
	ProfileByCardID(ctx context.Context, cardID string) (*models.SubscriptionProfile, error)
}

// Reserver is the slice of the ledger the engine needs.
type Reserver interface {
	Reserve(cardID string, cardLimit int64, profileID string, profileLimit int64, amountCents int64, holdID string) error
}

// Engine answers real-time authorization requests from the card network.
// It must respond within the configured deadline and fail closed: any fault
// resolves to a decline, never an error to the caller.
type Engine struct {
	view     StateView
	ledger   Reserver
	deadline time.Duration
	log      *logrus.Logger
}

func New(view StateView, l Reserver, deadline time.Duration, log *logrus.Logger) *Engine {
	return &Engine{view: view, ledger: l, deadline: deadline, log: log}
}

// Decide approves or declines a pending authorization. On approval the
// requested amount is already reserved against the card's and profile's
// period budgets when Decide returns.
func (e *Engine) Decide(ctx context.Context, req models.AuthorizationRequest) (dec models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"event_id": req.EventID,
				"panic":    r,
			}).Error("authorization decision panicked, declining")
			dec = decline(models.ReasonInternalError)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	if req.AmountCents <= 0 {
		return decline(models.ReasonInvalidAmount)
	}

	card, err := e.view.CardByProviderID(ctx, req.CardRef)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return decline(models.ReasonCardNotFound)
		}
		e.log.WithField("event_id", req.EventID).Warnf("card lookup failed, declining: %v", err)
		return decline(models.ReasonInternalError)
	}
	if card.Status != models.CardActive {
		return decline(models.ReasonCardInactive)
	}

	profile, err := e.view.ProfileByCardID(ctx, card.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		e.log.WithField("event_id", req.EventID).Warnf("profile lookup failed, declining: %v", err)
		return decline(models.ReasonInternalError)
	}

	var profileID string
	var profileLimit int64
	if profile != nil {
		if profile.Status != models.ProfileActive {
			return decline(models.ReasonProfileNotActive)
		}
		if !merchantAllowed(profile.AllowedMCCs, req.Merchant) {
			return decline(models.ReasonMerchantNotAllowed)
		}
		profileID = profile.ID
		profileLimit = profile.MonthlyLimitCents
	}

	if card.PerTransactionLimit > 0 && req.AmountCents > card.PerTransactionLimit {
		return decline(models.ReasonLimitExceeded)
	}

	// The deadline may have expired while reading state. Decline before
	// taking a hold the caller will never see approved.
	if ctx.Err() != nil {
		e.log.WithField("event_id", req.EventID).Warn("decision deadline exceeded, declining")
		return decline(models.ReasonInternalError)
	}

	holdID := req.AuthorizationRef
	if holdID == "" {
		holdID = req.EventID
	}
	err = e.ledger.Reserve(card.ID, card.PerPeriodLimit, profileID, profileLimit, req.AmountCents, holdID)
	switch {
	case err == nil:
		return models.Decision{Approved: true}
	case errors.Is(err, ledger.ErrLimitExceeded):
		return decline(models.ReasonLimitExceeded)
	case errors.Is(err, ledger.ErrDuplicateHold):
		// Same authorization presented twice; the first hold stands.
		return models.Decision{Approved: true}
	default:
		e.log.WithField("event_id", req.EventID).Warnf("reserve failed, declining: %v", err)
		return decline(models.ReasonInternalError)
	}
}

func decline(reason string) models.Decision {
	return models.Decision{Approved: false, Reason: reason}
}

// merchantAllowed checks the profile's optional MCC allow-list.
func merchantAllowed(allowedMCCs string, m *models.Merchant) bool {
	if allowedMCCs == "" {
		return true
	}
	if m == nil || m.MCC == "" {
		return false
	}
	for _, mcc := range strings.Split(allowedMCCs, ",") {
		if strings.TrimSpace(mcc) == m.MCC {
			return true
		}
	}
	return false
}
