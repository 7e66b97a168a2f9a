package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/engine"
	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/provider"
)

var (
	// ErrInvalidSignature rejects an event whose signature does not
	// verify. No state is touched.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInProgress is returned when the same event id is already being
	// processed by a concurrent delivery; the caller should retry later.
	ErrInProgress = errors.New("event processing in progress")
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultcard_webhook_events_total",
		Help: "Webhook events processed, labeled by kind and status",
	}, []string{"kind", "status"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultcard_webhook_duplicates_total",
		Help: "Webhook deliveries answered from the dedup record",
	})

	invalidSignatures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultcard_webhook_invalid_signatures_total",
		Help: "Webhook deliveries rejected for a bad signature",
	})

	decisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultcard_authorization_decisions_total",
		Help: "Authorization decisions, labeled by outcome and reason",
	}, []string{"outcome", "reason"})

	decisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaultcard_authorization_decision_seconds",
		Help:    "Latency of real-time authorization decisions",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})
)

// Decider answers real-time authorization requests.
type Decider interface {
	Decide(ctx context.Context, req models.AuthorizationRequest) models.Decision
}

// LedgerOps is the slice of the ledger the ingestor drives on the
// asynchronous path.
type LedgerOps interface {
	Commit(holdID string) (int64, error)
	Release(holdID string) (int64, error)
	RecordSpend(cardID, profileID string, amountCents int64)
}

// CardSyncer applies provider-originated card lifecycle changes.
type CardSyncer interface {
	ConfirmCardCreated(ctx context.Context, providerCardID string) error
	SyncCardStatus(ctx context.Context, providerCardID string, status models.CardStatus) error
}

// FundingUpdater transitions funding transactions on settlement events.
type FundingUpdater interface {
	UpdateFundingStatus(ctx context.Context, providerPaymentID string, status models.FundingStatus, errMsg string) error
}

// SettlementRecorder persists a settled card transaction.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, ev models.NormalizedEvent) error
}

// Archiver persists processed-event records so replays are answered from
// the durable record even after a restart empties the in-memory store.
// Save failures are logged, never surfaced: the in-memory record already
// guarantees replay safety for the life of this process.
type Archiver interface {
	SaveProcessedEvent(ctx context.Context, outcome *models.IngestOutcome) error
	FindProcessedEvent(ctx context.Context, eventID string) (*models.IngestOutcome, error)
}

// Ingestor receives provider webhook events, authenticates and
// deduplicates them, and routes each to the decision engine, the ledger,
// or the lifecycle/funding services.
type Ingestor struct {
	provider    provider.Provider
	decider     Decider
	ledger      LedgerOps
	view        engine.StateView
	cards       CardSyncer
	funding     FundingUpdater
	settlements SettlementRecorder
	store       Store
	archive     Archiver
	log         *logrus.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(p provider.Provider, decider Decider, ledger LedgerOps, view engine.StateView,
	cards CardSyncer, funding FundingUpdater, settlements SettlementRecorder,
	store Store, archive Archiver, log *logrus.Logger) *Ingestor {
	return &Ingestor{
		provider:    p,
		decider:     decider,
		ledger:      ledger,
		view:        view,
		cards:       cards,
		funding:     funding,
		settlements: settlements,
		store:       store,
		archive:     archive,
		log:         log,
		inflight:    make(map[string]struct{}),
	}
}

// Ingest processes one raw webhook delivery. The returned outcome is
// recorded under the event id before Ingest returns, so an immediately
// retried duplicate observes it. A transient downstream failure returns an
// error without recording, leaving the delivery to the provider's retry.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*models.IngestOutcome, error) {
	if !i.provider.VerifySignature(payload, signature) {
		invalidSignatures.Inc()
		i.log.Warn("webhook rejected: signature verification failed")
		return nil, ErrInvalidSignature
	}

	ev, err := i.provider.NormalizeWebhook(payload)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	if out, ok := i.store.Get(ev.ID); ok {
		i.mu.Unlock()
		duplicatesTotal.Inc()
		i.log.WithField("event_id", ev.ID).Debug("duplicate delivery, returning recorded outcome")
		return out, nil
	}
	if _, busy := i.inflight[ev.ID]; busy {
		i.mu.Unlock()
		return nil, ErrInProgress
	}
	i.inflight[ev.ID] = struct{}{}
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.inflight, ev.ID)
		i.mu.Unlock()
	}()

	// A miss in the in-memory store may still be a replay of an event
	// processed before the last restart. Consult the durable record before
	// dispatching; re-running a settlement here would double-count spend.
	if i.archive != nil {
		out, err := i.archive.FindProcessedEvent(ctx, ev.ID)
		if err == nil {
			i.store.Put(out)
			duplicatesTotal.Inc()
			i.log.WithField("event_id", ev.ID).Info("duplicate delivery answered from durable record")
			return out, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("replay check failed: %w", err)
		}
	}

	outcome, err := i.dispatch(ctx, *ev)
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return nil, err
	}

	i.store.Put(outcome)
	if i.archive != nil {
		if aerr := i.archive.SaveProcessedEvent(ctx, outcome); aerr != nil {
			i.log.WithField("event_id", ev.ID).Errorf("failed to archive processed event: %v", aerr)
		}
	}
	eventsTotal.WithLabelValues(string(ev.Kind), outcome.Status).Inc()
	return outcome, nil
}

func (i *Ingestor) dispatch(ctx context.Context, ev models.NormalizedEvent) (*models.IngestOutcome, error) {
	switch ev.Kind {
	case models.EventAuthorizationRequest:
		return i.handleAuthorizationRequest(ctx, ev), nil

	case models.EventTransactionCreated:
		return i.handleSettlement(ctx, ev)

	case models.EventAuthorizationReversed:
		if ev.AuthorizationRef != "" {
			if amount, err := i.ledger.Release(ev.AuthorizationRef); err == nil {
				i.log.WithFields(logrus.Fields{
					"event_id":     ev.ID,
					"amount_cents": amount,
				}).Info("released authorization hold")
			}
			// A missing hold means it already settled or was swept.
		}
		return i.outcome(ev, models.OutcomeProcessed, ""), nil

	case models.EventPaymentSucceeded:
		return i.handleFunding(ctx, ev, models.FundingSucceeded, "")

	case models.EventPaymentFailed:
		return i.handleFunding(ctx, ev, models.FundingFailed, ev.Reason)

	case models.EventCardCreated:
		if err := i.cards.ConfirmCardCreated(ctx, ev.CardRef); err != nil {
			return i.skipOrFail(ev, err, "card not known locally")
		}
		return i.outcome(ev, models.OutcomeProcessed, ""), nil

	case models.EventCardUpdated:
		if err := i.cards.SyncCardStatus(ctx, ev.CardRef, ev.CardStatus); err != nil {
			return i.skipOrFail(ev, err, "card status not applied")
		}
		return i.outcome(ev, models.OutcomeProcessed, ""), nil

	default:
		return i.outcome(ev, models.OutcomeIgnored, "event kind not handled"), nil
	}
}

func (i *Ingestor) handleAuthorizationRequest(ctx context.Context, ev models.NormalizedEvent) *models.IngestOutcome {
	timer := prometheus.NewTimer(decisionLatency)
	dec := i.decider.Decide(ctx, models.AuthorizationRequest{
		EventID:          ev.ID,
		AuthorizationRef: ev.AuthorizationRef,
		CardRef:          ev.CardRef,
		AmountCents:      ev.AmountCents,
		Currency:         ev.Currency,
		Merchant:         ev.Merchant,
	})
	timer.ObserveDuration()

	if dec.Approved {
		decisionTotal.WithLabelValues("approved", "").Inc()
	} else {
		decisionTotal.WithLabelValues("declined", dec.Reason).Inc()
	}

	out := i.outcome(ev, models.OutcomeDecided, "")
	out.Decision = &dec
	return out
}

func (i *Ingestor) handleSettlement(ctx context.Context, ev models.NormalizedEvent) (*models.IngestOutcome, error) {
	// Durable record first: the in-memory commit below cannot fail
	// transiently, so this ordering never strands a committed hold
	// behind a storage error.
	if err := i.settlements.RecordSettlement(ctx, ev); err != nil {
		return i.skipOrFail(ev, err, "settlement for unknown card")
	}

	if ev.AuthorizationRef != "" {
		if _, err := i.ledger.Commit(ev.AuthorizationRef); err == nil {
			return i.outcome(ev, models.OutcomeProcessed, ""), nil
		}
	}

	// No matching hold: the issuer force-captured. Record the spend so
	// budgets still reflect it.
	card, err := i.view.CardByProviderID(ctx, ev.CardRef)
	if err != nil {
		return i.skipOrFail(ev, err, "settlement for unknown card")
	}
	profileID := ""
	if p, perr := i.view.ProfileByCardID(ctx, card.ID); perr == nil && p != nil {
		profileID = p.ID
	}
	i.ledger.RecordSpend(card.ID, profileID, ev.AmountCents)
	return i.outcome(ev, models.OutcomeProcessed, "force capture, no matching hold"), nil
}

func (i *Ingestor) handleFunding(ctx context.Context, ev models.NormalizedEvent, status models.FundingStatus, reason string) (*models.IngestOutcome, error) {
	if err := i.funding.UpdateFundingStatus(ctx, ev.PaymentRef, status, reason); err != nil {
		return i.skipOrFail(ev, err, "funding transaction not known locally")
	}
	return i.outcome(ev, models.OutcomeProcessed, ""), nil
}

// skipOrFail acknowledges events about entities we do not track (to avoid
// retry storms) and propagates everything else for the provider to retry.
func (i *Ingestor) skipOrFail(ev models.NormalizedEvent, err error, msg string) (*models.IngestOutcome, error) {
	if errors.Is(err, models.ErrNotFound) {
		i.log.WithField("event_id", ev.ID).Warnf("%s: %v", msg, err)
		return i.outcome(ev, models.OutcomeIgnored, msg), nil
	}
	return nil, err
}

func (i *Ingestor) outcome(ev models.NormalizedEvent, status, msg string) *models.IngestOutcome {
	return &models.IngestOutcome{
		EventID:     ev.ID,
		Kind:        ev.Kind,
		Status:      status,
		Message:     msg,
		ProcessedAt: time.Now().UTC(),
	}
}
