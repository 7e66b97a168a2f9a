package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcard/vaultcard-service/internal/ledger"
	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/provider"
)

type fakeProvider struct {
	provider.Provider
	validSig     bool
	event        *models.NormalizedEvent
	normalizeErr error
}

func (f *fakeProvider) VerifySignature(payload []byte, signature string) bool {
	return f.validSig
}

func (f *fakeProvider) NormalizeWebhook(payload []byte) (*models.NormalizedEvent, error) {
	if f.normalizeErr != nil {
		return nil, f.normalizeErr
	}
	ev := *f.event
	return &ev, nil
}

type fakeDecider struct {
	calls    int
	decision models.Decision
}

func (f *fakeDecider) Decide(_ context.Context, _ models.AuthorizationRequest) models.Decision {
	f.calls++
	return f.decision
}

type fakeView struct {
	cards    map[string]*models.Card
	profiles map[string]*models.SubscriptionProfile
}

func (f *fakeView) CardByProviderID(_ context.Context, providerCardID string) (*models.Card, error) {
	if c, ok := f.cards[providerCardID]; ok {
		return c, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeView) ProfileByCardID(_ context.Context, cardID string) (*models.SubscriptionProfile, error) {
	if p, ok := f.profiles[cardID]; ok {
		return p, nil
	}
	return nil, models.ErrNotFound
}

type fakeSinks struct {
	settlements  int
	settleErr    error
	fundingCalls []models.FundingStatus
	fundingErr   error
	cardSyncs    []models.CardStatus
	confirms     int
}

func (f *fakeSinks) RecordSettlement(_ context.Context, _ models.NormalizedEvent) error {
	if f.settleErr != nil {
		return f.settleErr
	}
	f.settlements++
	return nil
}

func (f *fakeSinks) UpdateFundingStatus(_ context.Context, _ string, status models.FundingStatus, _ string) error {
	if f.fundingErr != nil {
		return f.fundingErr
	}
	f.fundingCalls = append(f.fundingCalls, status)
	return nil
}

func (f *fakeSinks) ConfirmCardCreated(_ context.Context, _ string) error {
	f.confirms++
	return nil
}

func (f *fakeSinks) SyncCardStatus(_ context.Context, _ string, status models.CardStatus) error {
	f.cardSyncs = append(f.cardSyncs, status)
	return nil
}

type fakeArchive struct {
	records map[string]*models.IngestOutcome
	findErr error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{records: map[string]*models.IngestOutcome{}}
}

func (f *fakeArchive) SaveProcessedEvent(_ context.Context, outcome *models.IngestOutcome) error {
	f.records[outcome.EventID] = outcome
	return nil
}

func (f *fakeArchive) FindProcessedEvent(_ context.Context, eventID string) (*models.IngestOutcome, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if out, ok := f.records[eventID]; ok {
		return out, nil
	}
	return nil, models.ErrNotFound
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	ingestor *Ingestor
	provider *fakeProvider
	decider  *fakeDecider
	ledger   *ledger.Ledger
	sinks    *fakeSinks
	view     *fakeView
}

func newFixture(ev *models.NormalizedEvent) *fixture {
	return newFixtureWithArchive(ev, nil)
}

func newFixtureWithArchive(ev *models.NormalizedEvent, archive Archiver) *fixture {
	log := quietLogger()
	p := &fakeProvider{validSig: true, event: ev}
	d := &fakeDecider{decision: models.Decision{Approved: true}}
	l := ledger.New(72*time.Hour, log)
	sinks := &fakeSinks{}
	view := &fakeView{
		cards:    map[string]*models.Card{"ic_1": {ID: "card-1", ProviderCardID: "ic_1", Status: models.CardActive}},
		profiles: map[string]*models.SubscriptionProfile{},
	}
	ing := New(p, d, l, view, sinks, sinks, sinks, NewMemStore(), archive, log)
	return &fixture{ingestor: ing, provider: p, decider: d, ledger: l, sinks: sinks, view: view}
}

func TestIngestRejectsInvalidSignature(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{ID: "evt-1", Kind: models.EventTransactionCreated})
	fx.provider.validSig = false

	_, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "bad")
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, fx.sinks.settlements, "no state may be touched on signature failure")
}

func TestIngestAuthorizationRequest(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:               "evt-auth-1",
		Kind:             models.EventAuthorizationRequest,
		AuthorizationRef: "iauth_1",
		CardRef:          "ic_1",
		AmountCents:      2500,
	})

	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDecided, out.Status)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Approved)
	assert.Equal(t, 1, fx.decider.calls)

	// A duplicate delivery returns the recorded decision without
	// consulting the engine again.
	out2, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, out, out2)
	assert.Equal(t, 1, fx.decider.calls)
}

func TestIngestSettlementCommitsHoldOnce(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:               "evt-tx-1",
		Kind:             models.EventTransactionCreated,
		AuthorizationRef: "iauth_1",
		CardRef:          "ic_1",
		AmountCents:      500,
	})
	require.NoError(t, fx.ledger.Reserve("card-1", 0, "", 0, 500, "iauth_1"))

	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, out.Status)

	spent, reserved := fx.ledger.Usage("card-1")
	assert.Equal(t, int64(500), spent)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, 1, fx.sinks.settlements)

	// Same event id delivered twice: spend changes exactly once.
	_, err = fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	spent, _ = fx.ledger.Usage("card-1")
	assert.Equal(t, int64(500), spent)
	assert.Equal(t, 1, fx.sinks.settlements)
}

func TestIngestDedupSurvivesRestart(t *testing.T) {
	ev := &models.NormalizedEvent{
		ID:               "evt-tx-1",
		Kind:             models.EventTransactionCreated,
		AuthorizationRef: "iauth_1",
		CardRef:          "ic_1",
		AmountCents:      500,
	}
	archive := newFakeArchive()

	fx := newFixtureWithArchive(ev, archive)
	require.NoError(t, fx.ledger.Reserve("card-1", 0, "", 0, 500, "iauth_1"))
	_, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	spent, _ := fx.ledger.Usage("card-1")
	require.Equal(t, int64(500), spent)

	// New process: empty in-memory store, ledger primed from the mirrored
	// totals, same durable archive.
	fx2 := newFixtureWithArchive(ev, archive)
	fx2.ledger.Prime("card-1", 500)

	out, err := fx2.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, out.Status)

	// The replay is answered from the archived record: no second
	// settlement, no force capture, spend unchanged.
	assert.Zero(t, fx2.sinks.settlements)
	spent, _ = fx2.ledger.Usage("card-1")
	assert.Equal(t, int64(500), spent)

	// If the durable record cannot be read the delivery is left to the
	// provider's retry rather than risking a re-run.
	fx3 := newFixtureWithArchive(ev, archive)
	archive.findErr = errors.New("db connection refused")
	_, err = fx3.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.Error(t, err)
	assert.Zero(t, fx3.sinks.settlements)
}

func TestIngestSettlementWithoutHoldRecordsSpend(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:          "evt-tx-2",
		Kind:        models.EventTransactionCreated,
		CardRef:     "ic_1",
		AmountCents: 900,
	})

	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, out.Status)

	spent, _ := fx.ledger.Usage("card-1")
	assert.Equal(t, int64(900), spent)
}

func TestIngestTransientFailureNotRecorded(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:          "evt-tx-3",
		Kind:        models.EventTransactionCreated,
		CardRef:     "ic_1",
		AmountCents: 100,
	})
	fx.sinks.settleErr = errors.New("db connection refused")

	_, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.Error(t, err)

	// The provider retries; once storage recovers the event processes.
	fx.sinks.settleErr = nil
	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, out.Status)
	assert.Equal(t, 1, fx.sinks.settlements)
}

func TestIngestReversalReleasesHold(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:               "evt-rev-1",
		Kind:             models.EventAuthorizationReversed,
		AuthorizationRef: "iauth_1",
	})
	require.NoError(t, fx.ledger.Reserve("card-1", 1000, "", 0, 1000, "iauth_1"))

	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, out.Status)

	_, reserved := fx.ledger.Usage("card-1")
	assert.Equal(t, int64(0), reserved)
}

func TestIngestFundingEvents(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:         "evt-pi-1",
		Kind:       models.EventPaymentSucceeded,
		PaymentRef: "pi_1",
	})

	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, out.Status)
	assert.Equal(t, []models.FundingStatus{models.FundingSucceeded}, fx.sinks.fundingCalls)
}

func TestIngestUnknownEntityAcknowledged(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:         "evt-pi-2",
		Kind:       models.EventPaymentSucceeded,
		PaymentRef: "pi_unknown",
	})
	fx.sinks.fundingErr = models.ErrNotFound

	// Unknown entities are acknowledged as ignored so the provider does
	// not retry forever.
	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, out.Status)
}

func TestIngestUnhandledKindIgnored(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{ID: "evt-x", Kind: models.EventUnknown})

	out, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, out.Status)
}

func TestIngestCardLifecycleEvents(t *testing.T) {
	fx := newFixture(&models.NormalizedEvent{
		ID:      "evt-card-1",
		Kind:    models.EventCardCreated,
		CardRef: "ic_1",
	})

	_, err := fx.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.sinks.confirms)

	fx2 := newFixture(&models.NormalizedEvent{
		ID:         "evt-card-2",
		Kind:       models.EventCardUpdated,
		CardRef:    "ic_1",
		CardStatus: models.CardFrozen,
	})
	_, err = fx2.ingestor.Ingest(context.Background(), []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, []models.CardStatus{models.CardFrozen}, fx2.sinks.cardSyncs)
}
