package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcard/vaultcard-service/internal/ledger"
	"github.com/vaultcard/vaultcard-service/internal/models"
)

type fakeView struct {
	cards    map[string]*models.Card // keyed by provider card id
	profiles map[string]*models.SubscriptionProfile // keyed by internal card id
	err      error
	panics   bool
}

func (f *fakeView) CardByProviderID(_ context.Context, providerCardID string) (*models.Card, error) {
	if f.panics {
		panic("view exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	card, ok := f.cards[providerCardID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return card, nil
}

func (f *fakeView) ProfileByCardID(_ context.Context, cardID string) (*models.SubscriptionProfile, error) {
	p, ok := f.profiles[cardID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestEngine(view *fakeView) (*Engine, *ledger.Ledger) {
	l := ledger.New(72*time.Hour, quietLogger())
	return New(view, l, 2*time.Second, quietLogger()), l
}

func authReq(eventID, cardRef string, amount int64) models.AuthorizationRequest {
	return models.AuthorizationRequest{
		EventID:          eventID,
		AuthorizationRef: "iauth_" + eventID,
		CardRef:          cardRef,
		AmountCents:      amount,
		Currency:         "usd",
	}
}

func activeCard(id, providerID string, perTx, perPeriod int64) *models.Card {
	return &models.Card{
		ID:                  id,
		ProviderCardID:      providerID,
		Status:              models.CardActive,
		PerTransactionLimit: perTx,
		PerPeriodLimit:      perPeriod,
	}
}

func TestDecideUnknownCard(t *testing.T) {
	e, _ := newTestEngine(&fakeView{cards: map[string]*models.Card{}})
	dec := e.Decide(context.Background(), authReq("evt-1", "ic_missing", 100))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonCardNotFound, dec.Reason)
}

func TestDecideInactiveCard(t *testing.T) {
	for _, status := range []models.CardStatus{models.CardInactive, models.CardFrozen, models.CardCanceled} {
		card := activeCard("card-1", "ic_1", 0, 0)
		card.Status = status
		e, _ := newTestEngine(&fakeView{cards: map[string]*models.Card{"ic_1": card}})
		dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 100))
		assert.False(t, dec.Approved, "status %s", status)
		assert.Equal(t, models.ReasonCardInactive, dec.Reason)
	}
}

func TestDecidePausedProfile(t *testing.T) {
	view := &fakeView{
		cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 0, 0)},
		profiles: map[string]*models.SubscriptionProfile{
			"card-1": {ID: "prof-1", Status: models.ProfilePaused, MonthlyLimitCents: 10000},
		},
	}
	e, _ := newTestEngine(view)
	dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 100))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonProfileNotActive, dec.Reason)
}

func TestDecidePerTransactionLimit(t *testing.T) {
	view := &fakeView{cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 500, 0)}}
	e, _ := newTestEngine(view)

	dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 501))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonLimitExceeded, dec.Reason)

	dec = e.Decide(context.Background(), authReq("evt-2", "ic_1", 500))
	assert.True(t, dec.Approved)
}

func TestDecidePeriodLimitScenario(t *testing.T) {
	// Card with per-period limit 10000 and no spend: 6000 approved,
	// second 6000 declined, 4000 approved, then even 1 cent declined.
	view := &fakeView{cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 0, 10000)}}
	e, _ := newTestEngine(view)
	ctx := context.Background()

	assert.True(t, e.Decide(ctx, authReq("evt-1", "ic_1", 6000)).Approved)

	dec := e.Decide(ctx, authReq("evt-2", "ic_1", 6000))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonLimitExceeded, dec.Reason)

	assert.True(t, e.Decide(ctx, authReq("evt-3", "ic_1", 4000)).Approved)

	dec = e.Decide(ctx, authReq("evt-4", "ic_1", 1))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonLimitExceeded, dec.Reason)
}

func TestDecideConcurrentExactlyOneWins(t *testing.T) {
	view := &fakeView{cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 0, 10000)}}
	e, _ := newTestEngine(view)

	var wg sync.WaitGroup
	results := make([]models.Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = e.Decide(context.Background(), authReq("evt-"+string(rune('a'+n)), "ic_1", 6000))
		}(i)
	}
	wg.Wait()

	approvals := 0
	for _, dec := range results {
		if dec.Approved {
			approvals++
		} else {
			assert.Equal(t, models.ReasonLimitExceeded, dec.Reason)
		}
	}
	assert.Equal(t, 1, approvals, "exactly one of two concurrent 6000s may pass a 10000 limit")
}

func TestDecideProfileBudget(t *testing.T) {
	view := &fakeView{
		cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 0, 0)},
		profiles: map[string]*models.SubscriptionProfile{
			"card-1": {ID: "prof-1", Status: models.ProfileActive, MonthlyLimitCents: 1500},
		},
	}
	e, _ := newTestEngine(view)
	ctx := context.Background()

	assert.True(t, e.Decide(ctx, authReq("evt-1", "ic_1", 1000)).Approved)
	dec := e.Decide(ctx, authReq("evt-2", "ic_1", 600))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonLimitExceeded, dec.Reason)
}

func TestDecideMCCAllowList(t *testing.T) {
	view := &fakeView{
		cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 0, 0)},
		profiles: map[string]*models.SubscriptionProfile{
			"card-1": {ID: "prof-1", Status: models.ProfileActive, AllowedMCCs: "5815, 5816"},
		},
	}
	e, _ := newTestEngine(view)

	req := authReq("evt-1", "ic_1", 100)
	req.Merchant = &models.Merchant{Name: "Streaming Co", MCC: "5815"}
	assert.True(t, e.Decide(context.Background(), req).Approved)

	req = authReq("evt-2", "ic_1", 100)
	req.Merchant = &models.Merchant{Name: "Hardware Store", MCC: "5200"}
	dec := e.Decide(context.Background(), req)
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonMerchantNotAllowed, dec.Reason)

	// Missing merchant data fails closed when an allow-list is set.
	dec = e.Decide(context.Background(), authReq("evt-3", "ic_1", 100))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonMerchantNotAllowed, dec.Reason)
}

func TestDecideFailClosedOnViewError(t *testing.T) {
	e, _ := newTestEngine(&fakeView{err: errors.New("store unreachable")})
	dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 100))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonInternalError, dec.Reason)
}

func TestDecideFailClosedOnPanic(t *testing.T) {
	e, _ := newTestEngine(&fakeView{panics: true})
	dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 100))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonInternalError, dec.Reason)
}

func TestDecideInvalidAmount(t *testing.T) {
	e, _ := newTestEngine(&fakeView{cards: map[string]*models.Card{}})
	dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 0))
	assert.False(t, dec.Approved)
	assert.Equal(t, models.ReasonInvalidAmount, dec.Reason)
}

func TestDecideDeclineLeavesLedgerUntouched(t *testing.T) {
	view := &fakeView{cards: map[string]*models.Card{"ic_1": activeCard("card-1", "ic_1", 0, 1000)}}
	e, l := newTestEngine(view)

	dec := e.Decide(context.Background(), authReq("evt-1", "ic_1", 2000))
	require.False(t, dec.Approved)

	spent, reserved := l.Usage("card-1")
	assert.Zero(t, spent)
	assert.Zero(t, reserved)
}
