package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrDuplicateHold = errors.New("hold already exists")
	ErrHoldNotFound  = errors.New("hold not found")
)

// counter tracks committed and reserved spend for one entity within the
// current budget period. Each counter carries its own lock so activity on
// different cards never serializes.
type counter struct {
	mu       sync.Mutex
	period   string
	spent    int64
	reserved int64
}

// roll zeroes committed spend when the stored period has elapsed.
// Outstanding reservations survive the roll; they settle or expire on
// their own schedule. Caller must hold c.mu.
func (c *counter) roll(period string) {
	if c.period != period {
		c.period = period
		c.spent = 0
	}
}

// hold is a provisional reservation against a card and, optionally, the
// profile the card is linked to. A pending hold has claimed its id but not
// yet passed the limit check; it is invisible to Commit and Release.
type hold struct {
	cardID    string
	profileID string
	amount    int64
	createdAt time.Time
	pending   bool
}

// CommitHook is invoked after a reservation is committed, outside the
// counter locks, so callers can mirror totals to durable storage.
type CommitHook func(cardID, profileID string, amountCents int64, period string)

// Ledger is the authoritative in-memory record of per-card and per-profile
// spend within the current budget period. It is the single writer of these
// totals; all mutation goes through Reserve, Commit, Release, RecordSpend
// and ResetPeriod.
type Ledger struct {
	mu       sync.RWMutex // guards the maps only, never held across counter ops
	counters map[string]*counter
	holds    map[string]*hold

	holdTTL  time.Duration
	onCommit CommitHook
	log      *logrus.Logger
	now      func() time.Time
}

// New creates a ledger. holdTTL bounds how long an unsettled reservation
// may hold budget before SweepExpired returns it.
func New(holdTTL time.Duration, log *logrus.Logger) *Ledger {
	return &Ledger{
		counters: make(map[string]*counter),
		holds:    make(map[string]*hold),
		holdTTL:  holdTTL,
		log:      log,
		now:      time.Now,
	}
}

// SetCommitHook registers a callback for committed spend. Must be called
// before the ledger is shared between goroutines.
func (l *Ledger) SetCommitHook(fn CommitHook) {
	l.onCommit = fn
}

// PeriodKey returns the budget period containing t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func (l *Ledger) counterFor(entityID string) *counter {
	l.mu.RLock()
	c, ok := l.counters[entityID]
	l.mu.RUnlock()
	if ok {
		return c
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.counters[entityID]; ok {
		return c
	}
	c = &counter{period: PeriodKey(l.now())}
	l.counters[entityID] = c
	return c
}

// Reserve places a hold of amountCents against the card and, when profileID
// is non-empty, the profile. The limit check and the hold are atomic with
// respect to concurrent reservations on the same entities: either both
// counters accept the hold or neither does. A zero limit means unbounded.
func (l *Ledger) Reserve(cardID string, cardLimit int64, profileID string, profileLimit int64, amountCents int64, holdID string) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	if cardID == "" || holdID == "" {
		return fmt.Errorf("reserve: %w", ErrInvalidAmount)
	}

	// Claim the hold id before touching the counters. The existence check
	// and the claim are one critical section, so a concurrent Reserve with
	// the same id sees ErrDuplicateHold instead of a second reservation.
	l.mu.Lock()
	if _, exists := l.holds[holdID]; exists {
		l.mu.Unlock()
		return ErrDuplicateHold
	}
	h := &hold{pending: true}
	l.holds[holdID] = h
	l.mu.Unlock()

	period := PeriodKey(l.now())
	cardCtr := l.counterFor(cardID)
	var profileCtr *counter
	if profileID != "" {
		profileCtr = l.counterFor(profileID)
	}

	// Lock order is always card then profile. A card belongs to at most
	// one profile, so the pair is stable and cannot deadlock.
	cardCtr.mu.Lock()
	defer cardCtr.mu.Unlock()
	if profileCtr != nil {
		profileCtr.mu.Lock()
		defer profileCtr.mu.Unlock()
	}

	cardCtr.roll(period)
	if cardLimit > 0 && cardCtr.spent+cardCtr.reserved+amountCents > cardLimit {
		l.abandonHold(holdID)
		return ErrLimitExceeded
	}
	if profileCtr != nil {
		profileCtr.roll(period)
		if profileLimit > 0 && profileCtr.spent+profileCtr.reserved+amountCents > profileLimit {
			l.abandonHold(holdID)
			return ErrLimitExceeded
		}
	}

	cardCtr.reserved += amountCents
	if profileCtr != nil {
		profileCtr.reserved += amountCents
	}

	l.mu.Lock()
	h.cardID = cardID
	h.profileID = profileID
	h.amount = amountCents
	h.createdAt = l.now()
	h.pending = false
	l.mu.Unlock()
	return nil
}

// abandonHold drops a pending hold whose reservation did not go through.
func (l *Ledger) abandonHold(holdID string) {
	l.mu.Lock()
	delete(l.holds, holdID)
	l.mu.Unlock()
}

// Commit converts the hold into committed spend. Called when the matching
// settlement event arrives.
func (l *Ledger) Commit(holdID string) (int64, error) {
	h, err := l.takeHold(holdID)
	if err != nil {
		return 0, err
	}
	period := l.settle(h, true)
	if l.onCommit != nil {
		l.onCommit(h.cardID, h.profileID, h.amount, period)
	}
	return h.amount, nil
}

// Release discards the hold and returns its full amount to the available
// limit. Called when the issuer reports the authorization expired or was
// reversed.
func (l *Ledger) Release(holdID string) (int64, error) {
	h, err := l.takeHold(holdID)
	if err != nil {
		return 0, err
	}
	l.settle(h, false)
	return h.amount, nil
}

func (l *Ledger) takeHold(holdID string) (*hold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[holdID]
	if !ok || h.pending {
		return nil, ErrHoldNotFound
	}
	delete(l.holds, holdID)
	return h, nil
}

// settle removes the reserved amount and, when commit is true, adds it to
// committed spend. Returns the period the spend landed in.
func (l *Ledger) settle(h *hold, commit bool) string {
	period := PeriodKey(l.now())
	cardCtr := l.counterFor(h.cardID)
	var profileCtr *counter
	if h.profileID != "" {
		profileCtr = l.counterFor(h.profileID)
	}

	cardCtr.mu.Lock()
	defer cardCtr.mu.Unlock()
	if profileCtr != nil {
		profileCtr.mu.Lock()
		defer profileCtr.mu.Unlock()
	}

	l.unreserve(cardCtr, h, commit, period)
	if profileCtr != nil {
		l.unreserve(profileCtr, h, commit, period)
	}
	return period
}

// unreserve adjusts one counter for a settled hold. Caller holds c.mu.
func (l *Ledger) unreserve(c *counter, h *hold, commit bool, period string) {
	c.roll(period)
	c.reserved -= h.amount
	if c.reserved < 0 {
		// Reserved totals can only underflow through a bug in hold
		// bookkeeping. Clamp and scream.
		l.log.WithFields(logrus.Fields{
			"card_id":  h.cardID,
			"reserved": c.reserved,
		}).Error("ledger reserved total underflow: integrity violation")
		c.reserved = 0
	}
	if commit {
		c.spent += h.amount
	}
}

// RecordSpend adds committed spend with no prior hold, for settlements the
// issuer force-captured without a matching authorization.
func (l *Ledger) RecordSpend(cardID, profileID string, amountCents int64) {
	if amountCents <= 0 {
		return
	}
	h := &hold{cardID: cardID, profileID: profileID, amount: amountCents}
	period := PeriodKey(l.now())
	cardCtr := l.counterFor(cardID)
	var profileCtr *counter
	if profileID != "" {
		profileCtr = l.counterFor(profileID)
	}
	cardCtr.mu.Lock()
	cardCtr.roll(period)
	cardCtr.spent += amountCents
	cardCtr.mu.Unlock()
	if profileCtr != nil {
		profileCtr.mu.Lock()
		profileCtr.roll(period)
		profileCtr.spent += amountCents
		profileCtr.mu.Unlock()
	}
	if l.onCommit != nil {
		l.onCommit(h.cardID, h.profileID, h.amount, period)
	}
}

// Prime seeds committed spend for an entity, used at startup to restore
// totals persisted for the current period. No-op if the entity already has
// a counter.
func (l *Ledger) Prime(entityID string, spentCents int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.counters[entityID]; ok {
		return
	}
	l.counters[entityID] = &counter{period: PeriodKey(l.now()), spent: spentCents}
}

// Usage reports committed and reserved spend for the current period.
func (l *Ledger) Usage(entityID string) (spent, reserved int64) {
	l.mu.RLock()
	c, ok := l.counters[entityID]
	l.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(PeriodKey(l.now()))
	return c.spent, c.reserved
}

// ResetPeriod zeroes committed spend for exactly the entities whose stored
// period differs from the period containing now. Idempotent: a second call
// in the same period touches nothing. Returns the number of counters reset.
func (l *Ledger) ResetPeriod(now time.Time) int {
	period := PeriodKey(now)
	l.mu.RLock()
	counters := make([]*counter, 0, len(l.counters))
	for _, c := range l.counters {
		counters = append(counters, c)
	}
	l.mu.RUnlock()

	reset := 0
	for _, c := range counters {
		c.mu.Lock()
		if c.period != period {
			c.roll(period)
			reset++
		}
		c.mu.Unlock()
	}
	if reset > 0 {
		l.log.WithField("count", reset).Info("ledger period reset")
	}
	return reset
}

// SweepExpired releases every hold older than the configured TTL, returning
// the reserved amounts to the available limits. Without this, authorizations
// that never settle would leak limit capacity.
func (l *Ledger) SweepExpired(now time.Time) int {
	l.mu.RLock()
	expired := make([]string, 0)
	for id, h := range l.holds {
		if !h.pending && now.Sub(h.createdAt) > l.holdTTL {
			expired = append(expired, id)
		}
	}
	l.mu.RUnlock()

	swept := 0
	for _, id := range expired {
		if _, err := l.Release(id); err == nil {
			swept++
		}
	}
	if swept > 0 {
		l.log.WithField("count", swept).Info("released expired holds")
	}
	return swept
}
