package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

func newTestStripe() *Stripe {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewStripe("sk_test_xyz", "whsec_testsecret", log)
}

func signStripe(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature(t *testing.T) {
	s := newTestStripe()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	payload := []byte(`{"id":"evt_1"}`)

	t.Run("valid", func(t *testing.T) {
		sig := signStripe("whsec_testsecret", now.Unix(), payload)
		assert.True(t, s.VerifySignature(payload, sig))
	})

	t.Run("wrong secret", func(t *testing.T) {
		sig := signStripe("whsec_other", now.Unix(), payload)
		assert.False(t, s.VerifySignature(payload, sig))
	})

	t.Run("tampered payload", func(t *testing.T) {
		sig := signStripe("whsec_testsecret", now.Unix(), payload)
		assert.False(t, s.VerifySignature([]byte(`{"id":"evt_2"}`), sig))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		sig := signStripe("whsec_testsecret", now.Add(-10*time.Minute).Unix(), payload)
		assert.False(t, s.VerifySignature(payload, sig))
	})

	t.Run("garbage header", func(t *testing.T) {
		assert.False(t, s.VerifySignature(payload, "not-a-signature"))
		assert.False(t, s.VerifySignature(payload, ""))
	})
}

func TestNormalizeAuthorizationRequest(t *testing.T) {
	s := newTestStripe()
	payload := []byte(`{
		"id": "evt_auth_1",
		"type": "issuing_authorization.request",
		"created": 1767225600,
		"data": {"object": {
			"id": "iauth_1",
			"card": {"id": "ic_123"},
			"pending_request": {"amount": 2599, "currency": "usd"},
			"merchant_data": {"name": "Netflix", "category_code": "5815", "city": "Los Gatos", "country": "US"}
		}}
	}`)

	ev, err := s.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_auth_1", ev.ID)
	assert.Equal(t, models.EventAuthorizationRequest, ev.Kind)
	assert.Equal(t, "iauth_1", ev.AuthorizationRef)
	assert.Equal(t, "ic_123", ev.CardRef)
	assert.Equal(t, int64(2599), ev.AmountCents)
	assert.Equal(t, "usd", ev.Currency)
	require.NotNil(t, ev.Merchant)
	assert.Equal(t, "5815", ev.Merchant.MCC)
	assert.Equal(t, "Netflix", ev.Merchant.Name)
}

func TestNormalizeIssuingTransaction(t *testing.T) {
	s := newTestStripe()
	payload := []byte(`{
		"id": "evt_tx_1",
		"type": "issuing_transaction.created",
		"created": 1767225600,
		"data": {"object": {
			"id": "ipi_1",
			"card": "ic_123",
			"authorization": "iauth_1",
			"amount": -2599,
			"currency": "usd",
			"type": "capture",
			"merchant_data": {"name": "Netflix", "category_code": "5815"}
		}}
	}`)

	ev, err := s.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventTransactionCreated, ev.Kind)
	assert.Equal(t, "ic_123", ev.CardRef)
	assert.Equal(t, "iauth_1", ev.AuthorizationRef)
	assert.Equal(t, int64(2599), ev.AmountCents, "capture amounts are reported negative and must be normalized")
}

func TestNormalizePaymentIntentSucceeded(t *testing.T) {
	s := newTestStripe()
	payload := []byte(`{
		"id": "evt_pi_1",
		"type": "payment_intent.succeeded",
		"created": 1767225600,
		"data": {"object": {"id": "pi_123", "amount": 50000, "currency": "usd"}}
	}`)

	ev, err := s.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "pi_123", ev.PaymentRef)
	assert.Equal(t, int64(50000), ev.AmountCents)
}

func TestNormalizeAuthorizationReversal(t *testing.T) {
	s := newTestStripe()
	payload := []byte(`{
		"id": "evt_rev_1",
		"type": "issuing_authorization.updated",
		"created": 1767225600,
		"data": {"object": {"id": "iauth_1", "status": "reversed"}}
	}`)

	ev, err := s.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventAuthorizationReversed, ev.Kind)
	assert.Equal(t, "iauth_1", ev.AuthorizationRef)

	// A pending update is not a reversal.
	payload = []byte(`{
		"id": "evt_rev_2",
		"type": "issuing_authorization.updated",
		"created": 1767225600,
		"data": {"object": {"id": "iauth_1", "status": "pending"}}
	}`)
	ev, err = s.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventUnknown, ev.Kind)
}

func TestNormalizeCardUpdated(t *testing.T) {
	s := newTestStripe()
	payload := []byte(`{
		"id": "evt_card_1",
		"type": "issuing_card.updated",
		"created": 1767225600,
		"data": {"object": {"id": "ic_123", "status": "inactive", "last4": "4242", "brand": "visa"}}
	}`)

	ev, err := s.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventCardUpdated, ev.Kind)
	assert.Equal(t, "ic_123", ev.CardRef)
	assert.Equal(t, models.CardFrozen, ev.CardStatus)
}

func TestNormalizeUnknownAndMalformed(t *testing.T) {
	s := newTestStripe()

	ev, err := s.NormalizeWebhook([]byte(`{"id":"evt_x","type":"customer.created","created":1,"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, models.EventUnknown, ev.Kind)

	_, err = s.NormalizeWebhook([]byte(`not json`))
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = s.NormalizeWebhook([]byte(`{"type":"payment_intent.succeeded"}`))
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestMarqetaVerifySignature(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := NewMarqeta("https://sandbox-api.marqeta.com/v3", "app", "token", "secret", "cp_1", log)

	payload := []byte(`{"token":"evt_1","type":"authorization"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, m.VerifySignature(payload, sig))
	assert.False(t, m.VerifySignature(payload, "deadbeef"))
	assert.False(t, m.VerifySignature(payload, ""))
}

func TestMarqetaNormalizeAuthorization(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := NewMarqeta("https://sandbox-api.marqeta.com/v3", "app", "token", "secret", "cp_1", log)

	payload := []byte(`{
		"token": "tx_1",
		"type": "authorization",
		"card_token": "card_abc",
		"amount": 25.99,
		"currency_code": "USD",
		"created_time": "2026-05-01T12:00:00Z",
		"card_acceptor": {"name": "Spotify", "mcc": "5815"}
	}`)

	ev, err := m.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventAuthorizationRequest, ev.Kind)
	assert.Equal(t, "tx_1", ev.AuthorizationRef)
	assert.Equal(t, "card_abc", ev.CardRef)
	assert.Equal(t, int64(2599), ev.AmountCents)
}
