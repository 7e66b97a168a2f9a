package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

const stripeAPIBase = "https://api.stripe.com/v1"

// signatureTolerance bounds how old a webhook timestamp may be before the
// signature is rejected, limiting replay of captured deliveries.
const signatureTolerance = 5 * time.Minute

// Stripe implements Provider against the Stripe Payments and Issuing APIs.
type Stripe struct {
	apiBase       string
	secretKey     string
	webhookSecret string
	client        *http.Client
	log           *logrus.Logger
	now           func() time.Time
}

// NewStripe creates a Stripe provider client.
func NewStripe(secretKey, webhookSecret string, log *logrus.Logger) *Stripe {
	return &Stripe{
		apiBase:       stripeAPIBase,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: 15 * time.Second},
		log:           log,
		now:           time.Now,
	}
}

func (s *Stripe) Name() string { return "stripe" }

// do sends a form-encoded request and decodes the JSON response into out.
func (s *Stripe) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request failed: %w", ErrTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", ErrTransient)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("stripe returned %d: %w", resp.StatusCode, ErrTransient)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return fmt.Errorf("stripe %s %s: %d %s", method, path, resp.StatusCode, apiErr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode stripe response: %w", err)
		}
	}
	return nil
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("description", req.Description)
	form.Set("metadata[user_id]", req.UserID)
	method := req.PaymentMethodType
	if method == "" {
		method = "card"
	}
	form.Set("payment_method_types[]", method)

	var resp struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
		Status       string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, "/payment_intents", form, &resp); err != nil {
		return nil, err
	}
	return &PaymentIntent{ID: resp.ID, ClientSecret: resp.ClientSecret, Status: resp.Status}, nil
}

type stripeCard struct {
	ID       string `json:"id"`
	Last4    string `json:"last4"`
	Brand    string `json:"brand"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Status   string `json:"status"`
}

func (s *Stripe) CreateCard(ctx context.Context, req CreateCardRequest) (*ProviderCard, error) {
	cardholder, err := s.getOrCreateCardholder(ctx, req.UserID, req.CardholderName)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("cardholder", cardholder)
	form.Set("type", "virtual")
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("status", "active")
	form.Set("metadata[user_id]", req.UserID)
	form.Set("metadata[nickname]", req.Nickname)
	if req.PerPeriodLimit > 0 {
		form.Set("spending_controls[spending_limits][0][amount]", strconv.FormatInt(req.PerPeriodLimit, 10))
		form.Set("spending_controls[spending_limits][0][interval]", "monthly")
	}
	if req.PerTransactionLimit > 0 {
		form.Set("spending_controls[spending_limits][1][amount]", strconv.FormatInt(req.PerTransactionLimit, 10))
		form.Set("spending_controls[spending_limits][1][interval]", "per_authorization")
	}

	var resp stripeCard
	if err := s.do(ctx, http.MethodPost, "/issuing/cards", form, &resp); err != nil {
		return nil, err
	}
	return mapStripeCard(resp), nil
}

func (s *Stripe) getOrCreateCardholder(ctx context.Context, userID, name string) (string, error) {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("email", userID+"@vaultcard.app")
	q.Set("limit", "1")
	if err := s.do(ctx, http.MethodGet, "/issuing/cardholders?"+q.Encode(), nil, &list); err != nil {
		return "", err
	}
	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	form := url.Values{}
	form.Set("name", name)
	form.Set("email", userID+"@vaultcard.app")
	form.Set("type", "individual")
	form.Set("status", "active")
	var created struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/issuing/cardholders", form, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (s *Stripe) GetCard(ctx context.Context, providerCardID string) (*ProviderCard, error) {
	var resp stripeCard
	if err := s.do(ctx, http.MethodGet, "/issuing/cards/"+providerCardID, nil, &resp); err != nil {
		return nil, err
	}
	return mapStripeCard(resp), nil
}

func (s *Stripe) SetCardStatus(ctx context.Context, providerCardID string, status models.CardStatus) (*ProviderCard, error) {
	form := url.Values{}
	switch status {
	case models.CardActive:
		form.Set("status", "active")
	case models.CardFrozen:
		form.Set("status", "inactive")
	case models.CardCanceled:
		form.Set("status", "canceled")
	default:
		return nil, fmt.Errorf("status %s cannot be pushed to stripe: %w", status, models.ErrValidation)
	}
	var resp stripeCard
	if err := s.do(ctx, http.MethodPost, "/issuing/cards/"+providerCardID, form, &resp); err != nil {
		return nil, err
	}
	return mapStripeCard(resp), nil
}

func (s *Stripe) ListTransactions(ctx context.Context, req TransactionListRequest) (*TransactionList, error) {
	q := url.Values{}
	if req.CardID != "" {
		q.Set("card", req.CardID)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Data []struct {
			ID           string `json:"id"`
			Card         string `json:"card"`
			Amount       int64  `json:"amount"`
			Currency     string `json:"currency"`
			Type         string `json:"type"`
			MerchantData struct {
				Name         string `json:"name"`
				CategoryCode string `json:"category_code"`
				City         string `json:"city"`
				Country      string `json:"country"`
			} `json:"merchant_data"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	if err := s.do(ctx, http.MethodGet, "/issuing/transactions?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	list := &TransactionList{HasMore: resp.HasMore}
	for _, tx := range resp.Data {
		list.Transactions = append(list.Transactions, ProviderTransaction{
			ID:          tx.ID,
			CardID:      tx.Card,
			AmountCents: absCents(tx.Amount),
			Currency:    tx.Currency,
			Type:        tx.Type,
			Merchant: models.Merchant{
				Name:    tx.MerchantData.Name,
				MCC:     tx.MerchantData.CategoryCode,
				City:    tx.MerchantData.City,
				Country: tx.MerchantData.Country,
			},
		})
	}
	return list, nil
}

// VerifySignature checks a Stripe-Signature header: HMAC-SHA256 of
// "<timestamp>.<payload>" keyed with the endpoint secret, with a bounded
// timestamp tolerance.
func (s *Stripe) VerifySignature(payload []byte, signature string) bool {
	var ts string
	var candidates []string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return false
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := s.now().Sub(time.Unix(tsInt, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return true
		}
	}
	return false
}

// stripeEvent is the envelope Stripe wraps every webhook payload in.
type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// NormalizeWebhook maps a Stripe event payload into the normalized shape.
func (s *Stripe) NormalizeWebhook(payload []byte) (*models.NormalizedEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed stripe event: %w: %v", models.ErrValidation, err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("stripe event missing id: %w", models.ErrValidation)
	}

	ev := &models.NormalizedEvent{
		ID:         event.ID,
		Kind:       models.EventUnknown,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var obj struct {
			ID               string `json:"id"`
			Amount           int64  `json:"amount"`
			Currency         string `json:"currency"`
			LastPaymentError struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		}
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("malformed payment_intent object: %w", models.ErrValidation)
		}
		ev.PaymentRef = obj.ID
		ev.AmountCents = obj.Amount
		ev.Currency = obj.Currency
		if event.Type == "payment_intent.succeeded" {
			ev.Kind = models.EventPaymentSucceeded
		} else {
			ev.Kind = models.EventPaymentFailed
			ev.Reason = obj.LastPaymentError.Message
		}

	case "issuing_authorization.request":
		var obj struct {
			ID   string `json:"id"`
			Card struct {
				ID string `json:"id"`
			} `json:"card"`
			PendingRequest struct {
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"pending_request"`
			MerchantData stripeMerchantData `json:"merchant_data"`
		}
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("malformed issuing_authorization object: %w", models.ErrValidation)
		}
		ev.Kind = models.EventAuthorizationRequest
		ev.AuthorizationRef = obj.ID
		ev.CardRef = obj.Card.ID
		ev.AmountCents = absCents(obj.PendingRequest.Amount)
		ev.Currency = obj.PendingRequest.Currency
		ev.Merchant = obj.MerchantData.toMerchant()

	case "issuing_authorization.updated":
		var obj struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("malformed issuing_authorization object: %w", models.ErrValidation)
		}
		// Only reversals and closures release the hold; other updates
		// are informational.
		if obj.Status == "reversed" || obj.Status == "closed" {
			ev.Kind = models.EventAuthorizationReversed
			ev.AuthorizationRef = obj.ID
		}

	case "issuing_transaction.created":
		var obj struct {
			ID            string             `json:"id"`
			Card          string             `json:"card"`
			Authorization string             `json:"authorization"`
			Amount        int64              `json:"amount"`
			Currency      string             `json:"currency"`
			Type          string             `json:"type"`
			MerchantData  stripeMerchantData `json:"merchant_data"`
		}
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("malformed issuing_transaction object: %w", models.ErrValidation)
		}
		if obj.Type == "refund" {
			// Refund transactions do not consume budget; surface them as
			// reversals of the original authorization when present.
			ev.Kind = models.EventAuthorizationReversed
			ev.AuthorizationRef = obj.Authorization
			return ev, nil
		}
		ev.Kind = models.EventTransactionCreated
		ev.ID = event.ID
		ev.CardRef = obj.Card
		ev.AuthorizationRef = obj.Authorization
		ev.AmountCents = absCents(obj.Amount)
		ev.Currency = obj.Currency
		ev.Merchant = obj.MerchantData.toMerchant()

	case "issuing_card.created", "issuing_card.updated":
		var obj stripeCard
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("malformed issuing_card object: %w", models.ErrValidation)
		}
		ev.CardRef = obj.ID
		ev.CardStatus = mapStripeCardStatus(obj.Status)
		if event.Type == "issuing_card.created" {
			ev.Kind = models.EventCardCreated
		} else {
			ev.Kind = models.EventCardUpdated
		}

	default:
		s.log.Debugf("unhandled stripe event type: %s", event.Type)
	}

	return ev, nil
}

type stripeMerchantData struct {
	Name         string `json:"name"`
	CategoryCode string `json:"category_code"`
	City         string `json:"city"`
	Country      string `json:"country"`
}

func (m stripeMerchantData) toMerchant() *models.Merchant {
	if m.Name == "" && m.CategoryCode == "" {
		return nil
	}
	return &models.Merchant{Name: m.Name, MCC: m.CategoryCode, City: m.City, Country: m.Country}
}

func mapStripeCard(c stripeCard) *ProviderCard {
	return &ProviderCard{
		ID:       c.ID,
		Last4:    c.Last4,
		Brand:    c.Brand,
		ExpMonth: c.ExpMonth,
		ExpYear:  c.ExpYear,
		Status:   mapStripeCardStatus(c.Status),
	}
}

// mapStripeCardStatus translates Stripe's card status vocabulary. Stripe
// reports a frozen card as "inactive"; a card we have never activated does
// not come back through this path.
func mapStripeCardStatus(status string) models.CardStatus {
	switch status {
	case "active":
		return models.CardActive
	case "inactive":
		return models.CardFrozen
	case "canceled":
		return models.CardCanceled
	default:
		return models.CardInactive
	}
}

// absCents normalizes Stripe's signed amounts; issuing captures are
// reported negative.
func absCents(v int64) int64 {
	if v == math.MinInt64 {
		return math.MaxInt64
	}
	if v < 0 {
		return -v
	}
	return v
}
