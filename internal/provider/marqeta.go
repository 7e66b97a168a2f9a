package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// Marqeta implements Provider against the Marqeta Core API. Marqeta is
// JSON-in/JSON-out with basic auth, reports amounts in major units, and
// signs webhooks with a plain hex HMAC of the body.
type Marqeta struct {
	apiBase       string
	appToken      string
	accessToken   string
	webhookSecret string
	cardProduct   string
	client        *http.Client
	log           *logrus.Logger
}

// NewMarqeta creates a Marqeta provider client.
func NewMarqeta(apiBase, appToken, accessToken, webhookSecret, cardProduct string, log *logrus.Logger) *Marqeta {
	return &Marqeta{
		apiBase:       apiBase,
		appToken:      appToken,
		accessToken:   accessToken,
		webhookSecret: webhookSecret,
		cardProduct:   cardProduct,
		client:        &http.Client{Timeout: 15 * time.Second},
		log:           log,
	}
}

func (m *Marqeta) Name() string { return "marqeta" }

func (m *Marqeta) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(m.appToken, m.accessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("marqeta request failed: %w", ErrTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", ErrTransient)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("marqeta returned %d: %w", resp.StatusCode, ErrTransient)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			ErrorMessage string `json:"error_message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return fmt.Errorf("marqeta %s %s: %d %s", method, path, resp.StatusCode, apiErr.ErrorMessage)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode marqeta response: %w", err)
		}
	}
	return nil
}

func (m *Marqeta) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	in := map[string]interface{}{
		"user_token":    req.UserID,
		"amount":        centsToMajor(req.AmountCents),
		"currency_code": req.Currency,
		"memo":          req.Description,
	}
	var resp struct {
		Token string `json:"token"`
		State string `json:"state"`
	}
	if err := m.do(ctx, http.MethodPost, "/gpaorders", in, &resp); err != nil {
		return nil, err
	}
	// Marqeta GPA orders have no client-side confirmation step; the token
	// doubles as the payment reference.
	return &PaymentIntent{ID: resp.Token, ClientSecret: resp.Token, Status: resp.State}, nil
}

type marqetaCard struct {
	Token          string `json:"token"`
	LastFour       string `json:"last_four"`
	State          string `json:"state"`
	ExpirationTime string `json:"expiration_time"`
}

func (m *Marqeta) CreateCard(ctx context.Context, req CreateCardRequest) (*ProviderCard, error) {
	in := map[string]interface{}{
		"user_token":         req.UserID,
		"card_product_token": m.cardProduct,
	}
	var resp marqetaCard
	if err := m.do(ctx, http.MethodPost, "/cards", in, &resp); err != nil {
		return nil, err
	}
	return mapMarqetaCard(resp), nil
}

func (m *Marqeta) GetCard(ctx context.Context, providerCardID string) (*ProviderCard, error) {
	var resp marqetaCard
	if err := m.do(ctx, http.MethodGet, "/cards/"+providerCardID, nil, &resp); err != nil {
		return nil, err
	}
	return mapMarqetaCard(resp), nil
}

func (m *Marqeta) SetCardStatus(ctx context.Context, providerCardID string, status models.CardStatus) (*ProviderCard, error) {
	var state string
	switch status {
	case models.CardActive:
		state = "ACTIVE"
	case models.CardFrozen:
		state = "SUSPENDED"
	case models.CardCanceled:
		state = "TERMINATED"
	default:
		return nil, fmt.Errorf("status %s cannot be pushed to marqeta: %w", status, models.ErrValidation)
	}
	in := map[string]interface{}{
		"card_token": providerCardID,
		"state":      state,
		"channel":    "API",
	}
	if err := m.do(ctx, http.MethodPost, "/cardtransitions", in, nil); err != nil {
		return nil, err
	}
	return m.GetCard(ctx, providerCardID)
}

func (m *Marqeta) ListTransactions(ctx context.Context, req TransactionListRequest) (*TransactionList, error) {
	path := "/transactions?count=" + strconv.Itoa(maxInt(req.Limit, 20))
	if req.CardID != "" {
		path += "&card_token=" + req.CardID
	}
	var resp struct {
		Data []struct {
			Token        string  `json:"token"`
			CardToken    string  `json:"card_token"`
			Amount       float64 `json:"amount"`
			CurrencyCode string  `json:"currency_code"`
			Type         string  `json:"type"`
			CardAcceptor struct {
				Name string `json:"name"`
				MCC  string `json:"mcc"`
				City string `json:"city"`
			} `json:"card_acceptor"`
		} `json:"data"`
		IsMore bool `json:"is_more"`
	}
	if err := m.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	list := &TransactionList{HasMore: resp.IsMore}
	for _, tx := range resp.Data {
		list.Transactions = append(list.Transactions, ProviderTransaction{
			ID:          tx.Token,
			CardID:      tx.CardToken,
			AmountCents: majorToCents(tx.Amount),
			Currency:    tx.CurrencyCode,
			Type:        tx.Type,
			Merchant: models.Merchant{
				Name: tx.CardAcceptor.Name,
				MCC:  tx.CardAcceptor.MCC,
				City: tx.CardAcceptor.City,
			},
		})
	}
	return list, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (m *Marqeta) VerifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(m.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NormalizeWebhook maps a Marqeta event payload into the normalized shape.
func (m *Marqeta) NormalizeWebhook(payload []byte) (*models.NormalizedEvent, error) {
	var event struct {
		Token                            string  `json:"token"`
		Type                             string  `json:"type"`
		CardToken                        string  `json:"card_token"`
		Amount                           float64 `json:"amount"`
		CurrencyCode                     string  `json:"currency_code"`
		State                            string  `json:"state"`
		CreatedTime                      string  `json:"created_time"`
		PrecedingRelatedTransactionToken string  `json:"preceding_related_transaction_token"`
		CardAcceptor                     struct {
			Name string `json:"name"`
			MCC  string `json:"mcc"`
			City string `json:"city"`
		} `json:"card_acceptor"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed marqeta event: %w: %v", models.ErrValidation, err)
	}
	if event.Token == "" {
		return nil, fmt.Errorf("marqeta event missing token: %w", models.ErrValidation)
	}

	occurred, err := time.Parse(time.RFC3339, event.CreatedTime)
	if err != nil {
		occurred = time.Now().UTC()
	}

	ev := &models.NormalizedEvent{
		ID:          event.Token,
		Kind:        models.EventUnknown,
		CardRef:     event.CardToken,
		AmountCents: majorToCents(event.Amount),
		Currency:    event.CurrencyCode,
		OccurredAt:  occurred,
	}
	if event.CardAcceptor.Name != "" || event.CardAcceptor.MCC != "" {
		ev.Merchant = &models.Merchant{
			Name: event.CardAcceptor.Name,
			MCC:  event.CardAcceptor.MCC,
			City: event.CardAcceptor.City,
		}
	}

	switch event.Type {
	case "authorization":
		ev.Kind = models.EventAuthorizationRequest
		ev.AuthorizationRef = event.Token
	case "authorization.clearing":
		ev.Kind = models.EventTransactionCreated
		ev.AuthorizationRef = event.PrecedingRelatedTransactionToken
	case "authorization.reversal":
		ev.Kind = models.EventAuthorizationReversed
		ev.AuthorizationRef = event.PrecedingRelatedTransactionToken
	case "gpa.credit":
		ev.Kind = models.EventPaymentSucceeded
		ev.PaymentRef = event.Token
	case "cardtransition":
		ev.Kind = models.EventCardUpdated
		ev.CardStatus = mapMarqetaCardState(event.State)
	default:
		m.log.Debugf("unhandled marqeta event type: %s", event.Type)
	}

	return ev, nil
}

func mapMarqetaCard(c marqetaCard) *ProviderCard {
	card := &ProviderCard{
		ID:     c.Token,
		Last4:  c.LastFour,
		Brand:  "visa",
		Status: mapMarqetaCardState(c.State),
	}
	if t, err := time.Parse(time.RFC3339, c.ExpirationTime); err == nil {
		card.ExpMonth = int(t.Month())
		card.ExpYear = t.Year()
	}
	return card
}

func mapMarqetaCardState(state string) models.CardStatus {
	switch state {
	case "ACTIVE":
		return models.CardActive
	case "SUSPENDED":
		return models.CardFrozen
	case "TERMINATED":
		return models.CardCanceled
	default:
		return models.CardInactive
	}
}

func centsToMajor(cents int64) float64 {
	return float64(cents) / 100
}

func majorToCents(major float64) int64 {
	return int64(math.Round(math.Abs(major) * 100))
}

func maxInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
