package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/config"
	"github.com/vaultcard/vaultcard-service/internal/ingest"
	"github.com/vaultcard/vaultcard-service/internal/middleware"
	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/service"
)

// Webhook bodies are small; anything larger is hostile.
const maxWebhookBody = 1 << 20

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vaultcard_http_requests_total",
	Help: "HTTP requests, labeled by method and route",
}, []string{"method", "route"})

type Handler struct {
	svc      *service.Service
	ingestor *ingest.Ingestor
	log      *logrus.Logger
}

func NewHandler(svc *service.Service, ingestor *ingest.Ingestor, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, ingestor: ingestor, log: log}
}

// RegisterRoutes attaches all application routes to the router
func (h *Handler) RegisterRoutes(r *mux.Router, cfg *config.Config) {
	r.Use(countRequests)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/webhook/{provider}", h.Webhook).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(cfg))

	api.HandleFunc("/users/me", h.Me).Methods(http.MethodGet)
	api.HandleFunc("/users/kyc", h.VerifyKYC).Methods(http.MethodPost)

	api.HandleFunc("/funding", h.CreateFunding).Methods(http.MethodPost)
	api.HandleFunc("/funding", h.ListFunding).Methods(http.MethodGet)

	api.HandleFunc("/cards", h.CreateCard).Methods(http.MethodPost)
	api.HandleFunc("/cards", h.ListCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}", h.GetCard).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}", h.UpdateCard).Methods(http.MethodPatch)
	api.HandleFunc("/cards/{id}/freeze", h.FreezeCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}/unfreeze", h.UnfreezeCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}/cancel", h.CancelCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}/transactions", h.ListCardTransactions).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}/provider-transactions", h.ListProviderTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)

	api.HandleFunc("/subscriptions", h.CreateSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", h.ListSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/summary", h.SubscriptionSummary).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", h.UpdateSubscription).Methods(http.MethodPatch)
	api.HandleFunc("/subscriptions/{id}/pause", h.PauseSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/resume", h.ResumeSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/close", h.CloseSubscription).Methods(http.MethodPost)
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		requestsTotal.WithLabelValues(r.Method, route).Inc()
		next.ServeHTTP(w, r)
	})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	user, err := h.svc.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// Login handles user authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Me returns the authenticated user's profile
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// VerifyKYC records the identity verification result
func (h *Handler) VerifyKYC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	if err := h.svc.VerifyKYC(r.Context(), middleware.UserID(r.Context()), req.Approved); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// CreateFunding initiates a balance top-up
func (h *Handler) CreateFunding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents       int64  `json:"amount_cents"`
		PaymentMethodType string `json:"payment_method_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	resp, err := h.svc.CreateFunding(r.Context(), middleware.UserID(r.Context()), req.AmountCents, req.PaymentMethodType)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// ListFunding returns the user's funding history
func (h *Handler) ListFunding(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListFunding(r.Context(), middleware.UserID(r.Context()), queryLimit(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateCard issues a new virtual card
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	card, err := h.svc.CreateCard(r.Context(), middleware.UserID(r.Context()), req)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, card)
}

// ListCards returns the user's cards
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.svc.ListCards(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cards)
}

// GetCard returns one card
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.svc.GetCard(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

// UpdateCard changes a card's nickname and limits
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	card, err := h.svc.UpdateCardLimits(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"],
		req.Nickname, req.PerTransactionLimit, req.PerPeriodLimit)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

// FreezeCard suspends a card
func (h *Handler) FreezeCard(w http.ResponseWriter, r *http.Request) {
	h.cardTransition(w, r, h.svc.FreezeCard)
}

// UnfreezeCard reactivates a frozen card
func (h *Handler) UnfreezeCard(w http.ResponseWriter, r *http.Request) {
	h.cardTransition(w, r, h.svc.UnfreezeCard)
}

// CancelCard permanently terminates a card
func (h *Handler) CancelCard(w http.ResponseWriter, r *http.Request) {
	h.cardTransition(w, r, h.svc.CancelCard)
}

func (h *Handler) cardTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, userID, cardID string) (*models.Card, error)) {
	card, err := fn(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

// ListCardTransactions returns settled transactions for one card
func (h *Handler) ListCardTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListCardTransactions(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// ListProviderTransactions returns the provider's own transaction view
func (h *Handler) ListProviderTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListProviderTransactions(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// ListTransactions returns the user's transactions across all cards
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListTransactions(r.Context(), middleware.UserID(r.Context()), queryLimit(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateSubscription creates a subscription profile
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	p, err := h.svc.CreateSubscription(r.Context(), middleware.UserID(r.Context()), req)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// ListSubscriptions returns the user's subscription profiles
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListSubscriptions(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// SubscriptionSummary aggregates the user's active profiles
func (h *Handler) SubscriptionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.SubscriptionSummary(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// GetSubscription returns one subscription profile
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetSubscription(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// UpdateSubscription changes a profile's settings
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.log, errBadJSON(err))
		return
	}
	p, err := h.svc.UpdateSubscription(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"], req)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// PauseSubscription pauses a profile and freezes its card
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.PauseSubscription(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ResumeSubscription reactivates a paused profile
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.ResumeSubscription(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// CloseSubscription permanently closes a profile
func (h *Handler) CloseSubscription(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.CloseSubscription(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Webhook receives provider event deliveries. Authorization decisions
// are answered inline; everything else returns the processing outcome.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Marqeta-Signature")
	}

	outcome, err := h.ingestor.Ingest(r.Context(), payload, signature)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrInvalidSignature):
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	case errors.Is(err, ingest.ErrInProgress):
		respondJSON(w, http.StatusConflict, map[string]string{"error": "delivery already in progress"})
		return
	case errors.Is(err, models.ErrValidation):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	default:
		h.log.Errorf("webhook processing failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	if outcome.Decision != nil {
		respondJSON(w, http.StatusOK, outcome.Decision)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": outcome.Status})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(w http.ResponseWriter, log *logrus.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrValidation):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrStateConflict):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Errorf("request failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func errBadJSON(err error) error {
	return errors.Join(models.ErrValidation, err)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}
