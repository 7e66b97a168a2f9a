package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaultcard/vaultcard-service/internal/config"
	"github.com/vaultcard/vaultcard-service/internal/integrations/rates"
	"github.com/vaultcard/vaultcard-service/internal/ledger"
	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/provider"
	"github.com/vaultcard/vaultcard-service/internal/repository"
	"github.com/vaultcard/vaultcard-service/internal/utils/email"
)

// Service handles business logic
type Service struct {
	repo     *repository.Repository
	provider provider.Provider
	ledger   *ledger.Ledger
	email    *email.Sender
	rates    *rates.Client
	log      *logrus.Logger
	config   *config.Config
}

// NewService initializes a new service
func NewService(repo *repository.Repository, p provider.Provider, l *ledger.Ledger,
	sender *email.Sender, rates *rates.Client, log *logrus.Logger, cfg *config.Config) *Service {
	return &Service{
		repo:     repo,
		provider: p,
		ledger:   l,
		email:    sender,
		rates:    rates,
		log:      log,
		config:   cfg,
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

// Register creates a new user with hashed password
func (s *Service) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	if username == "" || email == "" {
		return nil, fmt.Errorf("username and email are required: %w", models.ErrValidation)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters: %w", models.ErrValidation)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hashedPassword),
		Active:       true,
		KYCStatus:    models.KYCPending,
		Currency:     "usd",
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.log.Infof("User registered: %s", user.Email)
	return user, nil
}

// Login authenticates a user and returns a JWT token
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("invalid credentials: %w", models.ErrValidation)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials: %w", models.ErrValidation)
	}
	if !user.Active {
		return "", fmt.Errorf("account disabled: %w", models.ErrValidation)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user.ID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	})
	tokenString, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.Infof("User logged in: %s", user.Email)
	return tokenString, nil
}

// GetUser returns the user's profile
func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.repo.FindUserByID(ctx, userID)
}

// VerifyKYC marks the user's identity verification result. In production
// this is driven by the verification vendor's callback.
func (s *Service) VerifyKYC(ctx context.Context, userID string, approved bool) error {
	status := models.KYCVerified
	if !approved {
		status = models.KYCRejected
	}
	if err := s.repo.UpdateUserKYC(ctx, userID, status); err != nil {
		return err
	}
	s.log.Infof("KYC %s for user %s", status, userID)
	return nil
}

// CardByProviderID resolves a card from the provider-side id. Part of the
// decision engine's read path.
func (s *Service) CardByProviderID(ctx context.Context, providerCardID string) (*models.Card, error) {
	return s.repo.FindCardByProviderID(ctx, providerCardID)
}

// ProfileByCardID resolves the open subscription profile linked to a card.
// Part of the decision engine's read path.
func (s *Service) ProfileByCardID(ctx context.Context, cardID string) (*models.SubscriptionProfile, error) {
	return s.repo.FindActiveProfileByCardID(ctx, cardID)
}

// MirrorCommittedSpend persists ledger commits into the stored period
// counters. Registered as the ledger's commit hook; runs outside the
// counter locks, so a slow write never stalls authorization decisions.
func (s *Service) MirrorCommittedSpend(cardID, profileID string, amountCents int64, period string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.AddCardSpend(ctx, cardID, amountCents, period); err != nil {
		s.log.Errorf("failed to mirror card spend for %s: %v", cardID, err)
	}
	if profileID != "" {
		if err := s.repo.AddProfileSpend(ctx, profileID, amountCents, period); err != nil {
			s.log.Errorf("failed to mirror profile spend for %s: %v", profileID, err)
		}
	}
}

// ResetPeriods rolls all spend counters into the period containing now.
// Runs on the period boundary via cron; safe to re-run.
func (s *Service) ResetPeriods(ctx context.Context, now time.Time) error {
	period := ledger.PeriodKey(now)

	cards, err := s.repo.ResetCardPeriods(ctx, period)
	if err != nil {
		return err
	}
	profiles, err := s.repo.ResetProfilePeriods(ctx, period)
	if err != nil {
		return err
	}
	counters := s.ledger.ResetPeriod(now)

	s.log.WithFields(logrus.Fields{
		"period":   period,
		"cards":    cards,
		"profiles": profiles,
		"counters": counters,
	}).Info("Period reset complete")
	return nil
}
