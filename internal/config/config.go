package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	DBConn   string
	LogLevel string

	// Provider selects the issuing backend: "stripe" or "marqeta".
	Provider            string
	StripeSecretKey     string
	StripeWebhookSecret string

	MarqetaAPIBase       string
	MarqetaAppToken      string
	MarqetaAccessToken   string
	MarqetaWebhookSecret string
	MarqetaCardProduct   string

	JWTSecret string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SenderEmail  string

	RatesURL        string
	FallbackCNYRate float64

	DecisionDeadline time.Duration
	HoldTTL          time.Duration

	MaxCardsPerUser         int
	MaxSubscriptionsPerUser int
}

// NewConfig loads configuration from environment variables
func NewConfig() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		DBConn:   getEnv("DB_CONN", "host=localhost port=5432 user=vaultcard password=vaultcard dbname=vaultcard sslmode=disable"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		Provider:            getEnv("PROVIDER", "stripe"),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		MarqetaAPIBase:       getEnv("MARQETA_API_BASE", "https://sandbox-api.marqeta.com/v3"),
		MarqetaAppToken:      getEnv("MARQETA_APP_TOKEN", ""),
		MarqetaAccessToken:   getEnv("MARQETA_ACCESS_TOKEN", ""),
		MarqetaWebhookSecret: getEnv("MARQETA_WEBHOOK_SECRET", ""),
		MarqetaCardProduct:   getEnv("MARQETA_CARD_PRODUCT", ""),

		JWTSecret: getEnv("JWT_SECRET", "secret"),

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SenderEmail:  getEnv("SENDER_EMAIL", "noreply@vaultcard.io"),

		RatesURL:        getEnv("RATES_URL", "https://www.cbr.ru/scripts/XML_daily.asp"),
		FallbackCNYRate: getEnvFloat("FALLBACK_CNY_RATE", 7.1),

		DecisionDeadline: getEnvDuration("DECISION_DEADLINE", 2*time.Second),
		HoldTTL:          getEnvDuration("HOLD_TTL", 72*time.Hour),

		MaxCardsPerUser:         getEnvInt("MAX_CARDS_PER_USER", 10),
		MaxSubscriptionsPerUser: getEnvInt("MAX_SUBSCRIPTIONS_PER_USER", 25),
	}

	if cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.Provider {
	case "stripe":
		if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required when PROVIDER=stripe")
		}
	case "marqeta":
		if cfg.MarqetaAppToken == "" || cfg.MarqetaAccessToken == "" {
			return nil, fmt.Errorf("MARQETA_APP_TOKEN and MARQETA_ACCESS_TOKEN are required when PROVIDER=marqeta")
		}
	default:
		return nil, fmt.Errorf("unknown PROVIDER: %s", cfg.Provider)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}
