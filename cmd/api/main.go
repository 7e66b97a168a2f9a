package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vaultcard/vaultcard-service/internal/config"
	"github.com/vaultcard/vaultcard-service/internal/engine"
	"github.com/vaultcard/vaultcard-service/internal/handler"
	"github.com/vaultcard/vaultcard-service/internal/ingest"
	"github.com/vaultcard/vaultcard-service/internal/integrations/rates"
	"github.com/vaultcard/vaultcard-service/internal/ledger"
	"github.com/vaultcard/vaultcard-service/internal/provider"
	"github.com/vaultcard/vaultcard-service/internal/repository"
	"github.com/vaultcard/vaultcard-service/internal/service"
	"github.com/vaultcard/vaultcard-service/internal/utils/email"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Initialize database
	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	// Initialize layers
	repo := repository.NewRepository(db)

	var p provider.Provider
	switch cfg.Provider {
	case "stripe":
		p = provider.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)
	case "marqeta":
		p = provider.NewMarqeta(cfg.MarqetaAPIBase, cfg.MarqetaAppToken, cfg.MarqetaAccessToken,
			cfg.MarqetaWebhookSecret, cfg.MarqetaCardProduct, logger)
	default:
		logger.Fatalf("Unknown provider: %s", cfg.Provider)
	}
	logger.Infof("Issuing provider: %s", p.Name())

	l := ledger.New(cfg.HoldTTL, logger)
	ratesClient := rates.NewClient(cfg.RatesURL, cfg.FallbackCNYRate, logger)
	sender := email.NewSender(cfg, logger)
	svc := service.NewService(repo, p, l, sender, ratesClient, logger, cfg)
	l.SetCommitHook(svc.MirrorCommittedSpend)

	// Restore this period's committed spend before taking traffic.
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	totals, err := repo.LoadSpentTotals(startupCtx, ledger.PeriodKey(time.Now()))
	cancel()
	if err != nil {
		logger.Fatalf("Failed to load spent totals: %v", err)
	}
	for entityID, spent := range totals {
		l.Prime(entityID, spent)
	}
	logger.Infof("Primed ledger with %d spend counters", len(totals))

	eng := engine.New(svc, l, cfg.DecisionDeadline, logger)
	ingestor := ingest.New(p, eng, l, svc, svc, svc, svc, ingest.NewMemStore(), repo, logger)
	h := handler.NewHandler(svc, ingestor, logger)

	// Setup router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	h.RegisterRoutes(r, cfg)

	// Period reset shortly after each period rolls over; hold sweep hourly.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("5 0 1 * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := svc.ResetPeriods(ctx, time.Now()); err != nil {
			logger.Errorf("Period reset failed: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Failed to schedule period reset: %v", err)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		l.SweepExpired(time.Now())
	}); err != nil {
		logger.Fatalf("Failed to schedule hold sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Infof("Starting server on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
