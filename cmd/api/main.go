package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/config"
	"github.com/finpocket/cardvault/internal/handler"
	"github.com/finpocket/cardvault/internal/integrations/rates"
	"github.com/finpocket/cardvault/internal/middleware"
	"github.com/finpocket/cardvault/internal/service"
	"github.com/finpocket/cardvault/internal/utils/email"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Initialize backend collaborator: Postgres when configured,
	// otherwise the seeded in-memory simulator for development.
	var be backend.Backend
	if cfg.DBConn != "" {
		db, err := sql.Open("postgres", cfg.DBConn)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("Failed to ping database: %v", err)
		}
		be = backend.NewPostgres(db, cfg.EncryptionKey, cfg.HMACSecret)
	} else {
		sim := backend.NewSimulated(backend.DefaultLatencies(), logger)
		backend.Seed(sim)
		be = sim
		logger.Warn("No DB_CONN set, serving the seeded simulated backend")
	}

	// Initialize layers
	mailer := email.NewSender(cfg, logger)
	svc := service.NewService(be, cfg, mailer, logger)
	ratesClient := rates.NewClient(cfg, logger)
	h := handler.NewHandler(svc, ratesClient)

	// Scheduled jobs: hourly ledger reconciliation, daily FX refresh
	scheduler := cron.New()
	scheduler.AddFunc("@hourly", svc.ReconcileAll)
	scheduler.AddFunc("@daily", func() {
		if err := ratesClient.Refresh(); err != nil {
			logger.Errorf("Failed to refresh FX rates: %v", err)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()
	go func() {
		if err := ratesClient.Refresh(); err != nil {
			logger.Warnf("Initial FX rates fetch failed: %v", err)
		}
	}()

	// Setup router
	r := mux.NewRouter()
	// Public routes
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/rates", h.Rates).Methods("GET")
	// Protected routes
	authRouter := r.PathPrefix("/").Subrouter()
	authRouter.Use(middleware.AuthMiddleware(cfg))
	authRouter.HandleFunc("/auth/challenge", h.Challenge).Methods("POST")
	authRouter.HandleFunc("/auth/fallback", h.Fallback).Methods("POST")
	authRouter.HandleFunc("/auth/digit", h.Digit).Methods("POST")
	authRouter.HandleFunc("/auth/delete", h.DeleteDigit).Methods("POST")
	authRouter.HandleFunc("/auth/cancel", h.CancelChallenge).Methods("POST")
	authRouter.HandleFunc("/auth/state", h.GateState).Methods("GET")
	authRouter.HandleFunc("/cards", h.Cards).Methods("GET")
	authRouter.HandleFunc("/cards", h.IssueCard).Methods("POST")
	authRouter.HandleFunc("/cards/{id}", h.Card).Methods("GET")
	authRouter.HandleFunc("/cards/{id}/reveal", h.Reveal).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/reveal", h.RevealStatus).Methods("GET")
	authRouter.HandleFunc("/cards/{id}/reveal", h.Hide).Methods("DELETE")
	authRouter.HandleFunc("/cards/{id}/freeze", h.Freeze).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/settings", h.Settings).Methods("PATCH")
	authRouter.HandleFunc("/cards/{id}/topup", h.TopUp).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/transactions", h.Transactions).Methods("GET")
	authRouter.HandleFunc("/cards/{id}/transactions/{txID}/expand", h.Expand).Methods("POST")
	authRouter.HandleFunc("/profile", h.Profile).Methods("PATCH")

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
