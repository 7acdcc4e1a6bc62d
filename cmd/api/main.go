package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/skillscan/skillscan/internal/api"
	"github.com/skillscan/skillscan/internal/auth"
	"github.com/skillscan/skillscan/internal/config"
	"github.com/skillscan/skillscan/internal/fetcher"
	"github.com/skillscan/skillscan/internal/ledger"
	"github.com/skillscan/skillscan/internal/payments"
	"github.com/skillscan/skillscan/internal/scanner"
	"github.com/skillscan/skillscan/internal/service"
	"github.com/skillscan/skillscan/internal/store"
	"github.com/skillscan/skillscan/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if err := store.Migrate(cfg.Database.URL); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	st, err := store.NewStore(context.Background(), cfg.Database.URL)
	if err != nil {
		slog.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Wire the layers.
	lgr := ledger.New(st.Pool())
	analyzerClient := scanner.NewClient(cfg.Scanner)
	repoFetcher := fetcher.New(cfg.Fetcher)
	orchestrator := service.NewOrchestrator(st, lgr, analyzerClient, repoFetcher)
	reconciler := payments.NewReconciler(lgr, cfg.Payments.WebhookSecret)
	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	handler := api.NewHandler(orchestrator, st, reconciler, repoFetcher)
	router := api.NewRouter(handler, issuer)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	slog.Info("server starting", "port", cfg.Server.Port, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
