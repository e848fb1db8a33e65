package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"parcel-audit/internal/app"
	"parcel-audit/internal/config"
	"parcel-audit/internal/db"
	httphandler "parcel-audit/internal/http"
	"parcel-audit/internal/http/middleware"
	"parcel-audit/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid server config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	a, err := app.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to initialize service")
	}
	defer a.Close()

	if err := db.Migrate(a.DB, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("failed to run migrations")
	}

	handler := httphandler.NewHandler(a.Service, appLogger)
	authMiddleware := middleware.Auth(middleware.NewTokenParser(cfg.Auth.AccessSecret))
	ready := func(ctx context.Context) error { return db.HealthCheck(ctx, a.DB) }
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment, ready, appLogger)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().Str("addr", addr).Msg("starting parcel audit service")

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("failed to start server")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("server forced to shutdown")
	}

	appLogger.Info().Msg("server exited")
}
