package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/external/resend"
	"MarketplaceAPI/internal/config"
	"MarketplaceAPI/internal/services"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ======================
	// INFRA
	// ======================
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// ======================
	// EXTERNALS
	// ======================
	gateway := chapa.NewClient(cfg.ChapaSecretKey, cfg.ChapaBaseURL, cfg.ChapaTimeout)
	if cfg.ChapaSecretKey == "" {
		logger.Warn("CHAPA_SECRET_KEY not set, provider calls will fail")
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not set, every payment webhook will be rejected")
	}

	var alerter services.Alerter = services.LogAlerter{Log: logger.Named("alerts")}
	if cfg.ResendAPIKey != "" {
		mailer, err := resend.NewMailer(cfg.ResendAPIKey, cfg.AlertEmailFrom, cfg.AlertEmailTo)
		if err != nil {
			logger.Warn("alert email disabled", zap.Error(err))
		} else {
			alerter = services.FanoutAlerter{alerter, mailer}
		}
	}

	app := newApplication(cfg, st, gateway, alerter, logger)

	// ======================
	// WORKERS
	// ======================
	stopWorkers := startWorkers(ctx, app)

	// ======================
	// SERVER
	// ======================
	e := newServer(app)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown", zap.Error(serr))
	}

	// Storage closes only after the workers return.
	stopWorkers()
	return err
}
