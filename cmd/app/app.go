package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/config"
	"MarketplaceAPI/internal/db"
	"MarketplaceAPI/internal/middleware"
	"MarketplaceAPI/internal/ratelimit"
	"MarketplaceAPI/internal/repository"
	"MarketplaceAPI/internal/services"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type storage struct {
	payments      services.PaymentStore
	payouts       services.PayoutStore
	subscriptions services.SubscriptionStore
	events        audit.Flusher
	close         func()
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.StorageBolt:
		store, err := repository.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		log.Info("storage ready", zap.String("driver", cfg.StorageDriver), zap.String("path", cfg.BoltPath))
		return &storage{
			payments:      store,
			payouts:       store,
			subscriptions: store,
			events:        store,
			close:         func() { _ = store.Close() },
		}, nil

	case config.StoragePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("storage ready", zap.String("driver", cfg.StorageDriver))
		return &storage{
			payments:      repository.NewPaymentRepository(pool),
			payouts:       repository.NewPayoutRepository(pool),
			subscriptions: repository.NewSubscriptionRepository(pool),
			events:        repository.NewEventRepository(pool),
			close:         pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

type application struct {
	cfg  *config.Config
	log  *zap.Logger
	auth *middleware.Auth

	queue         *audit.Queue
	payments      *services.PaymentService
	reconcile     *services.ReconcileService
	refunds       *services.RefundService
	subscriptions *services.SubscriptionService
	payouts       *services.PayoutService
	retry         *services.RetryWorker
}

func newApplication(
	cfg *config.Config,
	st *storage,
	gw services.Gateway,
	alerter services.Alerter,
	log *zap.Logger,
) *application {
	events := st.events
	if events == nil {
		events = audit.LogFlusher{Log: log.Named("audit")}
	}
	queue := audit.NewQueue(events, cfg.AuditBatchSize, log.Named("audit"))
	rate := services.NewRateGate(ratelimit.New(), nil)

	records := services.NewPaymentRecords(st.payments, queue, log)
	idem := services.NewIdempotency(st.payments)
	subs := services.NewSubscriptionService(st.subscriptions, queue, log)
	payouts := services.NewPayoutService(st.payouts, gw, queue, cfg.PayoutSecret, log.Named("payouts"))

	return &application{
		cfg:           cfg,
		log:           log,
		auth:          middleware.NewAuth(cfg.JWTSecret, ""),
		queue:         queue,
		payments:      services.NewPaymentService(records, idem, gw, rate, subs, cfg.PublicBaseURL, log.Named("payments")),
		reconcile:     services.NewReconcileService(records, gw, subs, rate, alerter, cfg.WebhookSecret, log.Named("reconcile")),
		refunds:       services.NewRefundService(records, gw, subs, alerter, log.Named("refunds")),
		subscriptions: subs,
		payouts:       payouts,
		retry:         services.NewRetryWorker(payouts, cfg.PayoutRetryMaxAttempts, cfg.PayoutRetryMaxAge, log.Named("payout_retry")),
	}
}

func newServer(app *application) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				app.log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			app.log.Info("request", fields...)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})

	api := e.Group("/api")

	// ======================
	// ROUTES (ONLY REGISTRATION)
	// ======================
	registerPaymentRoutes(api, app)
	registerPayoutRoutes(api, app)

	for _, r := range e.Routes() {
		app.log.Debug("route", zap.String("method", r.Method), zap.String("path", r.Path))
	}
	return e
}

// startWorkers runs the audit flusher and, when payouts are enabled, the
// payout retry loop. The returned stop blocks until both have exited; the
// retry loop ends before the final audit flush so its events are kept.
func startWorkers(ctx context.Context, app *application) (stop func()) {
	retryCtx, cancelRetry := context.WithCancel(ctx)
	auditCtx, cancelAudit := context.WithCancel(context.Background())

	auditTicker := time.NewTicker(app.cfg.AuditFlushInterval)
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		app.queue.Run(auditCtx, auditTicker.C)
	}()

	retryDone := make(chan struct{})
	if app.cfg.PayoutsEnabled {
		retryTicker := time.NewTicker(app.cfg.PayoutRetryInterval)
		go func() {
			defer close(retryDone)
			defer retryTicker.Stop()
			app.retry.Run(retryCtx, retryTicker.C)
		}()
	} else {
		close(retryDone)
	}

	return func() {
		cancelRetry()
		<-retryDone
		cancelAudit()
		<-auditDone
		auditTicker.Stop()
	}
}
