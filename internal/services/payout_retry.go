package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"

	"go.uber.org/zap"
)

const retryBatchSize = 50

// RetryWorker resubmits failed payouts. Each payout gets at most
// MaxAttempts transfer attempts and is abandoned once older than MaxAge.
type RetryWorker struct {
	Payouts     *PayoutService
	MaxAttempts int
	MaxAge      time.Duration
	Log         *zap.Logger
}

func NewRetryWorker(payouts *PayoutService, maxAttempts int, maxAge time.Duration, log *zap.Logger) *RetryWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryWorker{Payouts: payouts, MaxAttempts: maxAttempts, MaxAge: maxAge, Log: log}
}

// RetryOnce runs a single pass and returns how many payouts were resubmitted.
func (w *RetryWorker) RetryOnce(ctx context.Context) (int, error) {
	s := w.Payouts
	since := s.now().Add(-w.MaxAge)

	due, err := s.Store.ListRetryablePayouts(ctx, since, w.MaxAttempts, retryBatchSize)
	if err != nil {
		return 0, err
	}

	retried := 0
	for i := range due {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		p := &due[i]
		log := w.Log.With(zap.String("reference", p.Reference), zap.Int("attempts", p.Attempts))

		// The previous attempt may have gone through after all. Only a
		// definitive failure or an unknown reference allows a new transfer.
		v, err := s.Gateway.VerifyTransfer(ctx, p.AttemptReference(p.Attempts))
		if err != nil {
			if !transferNotFound(err) {
				log.Warn("could not verify previous attempt, retrying next pass", zap.Error(err), gatewayBody(err))
				continue
			}
		} else {
			switch MapTransferStatus(v.Status) {
			case model.PayoutSuccess:
				updated, applied, err := s.Store.TransitionPayout(ctx, p.Reference, model.PayoutSuccess, model.PayoutUpdate{
					ChapaReference: v.ChapaReference,
					BankReference:  v.BankReference,
				})
				if err != nil {
					log.Error("could not record late transfer success", zap.Error(err))
				} else if applied {
					s.statusEvent(updated, "retry_verify")
				}
				continue
			case model.PayoutFailed, model.PayoutReverted:
			default:
				log.Debug("previous attempt still in flight", zap.String("provider_status", v.Status))
				continue
			}
		}

		attempt := p.Attempts + 1
		queued, applied, err := s.Store.TransitionPayout(ctx, p.Reference, model.PayoutQueued, model.PayoutUpdate{Attempts: attempt})
		if err != nil {
			log.Error("could not requeue payout", zap.Error(err))
			continue
		}
		if !applied {
			continue
		}

		s.Events.Enqueue(audit.Event{
			Kind:      audit.KindPayoutRetry,
			Reference: p.Reference,
			Detail:    map[string]any{"attempt": attempt, "attempt_reference": p.AttemptReference(attempt)},
		})
		if _, err := s.submit(ctx, queued, attempt, log); err != nil {
			log.Error("retry submission failed", zap.Error(err))
			continue
		}
		retried++
	}

	if retried > 0 {
		w.Log.Info("payout retry pass", zap.Int("retried", retried), zap.Int("due", len(due)))
	}
	return retried, nil
}

func transferNotFound(err error) bool {
	var gwErr *chapa.GatewayError
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound
}

// Run retries on every tick until ctx is done.
func (w *RetryWorker) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if _, err := w.RetryOnce(ctx); err != nil && ctx.Err() == nil {
				w.Log.Error("payout retry pass failed", zap.Error(err))
			}
		}
	}
}
