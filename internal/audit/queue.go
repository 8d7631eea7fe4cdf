// Package audit buffers payment lifecycle events and writes them out in
// batches.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Event struct {
	Kind      string         `json:"kind"`
	PaymentID string         `json:"payment_id,omitempty"`
	TxRef     string         `json:"tx_ref,omitempty"`
	Reference string         `json:"reference,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

const (
	KindPaymentCreated     = "payment.created"
	KindPaymentStatus      = "payment.status_applied"
	KindPaymentRejected    = "payment.status_rejected"
	KindPaymentRefunded    = "payment.refunded"
	KindDivergence         = "payment.reconciliation_required"
	KindSignatureRejected  = "webhook.signature_rejected"
	KindPayoutCreated      = "payout.created"
	KindPayoutStatus       = "payout.status_applied"
	KindPayoutRetry        = "payout.retry"
	KindSubscriptionActive = "subscription.activated"
)

type Flusher interface {
	Flush(ctx context.Context, events []Event) error
}

type FlusherFunc func(ctx context.Context, events []Event) error

func (f FlusherFunc) Flush(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Queue is safe for concurrent use. It holds at most capacity events;
// beyond that the oldest are dropped.
type Queue struct {
	mu        sync.Mutex
	buf       []Event
	batchSize int
	capacity  int
	dropped   int

	flusher Flusher
	log     *zap.Logger
	now     func() time.Time
	kick    chan struct{}
}

func NewQueue(f Flusher, batchSize int, log *zap.Logger) *Queue {
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		batchSize: batchSize,
		capacity:  batchSize * 10,
		flusher:   f,
		log:       log,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}
}

// WithClock replaces the timestamp source used for events without one.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Enqueue(e Event) {
	if e.At.IsZero() {
		e.At = q.now()
	}

	q.mu.Lock()
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, e)
	full := len(q.buf) >= q.batchSize
	q.mu.Unlock()

	if full {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Flush writes out everything buffered so far. A failed batch is logged
// and discarded.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.buf
	dropped := q.dropped
	q.buf = nil
	q.dropped = 0
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Warn("audit queue overflowed", zap.Int("dropped", dropped))
	}
	if len(batch) == 0 {
		return nil
	}

	if err := q.flusher.Flush(ctx, batch); err != nil {
		q.log.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		return err
	}
	return nil
}

// Run flushes on every tick and whenever a full batch is buffered, until
// ctx is done. A final flush runs on the way out.
func (q *Queue) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = q.Flush(final)
			cancel()
			return
		case <-ticks:
			_ = q.Flush(ctx)
		case <-q.kick:
			_ = q.Flush(ctx)
		}
	}
}

// LogFlusher writes events to the structured log.
type LogFlusher struct {
	Log *zap.Logger
}

func (f LogFlusher) Flush(_ context.Context, events []Event) error {
	for _, e := range events {
		f.Log.Info("audit",
			zap.String("kind", e.Kind),
			zap.String("payment_id", e.PaymentID),
			zap.String("tx_ref", e.TxRef),
			zap.String("reference", e.Reference),
			zap.String("actor", e.Actor),
			zap.Any("detail", e.Detail),
			zap.Time("at", e.At),
		)
	}
	return nil
}
