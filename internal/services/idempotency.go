package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"
)

const (
	PendingTTL = 30 * time.Minute
	SettledTTL = 24 * time.Hour
)

type IdempotencyState int

const (
	// IdemFresh: no payment holds the key.
	IdemFresh IdempotencyState = iota
	// IdemReusable: the stored payment answers the request.
	IdemReusable
	// IdemExpired: the stored payment may be superseded by a new attempt.
	IdemExpired
	// IdemInProgress: another request holds the key and has no checkout yet.
	IdemInProgress
)

func (s IdempotencyState) String() string {
	switch s {
	case IdemFresh:
		return "fresh"
	case IdemReusable:
		return "reusable"
	case IdemExpired:
		return "expired"
	case IdemInProgress:
		return "in_progress"
	}
	return "unknown"
}

type IdempotencyLookup struct {
	State   IdempotencyState
	Payment *model.Payment
}

// Classify decides how a payment found under an idempotency key is treated
// at time now.
func Classify(p *model.Payment, now time.Time) IdempotencyState {
	ttl := SettledTTL
	if p.Status == model.PaymentPending {
		ttl = PendingTTL
	}
	if now.Sub(p.CreatedAt) > ttl {
		return IdemExpired
	}

	switch p.Status {
	case model.PaymentSuccess:
		return IdemReusable
	case model.PaymentPending:
		if p.CheckoutURL != nil && *p.CheckoutURL != "" {
			return IdemReusable
		}
		return IdemInProgress
	default:
		return IdemExpired
	}
}

type Idempotency struct {
	Store PaymentStore
	now   func() time.Time
}

func NewIdempotency(store PaymentStore) *Idempotency {
	return &Idempotency{Store: store, now: time.Now}
}

func (i *Idempotency) WithClock(now func() time.Time) *Idempotency {
	i.now = now
	return i
}

func (i *Idempotency) Lookup(ctx context.Context, ownerID, key string) (IdempotencyLookup, error) {
	if key == "" {
		return IdempotencyLookup{State: IdemFresh}, nil
	}

	p, err := i.Store.GetByIdempotencyKey(ctx, ownerID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return IdempotencyLookup{State: IdemFresh}, nil
	}
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	return IdempotencyLookup{State: Classify(p, i.now()), Payment: p}, nil
}

// Release detaches an expired payment from its key.
func (i *Idempotency) Release(ctx context.Context, p *model.Payment) error {
	if err := i.Store.ReleaseIdempotencyKey(ctx, p.ID); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
