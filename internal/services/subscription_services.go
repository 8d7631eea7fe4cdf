package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MetaPlanID     = "plan_id"
	MetaBusinessID = "business_id"

	defaultIntervalDays = 30
)

type SubscriptionService struct {
	Store  SubscriptionStore
	Events EventSink
	Log    *zap.Logger
	now    func() time.Time
}

func NewSubscriptionService(store SubscriptionStore, events EventSink, log *zap.Logger) *SubscriptionService {
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriptionService{
		Store:  store,
		Events: events,
		Log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *SubscriptionService) WithClock(now func() time.Time) *SubscriptionService {
	s.now = now
	return s
}

// PriceFor returns the plan and its price in currency, or a validation
// error that is safe to show to the caller.
func (s *SubscriptionService) PriceFor(ctx context.Context, planID string, currency model.Currency) (*model.Plan, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, invalid("planId is required")
	}
	plan, err := s.Store.GetPlan(ctx, planID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, invalid("plan pricing not configured")
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	if _, ok := plan.Price(currency); !ok {
		return nil, invalid("plan pricing not configured")
	}
	return plan, nil
}

func (s *SubscriptionService) SavePlan(ctx context.Context, rc model.RequestContext, p *model.Plan) error {
	if !rc.Authenticated() {
		return ErrUnauthenticated
	}
	if !rc.IsAdmin() {
		return ErrForbidden
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return invalid("plan id and name are required")
	}
	if p.IntervalDays <= 0 {
		p.IntervalDays = defaultIntervalDays
	}
	for cur, price := range p.Prices {
		if err := ValidateAmount(price, cur); err != nil {
			return err
		}
	}
	return s.Store.SavePlan(ctx, p)
}

// ActivateForPayment starts the subscription paid for by p. It is safe to
// call repeatedly; one payment yields at most one subscription.
func (s *SubscriptionService) ActivateForPayment(ctx context.Context, p *model.Payment) (*model.Subscription, error) {
	if p.PaymentType != model.PaymentTypeSubscription || p.Status != model.PaymentSuccess {
		return nil, nil
	}
	planID := p.Metadata[MetaPlanID]
	if planID == "" {
		return nil, fmt.Errorf("payment %s has no plan", p.ID)
	}

	plan, err := s.Store.GetPlan(ctx, planID)
	if errors.Is(err, repository.ErrNotFound) {
		s.Log.Error("plan missing at activation",
			zap.String("plan_id", planID), zap.String("payment_id", p.ID))
		return nil, fmt.Errorf("payment %s: plan %s not found", p.ID, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}

	price, ok := plan.Price(p.Currency)
	if !ok || p.Amount.LessThan(price) {
		s.Log.Error("subscription payment does not cover plan price",
			zap.String("payment_id", p.ID),
			zap.String("tx_ref", p.TxRef),
			zap.String("plan_id", planID),
			zap.String("paid", p.Amount.String()),
			zap.String("price", price.String()),
			zap.String("currency", string(p.Currency)),
		)
		s.Events.Enqueue(audit.Event{
			Kind:      audit.KindDivergence,
			PaymentID: p.ID,
			TxRef:     p.TxRef,
			Detail: map[string]any{
				"reason": "underpaid_subscription", "plan_id": planID,
				"paid": p.Amount.String(), "price": price.String(), "currency": p.Currency,
			},
		})
		return nil, fmt.Errorf("%w: plan %s costs %s %s, paid %s", ErrAmountMismatch, planID, price, p.Currency, p.Amount)
	}

	interval := defaultIntervalDays
	if plan.IntervalDays > 0 {
		interval = plan.IntervalDays
	}

	now := s.now()
	sub, created, err := s.Store.ActivateSubscription(ctx, &model.Subscription{
		ID:         uuid.NewString(),
		OwnerID:    p.OwnerID,
		BusinessID: p.Metadata[MetaBusinessID],
		PlanID:     planID,
		PaymentID:  p.ID,
		Status:     model.SubscriptionActive,
		StartedAt:  now,
		ExpiresAt:  now.AddDate(0, 0, interval),
	})
	if err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}
	if created {
		s.Log.Info("subscription activated",
			zap.String("subscription_id", sub.ID),
			zap.String("payment_id", p.ID),
			zap.String("plan_id", planID),
		)
		s.Events.Enqueue(audit.Event{
			Kind:      audit.KindSubscriptionActive,
			PaymentID: p.ID,
			TxRef:     p.TxRef,
			Reference: sub.ID,
			Actor:     p.OwnerID,
			Detail:    map[string]any{"plan_id": planID, "expires_at": sub.ExpiresAt},
		})
	}
	return sub, nil
}

// CancelForPayment cancels the subscription bought with paymentID, if any.
func (s *SubscriptionService) CancelForPayment(ctx context.Context, paymentID string) (bool, error) {
	return s.Store.CancelSubscriptionByPayment(ctx, paymentID, s.now())
}
