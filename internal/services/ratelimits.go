package services

import (
	"time"

	"MarketplaceAPI/internal/ratelimit"
)

const (
	ActionPaymentInit          = "payment_init"
	ActionPaymentVerify        = "payment_verify"
	ActionSubscriptionCheckout = "subscription_checkout"
)

// DefaultLimits are the per-identity budgets for each gated action.
var DefaultLimits = map[string]ratelimit.Limit{
	ActionPaymentInit:          {Window: time.Minute, MaxRequests: 10},
	ActionPaymentVerify:        {Window: time.Minute, MaxRequests: 30},
	ActionSubscriptionCheckout: {Window: time.Minute, MaxRequests: 5},
}

// RateGate applies the action budgets to a shared limiter.
type RateGate struct {
	Limiter *ratelimit.Limiter
	Limits  map[string]ratelimit.Limit
	now     func() time.Time
}

func NewRateGate(l *ratelimit.Limiter, limits map[string]ratelimit.Limit) *RateGate {
	if limits == nil {
		limits = DefaultLimits
	}
	return &RateGate{Limiter: l, Limits: limits, now: time.Now}
}

func (g *RateGate) WithClock(now func() time.Time) *RateGate {
	g.now = now
	return g
}

// Allow consumes one request for key under action, or returns a
// *RateLimitError. A nil gate allows everything.
func (g *RateGate) Allow(action, key string) error {
	if g == nil || g.Limiter == nil {
		return nil
	}
	limit, ok := g.Limits[action]
	if !ok {
		return nil
	}
	res := g.Limiter.Check(action+":"+key, limit)
	if res.Success {
		return nil
	}
	return &RateLimitError{
		Action:     action,
		Limit:      res.Limit,
		RetryAfter: res.RetryAfter(g.now()),
		ResetAt:    res.ResetAt,
	}
}
