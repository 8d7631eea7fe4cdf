package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Plan struct {
	ID           string                       `json:"id"`
	Name         string                       `json:"name"`
	Prices       map[Currency]decimal.Decimal `json:"prices"`
	IntervalDays int                          `json:"interval_days"`
}

// Price returns the configured price of the plan in c.
func (p *Plan) Price(c Currency) (decimal.Decimal, bool) {
	price, ok := p.Prices[c]
	if !ok || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Subscription struct {
	ID          string             `json:"id"`
	OwnerID     string             `json:"owner_id"`
	BusinessID  string             `json:"business_id"`
	PlanID      string             `json:"plan_id"`
	PaymentID   string             `json:"payment_id"`
	Status      SubscriptionStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
}
