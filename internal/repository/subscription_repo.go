package repository

import (
	"context"
	"errors"
	"time"

	"MarketplaceAPI/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type SubscriptionRepository struct {
	DB *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{DB: db}
}

func (r *SubscriptionRepository) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var (
		p        model.Plan
		etb, usd *string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, price_etb::text, price_usd::text, interval_days
		FROM plans
		WHERE id=$1
	`, id).Scan(&p.ID, &p.Name, &etb, &usd, &p.IntervalDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	p.Prices = map[model.Currency]decimal.Decimal{}
	for cur, v := range map[model.Currency]*string{model.CurrencyETB: etb, model.CurrencyUSD: usd} {
		if v == nil {
			continue
		}
		d, err := decimal.NewFromString(*v)
		if err != nil {
			return nil, err
		}
		p.Prices[cur] = d
	}
	return &p, nil
}

func (r *SubscriptionRepository) SavePlan(ctx context.Context, p *model.Plan) error {
	var etb, usd *string
	if v, ok := p.Prices[model.CurrencyETB]; ok {
		s := v.String()
		etb = &s
	}
	if v, ok := p.Prices[model.CurrencyUSD]; ok {
		s := v.String()
		usd = &s
	}

	_, err := r.DB.Exec(ctx, `
		INSERT INTO plans (id, name, price_etb, price_usd, interval_days)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name,
		    price_etb=EXCLUDED.price_etb,
		    price_usd=EXCLUDED.price_usd,
		    interval_days=EXCLUDED.interval_days
	`, p.ID, p.Name, etb, usd, p.IntervalDays)
	return err
}

const subscriptionColumns = `
	id, owner_id, business_id, plan_id, payment_id, status, started_at, expires_at, cancelled_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(&s.ID, &s.OwnerID, &s.BusinessID, &s.PlanID, &s.PaymentID,
		&s.Status, &s.StartedAt, &s.ExpiresAt, &s.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ActivateSubscription inserts s unless the payment already has a subscription.
func (r *SubscriptionRepository) ActivateSubscription(ctx context.Context, s *model.Subscription) (*model.Subscription, bool, error) {
	q := `
		INSERT INTO subscriptions
			(id, owner_id, business_id, plan_id, payment_id, status, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING ` + subscriptionColumns

	created, err := scanSubscription(r.DB.QueryRow(ctx, q,
		s.ID, s.OwnerID, s.BusinessID, s.PlanID, s.PaymentID, s.Status, s.StartedAt, s.ExpiresAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	existing, err := scanSubscription(r.DB.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE payment_id=$1`, s.PaymentID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *SubscriptionRepository) CancelSubscriptionByPayment(ctx context.Context, paymentID string, at time.Time) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE subscriptions
		SET status='cancelled', cancelled_at=$2
		WHERE payment_id=$1 AND status <> 'cancelled'
	`, paymentID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
