package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RefundRequest struct {
	PaymentID string           `json:"paymentId"`
	Reason    string           `json:"reason,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}

type RefundResponse struct {
	Success                bool            `json:"success"`
	PaymentID              string          `json:"paymentId"`
	TxRef                  string          `json:"txRef"`
	RefundReference        string          `json:"refundReference"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               model.Currency  `json:"currency"`
	ProviderStatus         string          `json:"providerStatus,omitempty"`
	SubscriptionCancelled  bool            `json:"subscriptionCancelled"`
	ReconciliationRequired bool            `json:"reconciliationRequired,omitempty"`
}

// RefundReference is the provider-side idempotency reference for refunds
// of p. Resubmitting it never refunds twice.
func RefundReference(p *model.Payment) string {
	return "RF-" + p.TxRef
}

type RefundService struct {
	Records       *PaymentRecords
	Gateway       Gateway
	Subscriptions *SubscriptionService
	Alerter       Alerter
	Log           *zap.Logger
}

func NewRefundService(
	records *PaymentRecords,
	gw Gateway,
	subs *SubscriptionService,
	alerter Alerter,
	log *zap.Logger,
) *RefundService {
	if alerter == nil {
		alerter = nopAlerter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RefundService{Records: records, Gateway: gw, Subscriptions: subs, Alerter: alerter, Log: log}
}

func (s *RefundService) Refund(ctx context.Context, rc model.RequestContext, req RefundRequest) (*RefundResponse, error) {
	if !rc.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if !rc.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		return nil, invalid("paymentId is required")
	}
	if len(req.Reason) > 500 {
		return nil, invalid("reason too long")
	}

	p, err := s.Records.Store.GetByID(ctx, req.PaymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if !p.Refundable() {
		return nil, ErrRefundNotAllowed
	}

	amount := p.Amount
	if req.Amount != nil {
		if !req.Amount.IsPositive() || req.Amount.GreaterThan(p.Amount) {
			return nil, invalid("refund amount must be positive and at most %s", p.Amount.String())
		}
		amount = *req.Amount
	}

	providerRef := p.TxRef
	if p.ChapaTrxRef != nil && *p.ChapaTrxRef != "" {
		providerRef = *p.ChapaTrxRef
	}
	reference := RefundReference(p)

	log := s.Log.With(
		zap.String("payment_id", p.ID),
		zap.String("tx_ref", p.TxRef),
		zap.String("refund_reference", reference),
		zap.String("actor", rc.UserID),
		zap.String("request_id", rc.RequestID),
	)

	res, err := s.Gateway.ProcessRefund(ctx, providerRef, chapa.RefundParams{
		Reason:    req.Reason,
		Amount:    &amount,
		Reference: reference,
	})
	if err != nil {
		log.Error("provider refund failed", zap.Error(err), gatewayBody(err))
		return nil, err
	}

	out := &RefundResponse{
		Success:         true,
		PaymentID:       p.ID,
		TxRef:           p.TxRef,
		RefundReference: res.RefundReference,
		Amount:          amount,
		Currency:        p.Currency,
		ProviderStatus:  res.Status,
	}

	_, err = s.Records.RecordRefund(ctx, p, model.Refund{
		Amount:    amount,
		Reason:    req.Reason,
		Reference: res.RefundReference,
		ActorID:   rc.UserID,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrRefundNotAllowed):
		log.Info("refund already recorded by a concurrent request")
	default:
		out.ReconciliationRequired = true
		s.divergence(ctx, p, res, err)
	}

	if s.Subscriptions != nil {
		cancelled, err := s.Subscriptions.CancelForPayment(ctx, p.ID)
		if err != nil {
			log.Warn("subscription cancel after refund failed", zap.Error(err))
		}
		out.SubscriptionCancelled = cancelled
	}

	log.Info("payment refunded", zap.String("amount", amount.String()))
	return out, nil
}

func (s *RefundService) divergence(ctx context.Context, p *model.Payment, res *chapa.RefundResult, writeErr error) {
	s.Log.Error("reconciliation required: provider refunded but local write failed",
		zap.String("payment_id", p.ID),
		zap.String("tx_ref", p.TxRef),
		zap.String("refund_reference", res.RefundReference),
		zap.Any("provider_payload", res),
		zap.Error(writeErr),
	)
	s.Records.Events.Enqueue(audit.Event{
		Kind:      audit.KindDivergence,
		PaymentID: p.ID,
		TxRef:     p.TxRef,
		Reference: res.RefundReference,
		Detail:    map[string]any{"source": "refund", "error": writeErr.Error()},
	})

	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := s.Alerter.Alert(alertCtx, "Refund reconciliation required: "+p.TxRef, map[string]string{
		"payment_id":       p.ID,
		"tx_ref":           p.TxRef,
		"refund_reference": res.RefundReference,
		"error":            writeErr.Error(),
	})
	if err != nil {
		s.Log.Error("divergence alert failed", zap.String("tx_ref", p.TxRef), zap.Error(err))
	}
}
