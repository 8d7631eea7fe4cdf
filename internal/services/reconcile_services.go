package services

import (
	"context"
	"encoding/json"
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

// MapProviderStatus maps the provider's transaction vocabulary onto the
// payment status enum.
func MapProviderStatus(s string) model.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful":
		return model.PaymentSuccess
	}
	return model.PaymentFailed
}

type VerifyData struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reference     string          `json:"reference"`
	TxRef         string          `json:"tx_ref"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     string          `json:"created_at"`
}

type VerifyResult struct {
	Success                bool                `json:"success"`
	Status                 model.PaymentStatus `json:"status"`
	ReconciliationRequired bool                `json:"reconciliationRequired,omitempty"`
	Ignored                bool                `json:"ignored,omitempty"`
	Data                   *VerifyData         `json:"data,omitempty"`
}

type ReconcileService struct {
	Records       *PaymentRecords
	Gateway       Gateway
	Subscriptions *SubscriptionService
	Rate          *RateGate
	Alerter       Alerter
	Log           *zap.Logger

	webhookSecret string
}

func NewReconcileService(
	records *PaymentRecords,
	gw Gateway,
	subs *SubscriptionService,
	rate *RateGate,
	alerter Alerter,
	webhookSecret string,
	log *zap.Logger,
) *ReconcileService {
	if alerter == nil {
		alerter = nopAlerter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconcileService{
		Records:       records,
		Gateway:       gw,
		Subscriptions: subs,
		Rate:          rate,
		Alerter:       alerter,
		Log:           log,
		webhookSecret: webhookSecret,
	}
}

func verifyRateKey(rc model.RequestContext, txRef string) string {
	if rc.Authenticated() {
		return rc.UserID
	}
	return rc.ClientIP + ":" + txRef
}

// Verify asks the provider for the outcome of txRef and applies it.
func (s *ReconcileService) Verify(ctx context.Context, rc model.RequestContext, txRef string) (*VerifyResult, error) {
	txRef = strings.TrimSpace(txRef)
	if !TxRefPattern.MatchString(txRef) {
		return nil, invalid("invalid tx_ref")
	}
	if err := s.Rate.Allow(ActionPaymentVerify, verifyRateKey(rc, txRef)); err != nil {
		return nil, err
	}

	v, err := s.Gateway.VerifyTransaction(ctx, txRef)
	if err != nil {
		s.Log.Warn("verify call failed", zap.String("tx_ref", txRef), zap.Error(err), gatewayBody(err))
		return nil, err
	}

	res, err := s.apply(ctx, txRef, MapProviderStatus(v.Status), v, "verify")
	if errors.Is(err, ErrStorageUnavailable) {
		return res, nil
	}
	return res, err
}

type webhookPayload struct {
	Event     string `json:"event"`
	TxRef     string `json:"tx_ref"`
	TrxRef    string `json:"trx_ref"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// HandleWebhook processes a signed provider push. The body is trusted only
// for the reference; the status is re-read from the provider.
func (s *ReconcileService) HandleWebhook(ctx context.Context, body []byte, signatures ...string) (*VerifyResult, error) {
	if s.webhookSecret == "" {
		s.Log.Error("webhook secret not configured; rejecting webhook")
		return nil, ErrInvalidSignature
	}
	if !chapa.VerifyAny(body, s.webhookSecret, signatures...) {
		s.Log.Warn("webhook signature rejected", zap.Int("body_bytes", len(body)))
		s.Records.Events.Enqueue(audit.Event{
			Kind:   audit.KindSignatureRejected,
			Detail: map[string]any{"endpoint": "payments.webhook"},
		})
		return nil, ErrInvalidSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, invalid("malformed webhook payload")
	}
	txRef := firstNonEmpty(payload.TxRef, payload.TrxRef)
	if txRef == "" {
		return nil, invalid("missing tx_ref")
	}

	return s.reconcileCallback(ctx, txRef, "", "webhook")
}

// HandleWebhookQuery handles the unsigned GET callback mode. The provider is
// still asked first; the query status is used only when that call fails.
func (s *ReconcileService) HandleWebhookQuery(
	ctx context.Context,
	rc model.RequestContext,
	txRef, trxRef, status string,
) (*VerifyResult, error) {

	ref := strings.TrimSpace(firstNonEmpty(txRef, trxRef))
	if !TxRefPattern.MatchString(ref) {
		return nil, invalid("invalid tx_ref")
	}
	if err := s.Rate.Allow(ActionPaymentVerify, verifyRateKey(rc, ref)); err != nil {
		return nil, err
	}
	return s.reconcileCallback(ctx, ref, status, "callback")
}

func (s *ReconcileService) reconcileCallback(ctx context.Context, txRef, fallbackStatus, source string) (*VerifyResult, error) {
	log := s.Log.With(zap.String("tx_ref", txRef), zap.String("source", source))

	p, err := s.Records.Store.GetByTxRef(ctx, txRef)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("callback for unknown payment ignored")
		return &VerifyResult{Success: true, Ignored: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if p.Status.IsTerminal() {
		log.Debug("callback for settled payment", zap.String("status", string(p.Status)))
		s.ensureSubscription(ctx, p)
		return &VerifyResult{Success: true, Status: p.Status}, nil
	}

	v, err := s.Gateway.VerifyTransaction(ctx, txRef)
	if err != nil {
		if fallbackStatus == "" {
			log.Warn("re-verification failed", zap.Error(err), gatewayBody(err))
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		log.Warn("re-verification failed, applying callback status",
			zap.String("callback_status", fallbackStatus), zap.Error(err))
		return s.apply(ctx, txRef, MapProviderStatus(fallbackStatus), nil, source)
	}

	return s.apply(ctx, txRef, MapProviderStatus(v.Status), v, source)
}

// apply writes a provider-confirmed status. A storage failure yields a
// result flagged ReconciliationRequired together with ErrStorageUnavailable.
func (s *ReconcileService) apply(
	ctx context.Context,
	txRef string,
	status model.PaymentStatus,
	v *chapa.Verification,
	source string,
) (*VerifyResult, error) {

	res := &VerifyResult{Status: status}
	providerRef := ""
	if v != nil {
		providerRef = v.Reference
		res.Data = &VerifyData{
			Amount:        v.Amount,
			Currency:      v.Currency,
			Reference:     v.Reference,
			TxRef:         txRef,
			PaymentMethod: v.Method,
			CreatedAt:     v.CreatedAt,
		}
	}

	p, _, err := s.Records.UpdateStatus(ctx, txRef, status, providerRef)
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminalStatus):
		res.Status = p.Status
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	default:
		s.divergence(ctx, txRef, providerRef, status, v, source, err)
		res.ReconciliationRequired = true
		res.Success = status == model.PaymentSuccess
		return res, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if v != nil && !v.Amount.IsZero() && !v.Amount.Equal(p.Amount) {
		s.Log.Warn("provider amount differs from payment",
			zap.String("tx_ref", txRef),
			zap.String("provider_amount", v.Amount.String()),
			zap.String("payment_amount", p.Amount.String()),
		)
	}

	res.Success = res.Status == model.PaymentSuccess
	s.ensureSubscription(ctx, p)
	return res, nil
}

func (s *ReconcileService) ensureSubscription(ctx context.Context, p *model.Payment) {
	if s.Subscriptions == nil || p.PaymentType != model.PaymentTypeSubscription || p.Status != model.PaymentSuccess {
		return
	}
	if _, err := s.Subscriptions.ActivateForPayment(ctx, p); err != nil {
		s.Log.Error("subscription activation failed",
			zap.String("payment_id", p.ID), zap.String("tx_ref", p.TxRef), zap.Error(err))
	}
}

func (s *ReconcileService) divergence(
	ctx context.Context,
	txRef, providerRef string,
	status model.PaymentStatus,
	v *chapa.Verification,
	source string,
	writeErr error,
) {
	s.Log.Error("reconciliation required: provider confirmed status but local write failed",
		zap.String("tx_ref", txRef),
		zap.String("provider_ref", providerRef),
		zap.String("provider_status", string(status)),
		zap.Any("provider_payload", v),
		zap.String("source", source),
		zap.Error(writeErr),
	)
	s.Records.Events.Enqueue(audit.Event{
		Kind:      audit.KindDivergence,
		TxRef:     txRef,
		Reference: providerRef,
		Detail:    map[string]any{"status": status, "source": source, "error": writeErr.Error()},
	})

	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := s.Alerter.Alert(alertCtx, "Payment reconciliation required: "+txRef, map[string]string{
		"tx_ref":       txRef,
		"provider_ref": providerRef,
		"status":       string(status),
		"source":       source,
		"error":        writeErr.Error(),
	})
	if err != nil {
		s.Log.Error("divergence alert failed", zap.String("tx_ref", txRef), zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
