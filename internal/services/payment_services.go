package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type InitializeRequest struct {
	Amount         decimal.Decimal   `json:"amount"`
	Currency       model.Currency    `json:"currency"`
	PaymentType    model.PaymentType `json:"paymentType"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	FirstName      string            `json:"firstName,omitempty"`
	LastName       string            `json:"lastName,omitempty"`
}

type SubscriptionCheckoutRequest struct {
	PlanID         string         `json:"planId"`
	BusinessID     string         `json:"businessId"`
	Currency       model.Currency `json:"currency"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

type InitializeResponse struct {
	CheckoutURL string              `json:"checkoutUrl,omitempty"`
	TxRef       string              `json:"txRef"`
	PaymentID   string              `json:"paymentId"`
	Status      model.PaymentStatus `json:"status"`
	Cached      bool                `json:"cached"`
}

func responseFor(p *model.Payment, cached bool) *InitializeResponse {
	out := &InitializeResponse{
		TxRef:     p.TxRef,
		PaymentID: p.ID,
		Status:    p.Status,
		Cached:    cached,
	}
	if p.CheckoutURL != nil {
		out.CheckoutURL = *p.CheckoutURL
	}
	return out
}

type PaymentService struct {
	Records       *PaymentRecords
	Idem          *Idempotency
	Gateway       Gateway
	Rate          *RateGate
	Subscriptions *SubscriptionService
	Log           *zap.Logger

	// PublicBaseURL is where the provider sends callbacks and returns buyers.
	PublicBaseURL string
}

func NewPaymentService(
	records *PaymentRecords,
	idem *Idempotency,
	gw Gateway,
	rate *RateGate,
	subs *SubscriptionService,
	publicBaseURL string,
	log *zap.Logger,
) *PaymentService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentService{
		Records:       records,
		Idem:          idem,
		Gateway:       gw,
		Rate:          rate,
		Subscriptions: subs,
		Log:           log,
		PublicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Initialize creates a pending payment and opens a hosted checkout for it.
func (s *PaymentService) Initialize(ctx context.Context, rc model.RequestContext, req InitializeRequest) (*InitializeResponse, error) {
	if !rc.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if req.PaymentType == model.PaymentTypeSubscription {
		return nil, invalid("subscription payments must use subscription checkout")
	}
	if err := s.Rate.Allow(ActionPaymentInit, rc.UserID); err != nil {
		return nil, err
	}
	if req.PaymentType == "" {
		req.PaymentType = model.PaymentTypeOrder
	}
	return s.initialize(ctx, rc, req)
}

// SubscriptionCheckout prices the plan from storage and initializes a
// subscription payment for it.
func (s *PaymentService) SubscriptionCheckout(
	ctx context.Context,
	rc model.RequestContext,
	req SubscriptionCheckoutRequest,
) (*InitializeResponse, error) {

	if !rc.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if err := s.Rate.Allow(ActionSubscriptionCheckout, rc.UserID); err != nil {
		return nil, err
	}
	if !req.Currency.Valid() {
		return nil, invalid("unsupported currency %q", req.Currency)
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, invalid("businessId is required")
	}

	plan, err := s.Subscriptions.PriceFor(ctx, req.PlanID, req.Currency)
	if err != nil {
		return nil, err
	}
	price, _ := plan.Price(req.Currency)

	return s.initialize(ctx, rc, InitializeRequest{
		Amount:      price,
		Currency:    req.Currency,
		PaymentType: model.PaymentTypeSubscription,
		Metadata: map[string]string{
			MetaPlanID:     plan.ID,
			MetaBusinessID: req.BusinessID,
		},
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *PaymentService) initialize(ctx context.Context, rc model.RequestContext, req InitializeRequest) (*InitializeResponse, error) {
	np := NewPayment{
		OwnerID:        rc.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentType:    req.PaymentType,
		Metadata:       req.Metadata,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if err := np.validate(); err != nil {
		return nil, err
	}

	log := s.Log.With(zap.String("owner_id", rc.UserID), zap.String("request_id", rc.RequestID))

	if np.IdempotencyKey != "" {
		found, err := s.Idem.Lookup(ctx, rc.UserID, np.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		switch found.State {
		case IdemReusable:
			log.Info("idempotent replay", zap.String("tx_ref", found.Payment.TxRef))
			return responseFor(found.Payment, true), nil
		case IdemInProgress:
			return nil, ErrIdempotencyInProgress
		case IdemExpired:
			if err := s.Idem.Release(ctx, found.Payment); err != nil {
				return nil, err
			}
		}
	}

	p, created, err := s.Records.Create(ctx, np)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race for the key to a concurrent request.
		if Classify(p, s.Idem.now()) == IdemReusable {
			return responseFor(p, true), nil
		}
		return nil, ErrIdempotencyInProgress
	}

	log = log.With(zap.String("payment_id", p.ID), zap.String("tx_ref", p.TxRef))

	out, err := s.Gateway.InitializeCheckout(ctx, chapa.InitializeParams{
		Amount:      p.Amount,
		Currency:    string(p.Currency),
		Email:       rc.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		TxRef:       p.TxRef,
		CallbackURL: s.PublicBaseURL + "/api/payments/webhook",
		ReturnURL:   s.PublicBaseURL + "/payments/return?tx_ref=" + url.QueryEscape(p.TxRef),
		Title:       "Payment",
		Description: string(p.PaymentType) + " " + p.TxRef,
		Meta:        p.Metadata,
	})
	if err != nil {
		log.Error("checkout initialization failed", zap.Error(err), gatewayBody(err))
		if _, _, uerr := s.Records.UpdateStatus(ctx, p.TxRef, model.PaymentFailed, ""); uerr != nil {
			log.Error("could not mark payment failed", zap.Error(uerr))
		}
		return nil, err
	}

	if err := s.Records.UpdateCheckoutURL(ctx, p.ID, out.CheckoutURL); err != nil {
		// The buyer can still pay; verification and webhooks key on txRef.
		log.Error("could not cache checkout url", zap.Error(err))
	}

	p.CheckoutURL = &out.CheckoutURL
	return responseFor(p, false), nil
}

// GetPayment returns a payment visible to the caller.
func (s *PaymentService) GetPayment(ctx context.Context, rc model.RequestContext, id string) (*model.Payment, error) {
	if !rc.Authenticated() {
		return nil, ErrUnauthenticated
	}
	p, err := s.Records.Store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if p.OwnerID != rc.UserID && !rc.IsAdmin() {
		return nil, ErrNotFound
	}
	return p, nil
}

// gatewayBody attaches the raw provider response to a log line.
func gatewayBody(err error) zap.Field {
	var gwErr *chapa.GatewayError
	if errors.As(err, &gwErr) {
		return zap.Any("provider_body", gwErr.Body)
	}
	return zap.Skip()
}
