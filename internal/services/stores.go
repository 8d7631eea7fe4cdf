package services

import (
	"context"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"
)

// PaymentStore is implemented by repository.PaymentRepository and
// repository.BoltStore. Create, UpdateStatus and RecordRefund are
// conditional writes; the bool reports whether anything was written.
type PaymentStore interface {
	Create(ctx context.Context, p *model.Payment) (*model.Payment, bool, error)
	GetByID(ctx context.Context, id string) (*model.Payment, error)
	GetByTxRef(ctx context.Context, txRef string) (*model.Payment, error)
	GetByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Payment, error)
	ReleaseIdempotencyKey(ctx context.Context, id string) error
	SetCheckoutURL(ctx context.Context, id, url string) (bool, error)
	UpdateStatus(ctx context.Context, txRef string, status model.PaymentStatus, providerRef string) (*model.Payment, bool, error)
	RecordRefund(ctx context.Context, id string, rf model.Refund) (*model.Payment, bool, error)
}

type PayoutStore interface {
	CreatePayout(ctx context.Context, p *model.Payout) error
	GetPayoutByReference(ctx context.Context, reference string) (*model.Payout, error)
	TransitionPayout(ctx context.Context, reference string, status model.PayoutStatus, upd model.PayoutUpdate) (*model.Payout, bool, error)
	AnnotatePayout(ctx context.Context, reference string, upd model.PayoutUpdate) error
	ListRetryablePayouts(ctx context.Context, since time.Time, maxAttempts, limit int) ([]model.Payout, error)
}

type SubscriptionStore interface {
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	SavePlan(ctx context.Context, p *model.Plan) error
	ActivateSubscription(ctx context.Context, s *model.Subscription) (*model.Subscription, bool, error)
	CancelSubscriptionByPayment(ctx context.Context, paymentID string, at time.Time) (bool, error)
}

// Gateway is the subset of the Chapa client the services call.
type Gateway interface {
	InitializeCheckout(ctx context.Context, p chapa.InitializeParams) (*chapa.InitializeResult, error)
	VerifyTransaction(ctx context.Context, txRef string) (*chapa.Verification, error)
	ProcessRefund(ctx context.Context, providerRef string, p chapa.RefundParams) (*chapa.RefundResult, error)
	ListBanks(ctx context.Context) ([]chapa.Bank, error)
	CreateTransfer(ctx context.Context, p chapa.TransferParams) (*chapa.TransferResult, error)
	VerifyTransfer(ctx context.Context, reference string) (*chapa.TransferStatus, error)
}

// Alerter notifies operators about states that need manual follow-up.
type Alerter interface {
	Alert(ctx context.Context, subject string, fields map[string]string) error
}

// EventSink receives audit events. *audit.Queue satisfies it.
type EventSink interface {
	Enqueue(e audit.Event)
}

type nopSink struct{}

func (nopSink) Enqueue(audit.Event) {}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, map[string]string) error { return nil }
