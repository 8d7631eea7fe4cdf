package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TxRefPattern is the accepted shape of references generated by NewTxRef.
var TxRefPattern = regexp.MustCompile(`^AC(-[A-Z0-9]+)+$`)

const (
	maxIdempotencyKeyLen = 255
	maxMetadataEntries   = 32
	maxMetadataValueLen  = 512
)

// NewTxRef returns AC-<type>-<base36 unix millis>-<random>.
func NewTxRef(t model.PaymentType, now time.Time) string {
	ts := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	rnd := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "AC-" + t.Prefix() + "-" + ts + "-" + rnd
}

// ValidateAmount checks amount against the inclusive bounds of currency.
func ValidateAmount(amount decimal.Decimal, currency model.Currency) error {
	lo, hi, ok := currency.Bounds()
	if !ok {
		return invalid("unsupported currency %q", currency)
	}
	if amount.LessThan(lo) || amount.GreaterThan(hi) {
		return invalid("amount must be between %s and %s %s", lo.String(), hi.String(), currency)
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return invalid("amount has more than 2 decimal places")
	}
	return nil
}

type NewPayment struct {
	OwnerID        string
	Amount         decimal.Decimal
	Currency       model.Currency
	PaymentType    model.PaymentType
	Metadata       map[string]string
	IdempotencyKey string
}

func (np NewPayment) validate() error {
	if np.OwnerID == "" {
		return ErrUnauthenticated
	}
	if !np.Currency.Valid() {
		return invalid("unsupported currency %q", np.Currency)
	}
	if !np.PaymentType.Valid() {
		return invalid("unsupported payment type %q", np.PaymentType)
	}
	if err := ValidateAmount(np.Amount, np.Currency); err != nil {
		return err
	}
	if len(np.IdempotencyKey) > maxIdempotencyKeyLen {
		return invalid("idempotency key too long")
	}
	if len(np.Metadata) > maxMetadataEntries {
		return invalid("too many metadata entries")
	}
	for k, v := range np.Metadata {
		if k == "" || len(v) > maxMetadataValueLen {
			return invalid("invalid metadata entry %q", k)
		}
	}
	return nil
}

// PaymentRecords owns every write to the payment entity.
type PaymentRecords struct {
	Store  PaymentStore
	Events EventSink
	Log    *zap.Logger
	now    func() time.Time
}

func NewPaymentRecords(store PaymentStore, events EventSink, log *zap.Logger) *PaymentRecords {
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentRecords{
		Store:  store,
		Events: events,
		Log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (r *PaymentRecords) WithClock(now func() time.Time) *PaymentRecords {
	r.now = now
	return r
}

// Create snapshots np into a pending payment. When np carries an
// idempotency key already held by the owner, the existing payment is
// returned with created=false.
func (r *PaymentRecords) Create(ctx context.Context, np NewPayment) (*model.Payment, bool, error) {
	if err := np.validate(); err != nil {
		return nil, false, err
	}

	now := r.now()
	p := &model.Payment{
		ID:          uuid.NewString(),
		OwnerID:     np.OwnerID,
		TxRef:       NewTxRef(np.PaymentType, now),
		Amount:      np.Amount,
		Currency:    np.Currency,
		PaymentType: np.PaymentType,
		Status:      model.PaymentPending,
		Metadata:    copyMetadata(np.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if np.IdempotencyKey != "" {
		key := np.IdempotencyKey
		p.IdempotencyKey = &key
	}

	stored, created, err := r.Store.Create(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("create payment: %w", err)
	}
	if created {
		r.Log.Info("payment created",
			zap.String("payment_id", stored.ID),
			zap.String("tx_ref", stored.TxRef),
			zap.String("owner_id", stored.OwnerID),
			zap.String("amount", stored.Amount.String()),
			zap.String("currency", string(stored.Currency)),
		)
		r.Events.Enqueue(audit.Event{
			Kind:      audit.KindPaymentCreated,
			PaymentID: stored.ID,
			TxRef:     stored.TxRef,
			Actor:     stored.OwnerID,
			Detail: map[string]any{
				"amount":       stored.Amount.String(),
				"currency":     stored.Currency,
				"payment_type": stored.PaymentType,
			},
		})
	}
	return stored, created, nil
}

// UpdateCheckoutURL caches the hosted checkout URL. It is written once.
func (r *PaymentRecords) UpdateCheckoutURL(ctx context.Context, paymentID, url string) error {
	written, err := r.Store.SetCheckoutURL(ctx, paymentID, url)
	if err != nil {
		return fmt.Errorf("set checkout url: %w", err)
	}
	if !written {
		r.Log.Debug("checkout url already set", zap.String("payment_id", paymentID))
	}
	return nil
}

// UpdateStatus moves a pending payment to a terminal status. Repeating the
// status already recorded is a no-op; asking for a different terminal
// status returns the stored payment together with ErrTerminalStatus.
func (r *PaymentRecords) UpdateStatus(
	ctx context.Context,
	txRef string,
	status model.PaymentStatus,
	providerRef string,
) (*model.Payment, bool, error) {

	if !status.IsTerminal() {
		return nil, false, invalid("cannot move a payment to %q", status)
	}

	p, applied, err := r.Store.UpdateStatus(ctx, txRef, status, providerRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("update payment status: %w", err)
	}

	if applied {
		r.Log.Info("payment status applied",
			zap.String("payment_id", p.ID),
			zap.String("tx_ref", txRef),
			zap.String("status", string(status)),
			zap.String("provider_ref", providerRef),
		)
		r.Events.Enqueue(audit.Event{
			Kind:      audit.KindPaymentStatus,
			PaymentID: p.ID,
			TxRef:     txRef,
			Reference: providerRef,
			Detail:    map[string]any{"status": status},
		})
		return p, true, nil
	}

	if p.Status == status {
		return p, false, nil
	}

	r.Log.Warn("rejected status transition",
		zap.String("payment_id", p.ID),
		zap.String("tx_ref", txRef),
		zap.String("current", string(p.Status)),
		zap.String("requested", string(status)),
		zap.String("provider_ref", providerRef),
	)
	r.Events.Enqueue(audit.Event{
		Kind:      audit.KindPaymentRejected,
		PaymentID: p.ID,
		TxRef:     txRef,
		Reference: providerRef,
		Detail:    map[string]any{"current": p.Status, "requested": status},
	})
	return p, false, ErrTerminalStatus
}

// RecordRefund annotates a successful subscription payment with its refund.
func (r *PaymentRecords) RecordRefund(ctx context.Context, p *model.Payment, rf model.Refund) (*model.Payment, error) {
	if !p.Refundable() {
		return nil, ErrRefundNotAllowed
	}
	if rf.At.IsZero() {
		rf.At = r.now()
	}

	updated, applied, err := r.Store.RecordRefund(ctx, p.ID, rf)
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	if !applied {
		return updated, ErrRefundNotAllowed
	}

	r.Events.Enqueue(audit.Event{
		Kind:      audit.KindPaymentRefunded,
		PaymentID: p.ID,
		TxRef:     p.TxRef,
		Reference: rf.Reference,
		Actor:     rf.ActorID,
		Detail:    map[string]any{"amount": rf.Amount.String(), "reason": rf.Reason},
	})
	return updated, nil
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
