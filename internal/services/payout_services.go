package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AmountEpsilon is the largest accepted difference between a callback
// amount and the stored payout amount.
var AmountEpsilon = decimal.RequireFromString("0.01")

var attemptSuffix = regexp.MustCompile(`-R[0-9]+$`)

// MapTransferStatus maps provider transfer vocabulary onto payout statuses.
// An empty result means the transfer is still in flight.
func MapTransferStatus(s string) model.PayoutStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "completed":
		return model.PayoutSuccess
	case "failed", "failure", "cancelled", "canceled":
		return model.PayoutFailed
	case "reverted", "reversed", "refunded":
		return model.PayoutReverted
	}
	return ""
}

type CreatePayoutRequest struct {
	BusinessID    string          `json:"businessId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      model.Currency  `json:"currency"`
	AccountName   string          `json:"accountName"`
	AccountNumber string          `json:"accountNumber"`
	BankCode      string          `json:"bankCode"`
}

func (r CreatePayoutRequest) validate() error {
	if strings.TrimSpace(r.BusinessID) == "" {
		return invalid("businessId is required")
	}
	if strings.TrimSpace(r.AccountName) == "" || strings.TrimSpace(r.AccountNumber) == "" {
		return invalid("account name and number are required")
	}
	if strings.TrimSpace(r.BankCode) == "" {
		return invalid("bankCode is required")
	}
	return ValidateAmount(r.Amount, r.Currency)
}

type PayoutResult struct {
	Status    model.PayoutStatus `json:"status"`
	Reference string             `json:"reference"`
	Applied   bool               `json:"applied"`
}

type payoutCallback struct {
	Reference      string           `json:"reference"`
	TxRef          string           `json:"tx_ref"`
	Amount         *decimal.Decimal `json:"amount"`
	Status         string           `json:"status"`
	ChapaReference string           `json:"chapa_reference"`
	BankReference  string           `json:"bank_reference"`
}

type PayoutService struct {
	Store   PayoutStore
	Gateway Gateway
	Events  EventSink
	Log     *zap.Logger

	secret string
	now    func() time.Time
}

func NewPayoutService(store PayoutStore, gw Gateway, events EventSink, secret string, log *zap.Logger) *PayoutService {
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PayoutService{
		Store:   store,
		Gateway: gw,
		Events:  events,
		Log:     log,
		secret:  secret,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *PayoutService) WithClock(now func() time.Time) *PayoutService {
	s.now = now
	return s
}

func requireAdmin(rc model.RequestContext) error {
	if !rc.Authenticated() {
		return ErrUnauthenticated
	}
	if !rc.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func newPayoutReference() string {
	return "PO-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// Create queues a payout and submits its first transfer attempt. A failed
// submission leaves the payout failed for the retry worker.
func (s *PayoutService) Create(ctx context.Context, rc model.RequestContext, req CreatePayoutRequest) (*model.Payout, error) {
	if err := requireAdmin(rc); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.Payout{
		ID:            uuid.NewString(),
		Reference:     newPayoutReference(),
		BusinessID:    req.BusinessID,
		Status:        model.PayoutQueued,
		AmountNet:     req.Amount,
		Currency:      req.Currency,
		AccountName:   strings.TrimSpace(req.AccountName),
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		BankCode:      strings.TrimSpace(req.BankCode),
		CreatedBy:     rc.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreatePayout(ctx, p); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}

	log := s.Log.With(zap.String("reference", p.Reference), zap.String("actor", rc.UserID))
	log.Info("payout created", zap.String("amount", p.AmountNet.String()), zap.String("currency", string(p.Currency)))
	s.Events.Enqueue(audit.Event{
		Kind:      audit.KindPayoutCreated,
		Reference: p.Reference,
		Actor:     rc.UserID,
		Detail:    map[string]any{"amount": p.AmountNet.String(), "currency": p.Currency, "business_id": p.BusinessID},
	})

	return s.submit(ctx, p, 1, log)
}

// submit sends transfer attempt n of p and records the outcome.
func (s *PayoutService) submit(ctx context.Context, p *model.Payout, attempt int, log *zap.Logger) (*model.Payout, error) {
	out, err := s.Gateway.CreateTransfer(ctx, chapa.TransferParams{
		AccountName:   p.AccountName,
		AccountNumber: p.AccountNumber,
		Amount:        p.AmountNet,
		Currency:      string(p.Currency),
		Reference:     p.AttemptReference(attempt),
		BankCode:      p.BankCode,
	})
	if err != nil {
		log.Warn("transfer submission failed", zap.Int("attempt", attempt), zap.Error(err), gatewayBody(err))
		failed, _, terr := s.Store.TransitionPayout(ctx, p.Reference, model.PayoutFailed, model.PayoutUpdate{
			Attempts:  attempt,
			LastError: err.Error(),
		})
		if terr != nil {
			return nil, fmt.Errorf("mark payout failed: %w", terr)
		}
		s.statusEvent(failed, "submit")
		return failed, nil
	}

	if err := s.Store.AnnotatePayout(ctx, p.Reference, model.PayoutUpdate{
		ChapaReference: out.ChapaReference,
		Attempts:       attempt,
	}); err != nil {
		log.Error("could not record transfer reference",
			zap.String("chapa_reference", out.ChapaReference), zap.Error(err))
	}
	return s.Store.GetPayoutByReference(ctx, p.Reference)
}

func (s *PayoutService) Get(ctx context.Context, rc model.RequestContext, reference string) (*model.Payout, error) {
	if err := requireAdmin(rc); err != nil {
		return nil, err
	}
	p, err := s.Store.GetPayoutByReference(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PayoutService) ListBanks(ctx context.Context, rc model.RequestContext) ([]chapa.Bank, error) {
	if err := requireAdmin(rc); err != nil {
		return nil, err
	}
	return s.Gateway.ListBanks(ctx)
}

// Approve handles the provider's signed approval callback for a queued payout.
func (s *PayoutService) Approve(ctx context.Context, body []byte, signatures ...string) (*PayoutResult, error) {
	cb, p, err := s.authenticate(ctx, body, signatures, "payouts.approval")
	if err != nil {
		return nil, err
	}

	updated, applied, err := s.Store.TransitionPayout(ctx, p.Reference, model.PayoutApproved, model.PayoutUpdate{
		ChapaReference: cb.ChapaReference,
	})
	if err != nil {
		return nil, fmt.Errorf("approve payout: %w", err)
	}
	if applied {
		s.statusEvent(updated, "approval")
	} else {
		s.Log.Info("approval for payout not in queued state",
			zap.String("reference", p.Reference), zap.String("status", string(updated.Status)))
	}
	return &PayoutResult{Status: updated.Status, Reference: updated.Reference, Applied: applied}, nil
}

// HandleWebhook applies a signed transfer status callback after the
// provider confirms it.
func (s *PayoutService) HandleWebhook(ctx context.Context, body []byte, signatures ...string) (*PayoutResult, error) {
	cb, p, err := s.authenticate(ctx, body, signatures, "payouts.webhook")
	if err != nil {
		return nil, err
	}
	log := s.Log.With(zap.String("reference", p.Reference))

	v, err := s.Gateway.VerifyTransfer(ctx, cb.Reference)
	if err != nil {
		log.Warn("transfer re-verification failed", zap.Error(err), gatewayBody(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !v.Amount.IsZero() && v.Amount.Sub(p.AmountNet).Abs().GreaterThan(AmountEpsilon) {
		log.Warn("provider transfer amount mismatch",
			zap.String("provider_amount", v.Amount.String()), zap.String("amount_net", p.AmountNet.String()))
		return nil, ErrAmountMismatch
	}

	status := MapTransferStatus(v.Status)
	if status == "" {
		log.Info("transfer still in flight", zap.String("provider_status", v.Status))
		return &PayoutResult{Status: p.Status, Reference: p.Reference}, nil
	}
	if declared := MapTransferStatus(cb.Status); declared != "" && declared != status {
		log.Warn("callback status differs from provider",
			zap.String("declared", string(declared)), zap.String("verified", string(status)))
	}

	updated, applied, err := s.Store.TransitionPayout(ctx, p.Reference, status, model.PayoutUpdate{
		ChapaReference: firstNonEmpty(v.ChapaReference, cb.ChapaReference),
		BankReference:  firstNonEmpty(v.BankReference, cb.BankReference),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if applied {
		s.statusEvent(updated, "webhook")
	} else if updated.Status != status {
		log.Warn("payout transition rejected",
			zap.String("current", string(updated.Status)), zap.String("requested", string(status)))
	}
	return &PayoutResult{Status: updated.Status, Reference: updated.Reference, Applied: applied}, nil
}

// authenticate verifies the signature, loads the payout and checks the
// declared amount. Nothing is written on any failure.
func (s *PayoutService) authenticate(
	ctx context.Context,
	body []byte,
	signatures []string,
	endpoint string,
) (*payoutCallback, *model.Payout, error) {

	if s.secret == "" {
		s.Log.Error("payout secret not configured; rejecting callback", zap.String("endpoint", endpoint))
		return nil, nil, ErrInvalidSignature
	}
	if !chapa.VerifyAny(body, s.secret, signatures...) {
		s.Log.Warn("payout signature rejected", zap.String("endpoint", endpoint))
		s.Events.Enqueue(audit.Event{
			Kind:   audit.KindSignatureRejected,
			Detail: map[string]any{"endpoint": endpoint},
		})
		return nil, nil, ErrInvalidSignature
	}

	var cb payoutCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, nil, invalid("malformed payout payload")
	}
	ref := strings.TrimSpace(firstNonEmpty(cb.Reference, cb.TxRef))
	if ref == "" {
		return nil, nil, ErrMissingReference
	}
	cb.Reference = ref

	p, err := s.Store.GetPayoutByReference(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) && attemptSuffix.MatchString(ref) {
		p, err = s.Store.GetPayoutByReference(ctx, attemptSuffix.ReplaceAllString(ref, ""))
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if cb.Amount != nil && cb.Amount.Sub(p.AmountNet).Abs().GreaterThan(AmountEpsilon) {
		s.Log.Warn("payout amount mismatch",
			zap.String("reference", p.Reference),
			zap.String("declared", cb.Amount.String()),
			zap.String("amount_net", p.AmountNet.String()),
			zap.String("endpoint", endpoint),
		)
		return nil, nil, ErrAmountMismatch
	}
	return &cb, p, nil
}

func (s *PayoutService) statusEvent(p *model.Payout, source string) {
	s.Log.Info("payout status applied",
		zap.String("reference", p.Reference),
		zap.String("status", string(p.Status)),
		zap.Int("attempts", p.Attempts),
		zap.String("source", source),
	)
	s.Events.Enqueue(audit.Event{
		Kind:      audit.KindPayoutStatus,
		Reference: p.Reference,
		Detail:    map[string]any{"status": p.Status, "attempts": p.Attempts, "source": source},
	})
}
