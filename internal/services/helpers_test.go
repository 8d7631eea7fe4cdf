package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/ratelimit"
	"MarketplaceAPI/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDBDown = errors.New("db: connection reset")

// fakeGateway answers like a cooperative provider unless a hook overrides it.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	initErr      error
	verifyStatus string
	verifyAmount decimal.Decimal
	verifyErr    error
	refundErr    error
	transferErr  error
	transferRef  string
	transfers    map[string]*chapa.TransferStatus
	transferVErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:        map[string]int{},
		verifyStatus: "success",
		transferRef:  "CHTR-1",
		transfers:    map[string]*chapa.TransferStatus{},
	}
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) hit(op string) {
	g.mu.Lock()
	g.calls[op]++
	g.mu.Unlock()
}

func (g *fakeGateway) InitializeCheckout(_ context.Context, p chapa.InitializeParams) (*chapa.InitializeResult, error) {
	g.hit("initialize")
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &chapa.InitializeResult{CheckoutURL: "https://checkout.chapa.co/" + p.TxRef}, nil
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, txRef string) (*chapa.Verification, error) {
	g.hit("verify")
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return &chapa.Verification{
		Status:    g.verifyStatus,
		Reference: "CH-" + txRef,
		TxRef:     txRef,
		Amount:    g.verifyAmount,
		Currency:  "ETB",
		Method:    "telebirr",
	}, nil
}

func (g *fakeGateway) ProcessRefund(_ context.Context, _ string, p chapa.RefundParams) (*chapa.RefundResult, error) {
	g.hit("refund")
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &chapa.RefundResult{RefundReference: p.Reference, Amount: *p.Amount, Currency: "ETB", Status: "refunded"}, nil
}

func (g *fakeGateway) ListBanks(context.Context) ([]chapa.Bank, error) {
	g.hit("banks")
	return []chapa.Bank{{Slug: "cbe", Name: "Commercial Bank of Ethiopia"}}, nil
}

func (g *fakeGateway) CreateTransfer(_ context.Context, p chapa.TransferParams) (*chapa.TransferResult, error) {
	g.hit("transfer")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	g.transfers[p.Reference] = &chapa.TransferStatus{Status: "pending", Reference: p.Reference, Amount: p.Amount}
	return &chapa.TransferResult{ChapaReference: g.transferRef}, nil
}

func (g *fakeGateway) VerifyTransfer(_ context.Context, reference string) (*chapa.TransferStatus, error) {
	g.hit("verify_transfer")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferVErr != nil {
		return nil, g.transferVErr
	}
	if st, ok := g.transfers[reference]; ok {
		return st, nil
	}
	return nil, &chapa.GatewayError{Message: "transfer not found", StatusCode: 404}
}

func (g *fakeGateway) setTransfer(reference, status string, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers[reference] = &chapa.TransferStatus{
		Status:         status,
		Reference:      reference,
		ChapaReference: "CHTR-" + reference,
		BankReference:  "FT-" + reference,
		Amount:         amount,
	}
}

// flakyPayments fails selected writes after delegating reads.
type flakyPayments struct {
	PaymentStore
	failUpdate bool
	failRefund bool
}

func (f *flakyPayments) UpdateStatus(ctx context.Context, txRef string, status model.PaymentStatus, ref string) (*model.Payment, bool, error) {
	if f.failUpdate {
		return nil, false, errDBDown
	}
	return f.PaymentStore.UpdateStatus(ctx, txRef, status, ref)
}

func (f *flakyPayments) RecordRefund(ctx context.Context, id string, rf model.Refund) (*model.Payment, bool, error) {
	if f.failRefund {
		return nil, false, errDBDown
	}
	return f.PaymentStore.RecordRefund(ctx, id, rf)
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Enqueue(e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject string, _ map[string]string) error {
	a.mu.Lock()
	a.subjects = append(a.subjects, subject)
	a.mu.Unlock()
	return nil
}

type testEnv struct {
	store    *repository.BoltStore
	payments *flakyPayments
	gw       *fakeGateway
	sink     *recordingSink
	alerts   *recordingAlerter
	clock    *time.Time

	records   *PaymentRecords
	idem      *Idempotency
	subs      *SubscriptionService
	paySvc    *PaymentService
	reconcile *ReconcileService
	refunds   *RefundService
	payouts   *PayoutService
}

const (
	webhookSecret = "whsec_test"
	payoutSecret  = "posec_test"
)

var (
	owner = model.RequestContext{UserID: "user-1", Email: "buyer@example.com", Role: "owner", ClientIP: "10.0.0.1"}
	admin = model.RequestContext{UserID: "admin-1", Role: model.RoleAdmin}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := repository.OpenBolt(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		store:    store,
		payments: &flakyPayments{PaymentStore: store},
		gw:       newFakeGateway(),
		sink:     &recordingSink{},
		alerts:   &recordingAlerter{},
		clock:    &now,
	}
	clock := func() time.Time { return *env.clock }
	log := zap.NewNop()

	env.records = NewPaymentRecords(env.payments, env.sink, log).WithClock(clock)
	env.idem = NewIdempotency(env.payments).WithClock(clock)
	env.subs = NewSubscriptionService(store, env.sink, log).WithClock(clock)
	rate := NewRateGate(ratelimit.NewWithClock(clock), nil).WithClock(clock)

	env.paySvc = NewPaymentService(env.records, env.idem, env.gw, rate, env.subs, "https://shop.example", log)
	env.reconcile = NewReconcileService(env.records, env.gw, env.subs, rate, env.alerts, webhookSecret, log)
	env.refunds = NewRefundService(env.records, env.gw, env.subs, env.alerts, log)
	env.payouts = NewPayoutService(store, env.gw, env.sink, payoutSecret, log).WithClock(clock)
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e *testEnv) initialize(t *testing.T, amount string, key string) *InitializeResponse {
	t.Helper()
	res, err := e.paySvc.Initialize(context.Background(), owner, InitializeRequest{
		Amount:         decimal.RequireFromString(amount),
		Currency:       model.CurrencyETB,
		PaymentType:    model.PaymentTypeOrder,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) savePlan(t *testing.T) {
	t.Helper()
	require.NoError(t, e.subs.SavePlan(context.Background(), admin, &model.Plan{
		ID:           "pro",
		Name:         "Pro",
		IntervalDays: 30,
		Prices: map[model.Currency]decimal.Decimal{
			model.CurrencyETB: decimal.RequireFromString("1200"),
			model.CurrencyUSD: decimal.RequireFromString("20"),
		},
	}))
}

func (e *testEnv) checkout(t *testing.T, key string) *InitializeResponse {
	t.Helper()
	res, err := e.paySvc.SubscriptionCheckout(context.Background(), owner, SubscriptionCheckoutRequest{
		PlanID:         "pro",
		BusinessID:     "biz-1",
		Currency:       model.CurrencyETB,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) payment(t *testing.T, txRef string) *model.Payment {
	t.Helper()
	p, err := e.store.GetByTxRef(context.Background(), txRef)
	require.NoError(t, err)
	return p
}
