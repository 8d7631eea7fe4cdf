package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func newPayment(id, txRef string, key *string) *model.Payment {
	return &model.Payment{
		ID:             id,
		OwnerID:        "user-1",
		TxRef:          txRef,
		Amount:         decimal.RequireFromString("150.50"),
		Currency:       model.CurrencyETB,
		PaymentType:    model.PaymentTypeSubscription,
		Status:         model.PaymentPending,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreateIdempotentPerOwnerKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.Create(ctx, newPayment("p1", "AC-SUB-1", strPtr("k1")))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("150.5")))

	second, created, err := s.Create(ctx, newPayment("p2", "AC-SUB-2", strPtr("k1")))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "p1", second.ID)

	other := newPayment("p3", "AC-SUB-3", strPtr("k1"))
	other.OwnerID = "user-2"
	_, created, err = s.Create(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateConcurrentSameKeyYieldsOneRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "p" + string(rune('a'+i))
			p, ok, err := s.Create(ctx, newPayment(id, "AC-SUB-"+id, strPtr("same")))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[p.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestConcurrentUpdateStatusAppliesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Create(ctx, newPayment("p1", "AC-ORD-RACE", nil))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied []model.PaymentStatus
		seen    = map[model.PaymentStatus]int{}
	)
	for i := 0; i < 16; i++ {
		status := model.PaymentSuccess
		if i%2 == 1 {
			status = model.PaymentFailed
		}
		wg.Add(1)
		go func(status model.PaymentStatus) {
			defer wg.Done()
			p, ok, err := s.UpdateStatus(ctx, "AC-ORD-RACE", status, "CH-RACE")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				applied = append(applied, status)
			}
			seen[p.Status]++
		}(status)
	}
	wg.Wait()

	require.Len(t, applied, 1)
	assert.Len(t, seen, 1, "every caller observes the same final status")
	assert.Equal(t, 16, seen[applied[0]])

	final, err := s.GetByTxRef(ctx, "AC-ORD-RACE")
	require.NoError(t, err)
	assert.Equal(t, applied[0], final.Status)
}

func TestCreateRejectsDuplicateTxRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, newPayment("p1", "AC-ORD-1", nil))
	require.NoError(t, err)
	_, _, err = s.Create(ctx, newPayment("p2", "AC-ORD-1", nil))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpdateStatusOnlyLeavesPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Create(ctx, newPayment("p1", "AC-SUB-1", nil))
	require.NoError(t, err)

	p, applied, err := s.UpdateStatus(ctx, "AC-SUB-1", model.PaymentSuccess, "chapa-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.PaymentSuccess, p.Status)
	require.NotNil(t, p.ChapaTrxRef)
	assert.Equal(t, "chapa-1", *p.ChapaTrxRef)

	p, applied, err = s.UpdateStatus(ctx, "AC-SUB-1", model.PaymentFailed, "chapa-2")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.PaymentSuccess, p.Status)
	assert.Equal(t, "chapa-1", *p.ChapaTrxRef)

	_, _, err = s.UpdateStatus(ctx, "AC-SUB-404", model.PaymentSuccess, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetCheckoutURLOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Create(ctx, newPayment("p1", "AC-ORD-1", nil))
	require.NoError(t, err)

	ok, err := s.SetCheckoutURL(ctx, "p1", "https://checkout/a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetCheckoutURL(ctx, "p1", "https://checkout/b")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout/a", *p.CheckoutURL)
}

func TestReleaseIdempotencyKeyFreesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Create(ctx, newPayment("p1", "AC-SUB-1", strPtr("k")))
	require.NoError(t, err)

	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "p1"))
	_, err = s.GetByIdempotencyKey(ctx, "user-1", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, created, err := s.Create(ctx, newPayment("p2", "AC-SUB-2", strPtr("k")))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRecordRefundOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Create(ctx, newPayment("p1", "AC-SUB-1", nil))
	require.NoError(t, err)

	rf := model.Refund{Amount: decimal.NewFromInt(10), Reason: "dup", Reference: "RF-AC-SUB-1", ActorID: "admin", At: time.Now().UTC()}

	_, applied, err := s.RecordRefund(ctx, "p1", rf)
	require.NoError(t, err)
	assert.False(t, applied, "pending payments are not refundable")

	_, _, err = s.UpdateStatus(ctx, "AC-SUB-1", model.PaymentSuccess, "")
	require.NoError(t, err)

	p, applied, err := s.RecordRefund(ctx, "p1", rf)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "RF-AC-SUB-1", *p.RefundReference)

	_, applied, err = s.RecordRefund(ctx, "p1", rf)
	require.NoError(t, err)
	assert.False(t, applied)
}

func newPayout(ref string, status model.PayoutStatus, createdAt time.Time) *model.Payout {
	return &model.Payout{
		ID:            "id-" + ref,
		Reference:     ref,
		BusinessID:    "biz-1",
		Status:        status,
		AmountNet:     decimal.RequireFromString("500.00"),
		Currency:      model.CurrencyETB,
		AccountName:   "Abebe",
		AccountNumber: "0123456789",
		BankCode:      "656",
		Attempts:      1,
		CreatedBy:     "admin",
		CreatedAt:     createdAt,
	}
}

func TestTransitionPayoutFollowsTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePayout(ctx, newPayout("PO-1", model.PayoutQueued, time.Now().UTC())))
	assert.ErrorIs(t, s.CreatePayout(ctx, newPayout("PO-1", model.PayoutQueued, time.Now().UTC())), ErrDuplicate)

	p, applied, err := s.TransitionPayout(ctx, "PO-1", model.PayoutApproved, model.PayoutUpdate{})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.PayoutApproved, p.Status)

	p, applied, err = s.TransitionPayout(ctx, "PO-1", model.PayoutSuccess, model.PayoutUpdate{BankReference: "FT123"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "FT123", *p.BankReference)

	p, applied, err = s.TransitionPayout(ctx, "PO-1", model.PayoutFailed, model.PayoutUpdate{LastError: "late"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.PayoutSuccess, p.Status)
	assert.Nil(t, p.LastError)
}

func TestListRetryablePayouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreatePayout(ctx, newPayout("PO-fresh", model.PayoutFailed, now)))
	require.NoError(t, s.CreatePayout(ctx, newPayout("PO-old", model.PayoutFailed, now.Add(-100*time.Hour))))
	require.NoError(t, s.CreatePayout(ctx, newPayout("PO-ok", model.PayoutSuccess, now)))
	spent := newPayout("PO-spent", model.PayoutFailed, now)
	spent.Attempts = 5
	require.NoError(t, s.CreatePayout(ctx, spent))

	out, err := s.ListRetryablePayouts(ctx, now.Add(-72*time.Hour), 5, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "PO-fresh", out[0].Reference)
}

func TestActivateSubscriptionOncePerPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &model.Subscription{ID: "s1", OwnerID: "user-1", PlanID: "pro", PaymentID: "p1",
		Status: model.SubscriptionActive, StartedAt: now, ExpiresAt: now.Add(30 * 24 * time.Hour)}
	_, created, err := s.ActivateSubscription(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *sub
	dup.ID = "s2"
	got, created, err := s.ActivateSubscription(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s1", got.ID)

	ok, err := s.CancelSubscriptionByPayment(ctx, "p1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CancelSubscriptionByPayment(ctx, "p1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlansRoundTripPrices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePlan(ctx, &model.Plan{
		ID: "pro", Name: "Pro", IntervalDays: 30,
		Prices: map[model.Currency]decimal.Decimal{model.CurrencyETB: decimal.RequireFromString("999.99")},
	}))
	p, err := s.GetPlan(ctx, "pro")
	require.NoError(t, err)
	price, ok := p.Price(model.CurrencyETB)
	assert.True(t, ok)
	assert.Equal(t, "999.99", price.StringFixed(2))
	_, ok = p.Price(model.CurrencyUSD)
	assert.False(t, ok)

	_, err = s.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlushAppendsEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Flush(ctx, []audit.Event{
		{Kind: audit.KindPaymentCreated, TxRef: "AC-ORD-1"},
		{Kind: audit.KindPaymentStatus, TxRef: "AC-ORD-1"},
	}))
	events, err := s.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.KindPaymentStatus, events[1].Kind)
}
