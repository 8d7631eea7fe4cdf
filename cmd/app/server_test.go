package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/config"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/repository"
	"MarketplaceAPI/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testWebhookSecret = "whsec_http"
	testPayoutSecret  = "posec_http"
)

// fakeChapa answers the provider endpoints the handlers reach.
type fakeChapa struct {
	mu        sync.Mutex
	amounts   map[string]string
	statuses  map[string]string
	transfers map[string]string
}

func (f *fakeChapa) setStatus(txRef, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[txRef] = status
}

func (f *fakeChapa) setTransfer(ref, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[ref] = status
}

func (f *fakeChapa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := func(status int, data any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		state := "success"
		if status >= 300 {
			state = "failed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "ok", "status": state, "data": data})
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/transaction/initialize":
		var body struct {
			TxRef  string `json:"tx_ref"`
			Amount string `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.amounts[body.TxRef] = body.Amount
		f.statuses[body.TxRef] = "pending"
		reply(http.StatusOK, map[string]any{"checkout_url": "https://checkout.chapa.co/" + body.TxRef})

	case strings.HasPrefix(r.URL.Path, "/transaction/verify/"):
		ref := strings.TrimPrefix(r.URL.Path, "/transaction/verify/")
		status, ok := f.statuses[ref]
		if !ok {
			reply(http.StatusNotFound, nil)
			return
		}
		reply(http.StatusOK, map[string]any{
			"status": status, "reference": "CH-" + ref, "tx_ref": ref,
			"amount": f.amounts[ref], "currency": "ETB",
		})

	case r.Method == http.MethodPost && r.URL.Path == "/transfers":
		reply(http.StatusOK, "CHTR-1")

	case strings.HasPrefix(r.URL.Path, "/transfers/verify/"):
		ref := strings.TrimPrefix(r.URL.Path, "/transfers/verify/")
		reply(http.StatusOK, map[string]any{
			"status": f.transfers[ref], "tx_ref": ref, "chapa_transfer_id": "CHTR-1", "amount": "500.00", "currency": "ETB",
		})

	case r.URL.Path == "/banks":
		reply(http.StatusOK, []map[string]any{{"id": 656, "slug": "cbe", "name": "Commercial Bank of Ethiopia"}})

	default:
		reply(http.StatusNotFound, nil)
	}
}

type testServer struct {
	e     *echo.Echo
	app   *application
	chapa *fakeChapa
	store *repository.BoltStore
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	fc := &fakeChapa{amounts: map[string]string{}, statuses: map[string]string{}, transfers: map[string]string{}}
	provider := httptest.NewServer(fc)
	t.Cleanup(provider.Close)

	store, err := repository.OpenBolt(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Env:                    "test",
		StorageDriver:          config.StorageBolt,
		JWTSecret:              "jwt-test-secret",
		WebhookSecret:          testWebhookSecret,
		PayoutSecret:           testPayoutSecret,
		PublicBaseURL:          "https://api.example.com",
		PaymentsEnabled:        true,
		SubscriptionsEnabled:   true,
		PayoutsEnabled:         true,
		PayoutRetryMaxAttempts: 3,
		PayoutRetryMaxAge:      time.Hour,
		AuditBatchSize:         10,
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := zaptest.NewLogger(t)
	st := &storage{payments: store, payouts: store, subscriptions: store, events: store, close: func() {}}
	gw := chapa.NewClient("CHASECK_TEST-http", provider.URL, 5*time.Second)
	app := newApplication(cfg, st, gw, services.LogAlerter{Log: log}, log)

	return &testServer{e: newServer(app), app: app, chapa: fc, store: store}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := s.app.auth.GenerateToken(userID, userID+"@example.com", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		raw, _ = json.Marshal(b)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + tok}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) initialize(t *testing.T, tok, key string) services.InitializeResponse {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/payments/initialize", map[string]any{
		"amount": "100", "currency": "ETB", "idempotencyKey": key,
	}, bearer(tok))
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decode[services.InitializeResponse](t, rec)
}

func TestInitializeRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/api/payments/initialize", map[string]any{"amount": "100", "currency": "ETB"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitializeThenReplayIsCached(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "user-1", "user")

	rec := s.do(http.MethodPost, "/api/payments/initialize", map[string]any{
		"amount": "100", "currency": "ETB", "idempotencyKey": "order-1",
	}, bearer(tok))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	first := decode[services.InitializeResponse](t, rec)
	assert.False(t, first.Cached)
	assert.Equal(t, "https://checkout.chapa.co/"+first.TxRef, first.CheckoutURL)

	rec = s.do(http.MethodPost, "/api/payments/initialize", map[string]any{
		"amount": "100", "currency": "ETB", "idempotencyKey": "order-1",
	}, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[services.InitializeResponse](t, rec)
	assert.True(t, second.Cached)
	assert.Equal(t, first.TxRef, second.TxRef)
}

func TestInitializeValidationIs400(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/api/payments/initialize", map[string]any{
		"amount": "0.50", "currency": "ETB",
	}, bearer(s.token(t, "user-1", "user")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentsFeatureGate(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.PaymentsEnabled = false })
	rec := s.do(http.MethodPost, "/api/payments/initialize", map[string]any{
		"amount": "100", "currency": "ETB",
	}, bearer(s.token(t, "user-1", "user")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "coming soon")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, nil)
	body := []byte(`{"event":"charge.success","tx_ref":"AC-ORD-1","status":"success"}`)

	rec := s.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{
		chapa.SignatureHeader: chapa.Sign(body, "wrong"),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/api/payments/webhook", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookSettlesPaymentFromProvider(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "user-1", "user")
	res := s.initialize(t, tok, "")

	s.chapa.setStatus(res.TxRef, "success")
	// The body claims failure; the provider's answer wins.
	body := []byte(`{"event":"charge.failed","tx_ref":"` + res.TxRef + `","status":"failed"}`)
	rec := s.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{
		chapa.LegacySignatureHeader: chapa.Sign(body, testWebhookSecret),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/payments/"+res.PaymentID, nil, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[model.Payment](t, rec)
	assert.Equal(t, model.PaymentSuccess, p.Status)
}

func TestWebhookForUnknownPaymentIsIgnored(t *testing.T) {
	s := newTestServer(t, nil)
	body := []byte(`{"tx_ref":"AC-ORD-UNKNOWN"}`)
	rec := s.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{
		chapa.SignatureHeader: chapa.Sign(body, testWebhookSecret),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[services.VerifyResult](t, rec).Ignored)
}

func TestVerifyIsRateLimited(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "user-1", "user")

	for i := 0; i < 30; i++ {
		rec := s.do(http.MethodGet, "/api/payments/verify?tx_ref=AC-ORD-NOPE", nil, bearer(tok))
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code, "request %d", i)
	}

	rec := s.do(http.MethodGet, "/api/payments/verify?tx_ref=AC-ORD-NOPE", nil, bearer(tok))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
}

func TestVerifyRejectsMalformedReference(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/api/payments/verify", map[string]string{"tx_ref": "not-ours"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOtherUsersPaymentIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	res := s.initialize(t, s.token(t, "user-1", "user"), "")

	rec := s.do(http.MethodGet, "/api/payments/"+res.PaymentID, nil, bearer(s.token(t, "user-2", "user")))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/payments/"+res.PaymentID, nil, bearer(s.token(t, "ops", model.RoleAdmin)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefundRequiresAdmin(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/api/payments/refund", map[string]string{"paymentId": "p-1"},
		bearer(s.token(t, "user-1", "user")))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRefundOfPendingPaymentConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	res := s.initialize(t, s.token(t, "user-1", "user"), "")

	rec := s.do(http.MethodPost, "/api/payments/refund", map[string]string{"paymentId": res.PaymentID},
		bearer(s.token(t, "ops", model.RoleAdmin)))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestPayoutFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	admin := bearer(s.token(t, "ops", model.RoleAdmin))

	rec := s.do(http.MethodGet, "/api/payouts/banks", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/payouts", map[string]any{
		"businessId": "biz-1", "amount": "500", "currency": "ETB",
		"accountName": "Abebe Bikila", "accountNumber": "0123456789", "bankCode": "656",
	}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payout := decode[model.Payout](t, rec)
	assert.Equal(t, model.PayoutQueued, payout.Status)

	approval := []byte(`{"reference":"` + payout.Reference + `","amount":"500"}`)
	rec = s.do(http.MethodPost, "/api/payouts/approval", approval, map[string]string{
		chapa.SignatureHeader: chapa.Sign(approval, testPayoutSecret),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(model.PayoutApproved), decode[map[string]string](t, rec)["status"])

	s.chapa.setTransfer(payout.Reference, "success")
	hook := []byte(`{"reference":"` + payout.Reference + `","status":"success"}`)
	rec = s.do(http.MethodPost, "/api/payouts/webhook", hook, map[string]string{
		chapa.SignatureHeader: chapa.Sign(hook, testPayoutSecret),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := s.store.GetPayoutByReference(context.Background(), payout.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutSuccess, stored.Status)
}

func TestPayoutCallbacksRequireSignature(t *testing.T) {
	s := newTestServer(t, nil)
	body := []byte(`{"reference":"PO-1"}`)

	for _, path := range []string{"/api/payouts/approval", "/api/payouts/webhook"} {
		rec := s.do(http.MethodPost, path, body, map[string]string{
			chapa.SignatureHeader: chapa.Sign(body, testWebhookSecret),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestPayoutsFeatureGate(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.PayoutsEnabled = false })
	rec := s.do(http.MethodGet, "/api/payouts/banks", nil, bearer(s.token(t, "ops", model.RoleAdmin)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestStopWorkersWaitsForRetryAndFlushesAudit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.AuditFlushInterval = time.Hour
		c.PayoutRetryInterval = time.Hour
	})

	stop := startWorkers(context.Background(), s.app)
	s.app.queue.Enqueue(audit.Event{Kind: audit.KindPayoutRetry, Reference: "PO-1"})

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}

	events, err := s.store.Events(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "PO-1", events[0].Reference)
}

func TestInitializeRejectsSubscriptionType(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/api/payments/initialize", map[string]any{
		"amount": "1", "currency": "ETB", "paymentType": "subscription",
		"metadata": map[string]string{"plan_id": "pro"},
	}, bearer(s.token(t, "user-1", "user")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
