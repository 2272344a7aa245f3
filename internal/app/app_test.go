package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"subsync/internal/billing"
	"subsync/internal/config"
	"subsync/internal/types"
)

const (
	testAdminKey = "admin-secret"
	testSecret   = "whsec_app"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localConfig() *config.Config {
	cfg := &config.Config{Environment: "local"}
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Server.DashboardURL = "https://app.example.com"
	cfg.Store.Driver = config.DriverMemory
	cfg.Store.LedgerDriver = config.DriverMemory
	cfg.Store.LedgerRetention = 24 * time.Hour
	cfg.Notify.Backend = config.BackendLog
	cfg.Observability.MetricsBackend = config.BackendPrometheus
	cfg.Billing.StripeSecretKey = config.SecretString("sk_test_app")
	cfg.Billing.StripeWebhookSecret = config.SecretString(testSecret)
	cfg.Security.AdminAPIKey = config.SecretString(testAdminKey)
	return cfg
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuild_MemoryDriversServeFullFlow(t *testing.T) {
	cfg := localConfig()
	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	srv, err := a.NewServer(cfg, testLogger())
	require.NoError(t, err)
	h := srv.Handler()

	admin := http.Header{"Authorization": {"Bearer " + testAdminKey}, "Content-Type": {"application/json"}}
	rec := do(t, h, http.MethodPost, "/v1/accounts", []byte(`{"account_id":"acct_1"}`), admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := fmt.Appendf(nil, `{"id":"evt_app_1","type":"checkout.session.completed","created":%d,"data":{"object":{
		"client_reference_id":"acct_1","customer":"cus_1","subscription":"sub_1",
		"metadata":{"account_id":"acct_1","plan_id":"business","additional_seats":"2"}}}}`, time.Now().Unix())
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	rec = do(t, h, http.MethodPost, "/webhooks/stripe", signed.Payload, http.Header{"Stripe-Signature": {signed.Header}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acct, err := a.Store.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanID("business"), acct.Subscription.PlanID)
	assert.Equal(t, 2, acct.Subscription.AdditionalSeats)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acct_1/subscription", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan_id":"business"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `subsync_events_total{event_type="checkout_completed",outcome="processed"} 1`)
}

func TestBuild_AdminRoutesRequireKey(t *testing.T) {
	cfg := localConfig()
	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	srv, err := a.NewServer(cfg, testLogger())
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/accounts", []byte(`{"account_id":"acct_1"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuild_NoMetricsBackend(t *testing.T) {
	cfg := localConfig()
	cfg.Observability.MetricsBackend = config.BackendNone

	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, billing.NoopMetrics{}, a.Metrics)
	assert.Nil(t, a.MetricsHandler)
	assert.NotNil(t, a.Janitor)

	srv, err := a.NewServer(cfg, testLogger())
	require.NoError(t, err)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuild_WebhookNotifierDeliversEffects(t *testing.T) {
	delivered := make(chan string, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- r.Header.Get("X-Subsync-Effect")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	cfg := localConfig()
	cfg.Notify.Backend = config.BackendWebhook
	cfg.Notify.WebhookURL = receiver.URL
	cfg.Notify.WebhookSecret = config.SecretString("hook-secret")
	cfg.Notify.WebhookAllowPrivate = true
	cfg.Sync.EffectTimeout = 2 * time.Second

	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Store.Create(context.Background(), "acct_2", "")
	require.NoError(t, err)

	body := fmt.Appendf(nil, `{"id":"evt_app_2","type":"checkout.session.completed","created":%d,"data":{"object":{
		"client_reference_id":"acct_2","customer":"cus_2","subscription":"sub_2",
		"metadata":{"account_id":"acct_2","plan_id":"pro"}}}}`, time.Now().Unix())
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: testSecret, Timestamp: time.Now()})

	res, err := a.Synchronizer.Process(context.Background(), signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeProcessed, res.Outcome)

	select {
	case kind := <-delivered:
		assert.Equal(t, string(types.EffectSubscriptionActivated), kind)
	case <-time.After(3 * time.Second):
		t.Fatal("effect was not delivered")
	}
}

func TestBuild_BadPlanCatalogFails(t *testing.T) {
	cfg := localConfig()
	cfg.Billing.PlanCatalogPath = "/nonexistent/plans.yaml"

	_, err := Build(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan catalog")
}

func TestClose_RunsClosersInReverse(t *testing.T) {
	var order []int
	a := &App{}
	a.closers = append(a.closers,
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return fmt.Errorf("boom") },
	)

	err := a.Close()
	require.Error(t, err)
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, a.Close(), "second close is a no-op")
}
