package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"subsync/internal/billing"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/types"
)

// ---------------------------------------------------------------------------
// Mock processor
// ---------------------------------------------------------------------------

type mockProcessor struct {
	result  billing.Result
	err     error
	payload []byte
	sig     string
}

func (m *mockProcessor) Process(_ context.Context, payload []byte, sig string) (billing.Result, error) {
	m.payload = payload
	m.sig = sig
	return m.result, m.err
}

func postWebhook(h *StripeWebhookHandler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(signatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestStripeWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     billing.Result
		err        error
		wantStatus int
	}{
		{"processed", billing.Result{Outcome: billing.OutcomeProcessed, EventID: "evt_1"}, nil, http.StatusOK},
		{"duplicate", billing.Result{Outcome: billing.OutcomeDuplicate}, nil, http.StatusOK},
		{"ignored", billing.Result{Outcome: billing.OutcomeIgnored}, nil, http.StatusOK},
		{"dropped", billing.Result{Outcome: billing.OutcomeDropped, Reason: "unknown_account"}, nil, http.StatusOK},
		{"rejected", billing.Result{Outcome: billing.OutcomeRejected},
			types.NewAppError(types.ErrCodeAuthenticationFailed, "bad signature", nil), http.StatusBadRequest},
		{"in flight", billing.Result{Outcome: billing.OutcomeInFlight},
			types.NewAppError(types.ErrCodeEventInFlight, "busy", nil), http.StatusConflict},
		{"contention", billing.Result{Outcome: billing.OutcomeFailed},
			types.NewAppError(types.ErrCodeWriteContention, "retry", nil), http.StatusServiceUnavailable},
		{"timeout", billing.Result{Outcome: billing.OutcomeFailed},
			types.NewAppError(types.ErrCodeProcessingTimeout, "slow", nil), http.StatusServiceUnavailable},
		{"storage", billing.Result{Outcome: billing.OutcomeFailed},
			types.NewAppError(types.ErrCodeInternalDB, "db down", nil), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &mockProcessor{result: tc.result, err: tc.err}
			rec := postWebhook(NewStripeWebhookHandler(p, nil), []byte(`{}`), "t=1,v1=x")

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "t=1,v1=x", p.sig)
			if tc.wantStatus == http.StatusOK {
				var resp WebhookResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.True(t, resp.Received)
				assert.Equal(t, string(tc.result.Outcome), resp.Outcome)
				assert.Equal(t, tc.result.Reason, resp.Reason)
			}
		})
	}
}

func TestStripeWebhook_BodyTooLarge(t *testing.T) {
	p := &mockProcessor{}
	rec := postWebhook(NewStripeWebhookHandler(p, nil), []byte(strings.Repeat("x", maxWebhookBodySize+1)), "sig")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, p.payload, "processor must not see an oversized body")
}

// ---------------------------------------------------------------------------
// End to end through the real Synchronizer
// ---------------------------------------------------------------------------

const testSecret = "whsec_handlers"

func newRealWebhookHandler(t *testing.T) (*StripeWebhookHandler, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	_, err := store.Create(context.Background(), "acct_1", "")
	require.NoError(t, err)

	sync := billing.NewSynchronizer(billing.SynchronizerDeps{
		Verifier:   external.NewStripeVerifier(0),
		Normalizer: billing.NewNormalizer(billing.NewStaticPlanCatalog()),
		Store:      store,
		Ledger:     db.NewMemoryLedger(),
	}, billing.SynchronizerConfig{
		WebhookSecret:     types.SecretString(testSecret),
		ProcessingTimeout: time.Second,
	})
	return NewStripeWebhookHandler(sync, nil), store
}

func signed(body []byte) (payload []byte, header string) {
	s := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return s.Payload, s.Header
}

func TestStripeWebhook_EndToEnd(t *testing.T) {
	h, store := newRealWebhookHandler(t)
	body := fmt.Appendf(nil, `{"id":"evt_1","type":"checkout.session.completed","created":%d,"data":{"object":{
		"client_reference_id":"acct_1","customer":"cus_1","subscription":"sub_1",
		"metadata":{"account_id":"acct_1","plan_id":"pro","additional_seats":"3"}}}}`, time.Now().Unix())

	payload, header := signed(body)
	rec := postWebhook(h, payload, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acct, err := store.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanID("pro"), acct.Subscription.PlanID)
	assert.Equal(t, types.SubStatusActive, acct.Subscription.Status)
	assert.Equal(t, 3, acct.Subscription.AdditionalSeats)

	// Redelivery is acknowledged without a second write.
	rec = postWebhook(h, payload, header)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp.Outcome)

	again, err := store.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, acct.Subscription.Version, again.Subscription.Version)
}

func TestStripeWebhook_EndToEnd_BadSignature(t *testing.T) {
	h, store := newRealWebhookHandler(t)
	body := []byte(`{"id":"evt_x","type":"customer.subscription.updated","created":1,"data":{"object":{}}}`)

	rec := postWebhook(h, body, "t=1,v1=forged")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(h, body, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	acct, err := store.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, acct.Subscription.PlanID)
}
