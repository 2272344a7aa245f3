package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/billing"
	"subsync/internal/types"
)

func TestPrometheusRecorder_Outcomes(t *testing.T) {
	r := NewPrometheusRecorder(prometheus.NewRegistry())
	ctx := context.Background()

	r.RecordOutcome(ctx, billing.OutcomeProcessed, types.EventCheckoutCompleted)
	r.RecordOutcome(ctx, billing.OutcomeProcessed, types.EventCheckoutCompleted)
	r.RecordOutcome(ctx, billing.OutcomeRejected, "")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.outcomes.WithLabelValues("processed", string(types.EventCheckoutCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("rejected", "unknown")))
}

func TestPrometheusRecorder_ConflictsAndPruned(t *testing.T) {
	r := NewPrometheusRecorder(nil)
	ctx := context.Background()

	r.RecordConflict(ctx)
	r.RecordConflict(ctx)
	r.RecordPruned(ctx, 0)
	r.RecordPruned(ctx, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.conflicts))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.pruned))
}

func TestPrometheusRecorder_Latency(t *testing.T) {
	r := NewPrometheusRecorder(prometheus.NewRegistry())

	r.RecordLatency(context.Background(), billing.OutcomeProcessed, 40*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(r.latency))
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	r := NewPrometheusRecorder(prometheus.NewRegistry())
	r.RecordOutcome(context.Background(), billing.OutcomeDuplicate, types.EventInvoicePaid)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `subsync_events_total{event_type="invoice_paid",outcome="duplicate"} 1`)
}

func TestPrometheusRecorder_RecordRequest(t *testing.T) {
	r := NewPrometheusRecorder(prometheus.NewRegistry())

	r.RecordRequest("POST", "/webhooks/stripe", "200", 12*time.Millisecond)
	r.RecordRequest("GET", "/health", "200", time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(r.requests))
}
