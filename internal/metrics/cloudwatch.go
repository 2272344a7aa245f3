package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"subsync/internal/billing"
	"subsync/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ billing.Metrics = (*CloudWatchRecorder)(nil)

// CloudWatchRecorder emits one PutMetricData call per observation.
// Publishing errors are logged and swallowed.
//
// Metrics emitted:
//   - SyncOutcome: Dims {Outcome, EventType}
//   - SyncLatency: Dims {Outcome}, milliseconds
//   - SyncWriteConflict: no dims
//   - LedgerPruned: no dims
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder publishes under namespace, or types.MetricNamespace
// when it is empty.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchRecorder) RecordOutcome(ctx context.Context, outcome billing.Outcome, eventType types.EventType) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSyncOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimOutcome), Value: aws.String(string(outcome))},
			{Name: aws.String(types.DimEventType), Value: aws.String(norm(string(eventType)))},
		},
	})
}

func (m *CloudWatchRecorder) RecordConflict(ctx context.Context) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSyncConflict),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordLatency is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatchRecorder) RecordLatency(ctx context.Context, outcome billing.Outcome, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSyncLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimOutcome), Value: aws.String(string(outcome))},
		},
	})
}

func (m *CloudWatchRecorder) RecordPruned(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricLedgerPruned),
		Value:      aws.Float64(float64(n)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchRecorder) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to put metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}
