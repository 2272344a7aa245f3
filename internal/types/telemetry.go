package types

// Metric names and dimensions shared by the CloudWatch and Prometheus
// recorders. Prometheus uses the snake_case forms.
const (
	MetricSyncOutcome  = "SyncOutcome"
	MetricSyncLatency  = "SyncLatency"
	MetricSyncConflict = "SyncWriteConflict"
	MetricLedgerPruned = "LedgerPruned"

	DimOutcome   = "Outcome"
	DimEventType = "EventType"

	MetricNamespace = "SubSync"
)
