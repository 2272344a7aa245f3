package queue

import (
	"context"
	"log/slog"

	"subsync/internal/types"
)

// LogPublisher records effects in the service log only.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Notify(ctx context.Context, effect types.Effect) error {
	p.logger.InfoContext(ctx, "subscription effect",
		"effect", string(effect.Kind),
		"account_id", effect.AccountID,
		"event_id", effect.EventID,
		"status", string(effect.Subscription.Status),
		"plan_id", string(effect.Subscription.PlanID),
	)
	return nil
}
