// Package queue publishes subscription effects to downstream consumers over
// SQS, Kafka or a signed HTTP webhook, or just logs them for local runs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"subsync/internal/config"
	"subsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each effect as one JSON message to the notification
// queue. On FIFO queues messages are grouped per account and deduplicated
// per event and effect kind.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSPublisher creates an SQSPublisher for awsCfg.NotificationQueue.
func NewSQSPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{
		client:   client,
		queueURL: awsCfg.NotificationQueue,
		logger:   logger,
	}
}

// Notify implements billing.Notifier.
func (p *SQSPublisher) Notify(ctx context.Context, effect types.Effect) error {
	body, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal effect: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"effect_kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(effect.Kind)),
			},
		},
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(effect.AccountID)
		input.MessageDeduplicationId = aws.String(effect.EventID + ":" + string(effect.Kind))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send effect to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "effect published",
		"queue_url", p.queueURL,
		"effect", string(effect.Kind),
		"account_id", effect.AccountID,
		"event_id", effect.EventID,
	)
	return nil
}
