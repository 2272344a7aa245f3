package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"subsync/internal/types"
)

func TestKafkaPublisher_PublishesEffect(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e types.Effect
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Kind != types.EffectSubscriptionPastDue || e.AccountID != "acct_1" {
			return errors.New("unexpected effect payload")
		}
		return nil
	})

	pub := NewKafkaPublisher(producer, "subscription-effects", nil)
	if err := pub.Notify(context.Background(), testEffect()); err != nil {
		t.Fatalf("Notify returned unexpected error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close returned unexpected error: %v", err)
	}
}

func TestKafkaPublisher_SendError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisher(producer, "subscription-effects", nil)
	err := pub.Notify(context.Background(), testEffect())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	_ = pub.Close()
}

func TestLogPublisher_NeverFails(t *testing.T) {
	if err := NewLogPublisher(nil).Notify(context.Background(), testEffect()); err != nil {
		t.Fatalf("Notify returned unexpected error: %v", err)
	}
}
