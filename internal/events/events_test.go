package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/autopool/internal/logging"
	"github.com/congo-pay/autopool/internal/metrics"
)

func TestKafkaPublisherSendsBatch(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.Kind != KindPlacementCompleted || e.Key != "alice" {
			return errors.New("unexpected event")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	pub := NewKafkaPublisher(producer, "autopool.events")
	err := pub.Publish(context.Background(),
		New(KindPlacementCompleted, "alice", map[string]any{"position": 2}),
		New(KindLevelPaid, "root", map[string]any{"level": 1}),
	)
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, ...Event) error {
	f.calls++
	return errors.New("broker down")
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	pub := &failingPublisher{}
	d := NewDispatcher(pub, metrics.New(), logging.Discard())

	require.NotPanics(t, func() {
		d.Emit(context.Background(), New(KindLevelBlocked, "bob", nil))
	})
	require.Equal(t, 1, pub.calls)

	var nilDispatcher *Dispatcher
	require.NotPanics(t, func() { nilDispatcher.Emit(context.Background(), New(KindLevelPaid, "x", nil)) })
}

func TestLoggerPublisher(t *testing.T) {
	require.NoError(t, NewLoggerPublisher(logging.Discard()).Publish(context.Background(), New(KindDepositCredited, "a", nil)))
}
