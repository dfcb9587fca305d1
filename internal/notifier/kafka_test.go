package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/common/config"
)

const testTopic = "cfgstream-changes"

func TestKafkaNotifier_NotifyUpdate(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testTopic {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "payment:prod:main" {
			return errors.New("unexpected key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		ev, err := decodeEvent(value)
		if err != nil {
			return err
		}
		if ev.Version != "v1" {
			return errors.New("unexpected version " + ev.Version)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := newKafkaNotifier(zap.NewNop(), testTopic, config.RoleSender, producer, nil)
	assert.NoError(t, n.NotifyUpdate(context.Background(), sampleEvent("v1", 8080)))

	err := n.NotifyUpdate(context.Background(), sampleEvent("v2", 9090))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	_, err = n.Watch(context.Background())
	assert.ErrorIs(t, err, cnst.ErrNotReceiver)

	require.NoError(t, n.Close())
}

func TestKafkaNotifier_Watch(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{testTopic: {0, 1}})

	data, err := encodeEvent(sampleEvent("v1", 8080))
	require.NoError(t, err)

	pc0 := consumer.ExpectConsumePartition(testTopic, 0, sarama.OffsetNewest)
	pc0.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Partition: 0, Value: []byte("junk")})
	pc0.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Partition: 0, Value: data})
	consumer.ExpectConsumePartition(testTopic, 1, sarama.OffsetNewest)

	n := newKafkaNotifier(zap.NewNop(), testTopic, config.RoleReceiver, nil, consumer)
	assert.ErrorIs(t, n.NotifyUpdate(context.Background(), sampleEvent("v1", 1)), cnst.ErrNotSender)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := n.Watch(ctx)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "payment:prod:main", ev.Key())
		assert.Equal(t, "v1", ev.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no event consumed")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel did not close")
	}
}

func TestNewKafkaNotifier_Validation(t *testing.T) {
	_, err := NewKafkaNotifier(zap.NewNop(), config.KafkaConfig{Topic: testTopic}, config.RoleBoth)
	assert.Error(t, err)

	_, err = NewKafkaNotifier(zap.NewNop(), config.KafkaConfig{Brokers: "localhost:9092", Topic: testTopic, Version: "not-a-version"}, config.RoleBoth)
	assert.Error(t, err)
}
