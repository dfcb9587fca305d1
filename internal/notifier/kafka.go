package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/event"
)

// KafkaNotifier implements Notifier on a Kafka topic. Every instance reads
// every partition from the newest offset, so all of them see all events.
type KafkaNotifier struct {
	logger   *zap.Logger
	topic    string
	role     config.NotifierRole
	producer sarama.SyncProducer
	consumer sarama.Consumer
	// client is owned when the producer and consumer were built from it
	client sarama.Client

	closeOnce sync.Once
}

var _ Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier connects to the brokers in cfg. Producer and consumer are
// only created for the directions role allows.
func NewKafkaNotifier(logger *zap.Logger, cfg config.KafkaConfig, role config.NotifierRole) (*KafkaNotifier, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.ClientID = cfg.ClientID
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version: %w", err)
		}
		kafkaConfig.Version = version
	}
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Net.DialTimeout = 10 * time.Second

	client, err := sarama.NewClient(brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	var (
		producer sarama.SyncProducer
		consumer sarama.Consumer
	)
	if canSend(role) {
		if producer, err = sarama.NewSyncProducerFromClient(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
	}
	if canReceive(role) {
		if consumer, err = sarama.NewConsumerFromClient(client); err != nil {
			if producer != nil {
				_ = producer.Close()
			}
			_ = client.Close()
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
	}
	n := newKafkaNotifier(logger, cfg.Topic, role, producer, consumer)
	n.client = client
	return n, nil
}

func newKafkaNotifier(logger *zap.Logger, topic string, role config.NotifierRole, producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaNotifier {
	return &KafkaNotifier{
		logger:   logger.Named("notifier.kafka"),
		topic:    topic,
		role:     role,
		producer: producer,
		consumer: consumer,
	}
}

// Watch implements Notifier.Watch
func (k *KafkaNotifier) Watch(ctx context.Context) (<-chan *event.ConfigChangeEvent, error) {
	if !k.CanReceive() || k.consumer == nil {
		return nil, cnst.ErrNotReceiver
	}

	partitions, err := k.consumer.Partitions(k.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", k.topic, err)
	}

	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := k.consumer.ConsumePartition(k.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return nil, fmt.Errorf("failed to consume partition %d: %w", p, err)
		}
		pcs = append(pcs, pc)
	}

	ch := make(chan *event.ConfigChangeEvent, watchBuffer)
	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			k.consumePartition(ctx, pc, ch)
		}(pc)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch, nil
}

func (k *KafkaNotifier) consumePartition(ctx context.Context, pc sarama.PartitionConsumer, ch chan<- *event.ConfigChangeEvent) {
	defer func() {
		if err := pc.Close(); err != nil {
			k.logger.Warn("failed to close partition consumer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			ev, err := decodeEvent(msg.Value)
			if err != nil {
				k.logger.Error("failed to decode event",
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			k.logger.Error("kafka consumer error", zap.Error(err))
		}
	}
}

// NotifyUpdate implements Notifier.NotifyUpdate. Events are keyed by
// app:profile:label so one key always lands on one partition, in order.
func (k *KafkaNotifier) NotifyUpdate(_ context.Context, ev *event.ConfigChangeEvent) error {
	if !k.CanSend() || k.producer == nil {
		return cnst.ErrNotSender
	}

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.Key()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}
	k.logger.Debug("change event published",
		zap.String("key", ev.Key()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// CanReceive returns true if the notifier can receive updates
func (k *KafkaNotifier) CanReceive() bool {
	return canReceive(k.role)
}

// CanSend returns true if the notifier can send updates
func (k *KafkaNotifier) CanSend() bool {
	return canSend(k.role)
}

func (k *KafkaNotifier) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		if k.producer != nil {
			errs = append(errs, k.producer.Close())
		}
		if k.consumer != nil {
			errs = append(errs, k.consumer.Close())
		}
		if k.client != nil {
			errs = append(errs, k.client.Close())
		}
	})
	return errors.Join(errs...)
}
