package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/event"
	"github.com/amoylab/cfgstream/pkg/utils"
)

const (
	// streamMaxLen bounds the stream; readers that fall further behind lose events
	streamMaxLen = 1000
	readBlock    = time.Second
)

// RedisNotifier implements Notifier using Redis streams
type RedisNotifier struct {
	logger     *zap.Logger
	client     redis.UniversalClient
	streamName string
	role       config.NotifierRole
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a new Redis-based notifier
func NewRedisNotifier(logger *zap.Logger, cfg config.RedisConfig, role config.NotifierRole) (*RedisNotifier, error) {
	addrs := utils.SplitList(cfg.Addr)
	redisOptions := &redis.UniversalOptions{
		Addrs:    addrs,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		redisOptions.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		redisOptions.DB = cfg.DB
	}
	client := redis.NewUniversalClient(redisOptions)

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisNotifier{
		logger:     logger.Named("notifier.redis"),
		client:     client,
		streamName: cfg.Stream,
		role:       role,
	}, nil
}

// Watch implements Notifier.Watch
func (r *RedisNotifier) Watch(ctx context.Context) (<-chan *event.ConfigChangeEvent, error) {
	if !r.CanReceive() {
		return nil, cnst.ErrNotReceiver
	}

	ch := make(chan *event.ConfigChangeEvent, watchBuffer)

	go func() {
		defer close(ch)

		// $ reads only entries added after the first XREAD
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// XREAD instead of XREADGROUP so every instance sees every event
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.streamName, lastID},
				Count:   16,
				Block:   readBlock,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					r.logger.Error("failed to read from stream", zap.Error(err))
					time.Sleep(readBlock)
				}
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					lastID = message.ID

					raw, ok := message.Values["event"].(string)
					if !ok {
						r.logger.Warn("stream entry without event payload",
							zap.String("messageID", message.ID))
						continue
					}
					ev, err := decodeEvent([]byte(raw))
					if err != nil {
						r.logger.Error("failed to decode event",
							zap.String("messageID", message.ID),
							zap.Error(err))
						continue
					}
					select {
					case ch <- ev:
						r.logger.Debug("change event received",
							zap.String("messageID", message.ID),
							zap.String("key", ev.Key()),
							zap.String("version", ev.Version))
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// NotifyUpdate implements Notifier.NotifyUpdate
func (r *RedisNotifier) NotifyUpdate(ctx context.Context, ev *event.ConfigChangeEvent) error {
	if !r.CanSend() {
		return cnst.ErrNotSender
	}

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		MaxLen: streamMaxLen,
		Values: map[string]interface{}{
			"event":     string(data),
			"key":       ev.Key(),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// CanReceive returns true if the notifier can receive updates
func (r *RedisNotifier) CanReceive() bool {
	return canReceive(r.role)
}

// CanSend returns true if the notifier can send updates
func (r *RedisNotifier) CanSend() bool {
	return canSend(r.role)
}

func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
