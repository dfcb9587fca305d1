package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/config"
)

// NewNotifier creates the notifier selected by cfg.Type. It returns nil
// without error for type "none".
func NewNotifier(ctx context.Context, logger *zap.Logger, cfg *config.NotifierConfig) (Notifier, error) {
	role := config.NotifierRole(cfg.Role)
	if role == "" {
		role = config.RoleReceiver
	}
	logger.Info("Initializing notifier",
		zap.String("type", cfg.Type),
		zap.String("role", string(role)))

	switch cfg.Type {
	case config.NotifierNone, "":
		return nil, nil
	case config.NotifierRedis:
		return NewRedisNotifier(logger, cfg.Redis, role)
	case config.NotifierKafka:
		return NewKafkaNotifier(logger, cfg.Kafka, role)
	case config.NotifierComposite:
		redisNotifier, err := NewRedisNotifier(logger, cfg.Redis, role)
		if err != nil {
			return nil, err
		}
		kafkaNotifier, err := NewKafkaNotifier(logger, cfg.Kafka, role)
		if err != nil {
			_ = redisNotifier.Close()
			return nil, err
		}
		return NewCompositeNotifier(ctx, logger, redisNotifier, kafkaNotifier), nil
	default:
		return nil, fmt.Errorf("unknown notifier type: %s", cfg.Type)
	}
}
