package cnst

import "errors"

var (
	// ErrNotReceiver is returned when Watch is called on a send-only notifier
	ErrNotReceiver = errors.New("notifier cannot receive updates")
	// ErrNotSender is returned when NotifyUpdate is called on a receive-only notifier
	ErrNotSender = errors.New("notifier cannot send updates")
	// ErrConfigNotFound is returned by config sources for unknown app:profile:label keys
	ErrConfigNotFound = errors.New("config not found")
	// ErrReadOnlySource is returned when publishing through a source that cannot be updated
	ErrReadOnlySource = errors.New("config source is read-only")
)

// Redis deployment types accepted by notifier.redis.cluster_type
const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
)
