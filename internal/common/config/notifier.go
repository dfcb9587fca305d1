package config

import "github.com/amoylab/cfgstream/pkg/utils"

const (
	NotifierNone      = "none"
	NotifierRedis     = "redis"
	NotifierKafka     = "kafka"
	NotifierComposite = "composite"

	SourceMemory = "memory"
	SourceFile   = "file"
)

type (
	// NotifierConfig represents the configuration for notifier
	NotifierConfig struct {
		Role  string      `yaml:"role"` // receiver, sender, or both
		Type  string      `yaml:"type"` // none, redis, kafka or composite (redis + kafka)
		Redis RedisConfig `yaml:"redis"`
		Kafka KafkaConfig `yaml:"kafka"`
	}

	// RedisConfig represents the configuration for the Redis stream notifier
	RedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, sentinel or cluster
		Addr        string `yaml:"addr"`         // comma separated for cluster
		MasterName  string `yaml:"master_name"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		Stream      string `yaml:"stream"`
	}

	// KafkaConfig represents the configuration for the Kafka notifier
	KafkaConfig struct {
		Brokers  string `yaml:"brokers"` // comma or semicolon separated
		Topic    string `yaml:"topic"`
		ClientID string `yaml:"client_id"`
		Version  string `yaml:"version"` // e.g. 3.6.0, empty for the client default
	}
)

// BrokerList splits Brokers and drops empty entries
func (k KafkaConfig) BrokerList() []string {
	return utils.SplitList(k.Brokers)
}

// NotifierRole represents the role of a notifier
type NotifierRole string

const (
	// RoleReceiver represents a notifier that can only receive updates
	RoleReceiver NotifierRole = "receiver"
	// RoleSender represents a notifier that can only send updates
	RoleSender NotifierRole = "sender"
	// RoleBoth represents a notifier that can both send and receive updates
	RoleBoth NotifierRole = "both"
)
