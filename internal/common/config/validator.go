package config

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in a config file
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString("\n\n")
	for _, f := range e.Fields {
		sb.WriteString("--> ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Validate checks a config after defaults have been applied
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Port < 0 || c.Port > 65535 {
		add("port: %d is out of range", c.Port)
	}
	if c.Heartbeat.Jitter < 0 || c.Heartbeat.Jitter >= 1 {
		add("heartbeat.jitter: %v must be in [0, 1)", c.Heartbeat.Jitter)
	}
	if c.Heartbeat.Timeout > c.Heartbeat.Interval {
		add("heartbeat.timeout: %s exceeds heartbeat.interval %s", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Session.RateLimit < 0 {
		add("session.rate_limit: %v must not be negative", c.Session.RateLimit)
	}

	switch c.Source.Type {
	case SourceMemory:
	case SourceFile:
		if c.Source.File.Dir == "" {
			add("source.file.dir: required for file source")
		}
	default:
		add("source.type: unknown type %q", c.Source.Type)
	}

	switch NotifierRole(c.Notifier.Role) {
	case RoleReceiver, RoleSender, RoleBoth:
	default:
		add("notifier.role: unknown role %q", c.Notifier.Role)
	}
	switch c.Notifier.Type {
	case NotifierNone:
	case NotifierRedis:
		if c.Notifier.Redis.Addr == "" {
			add("notifier.redis.addr: required for redis notifier")
		}
	case NotifierKafka:
		if len(c.Notifier.Kafka.BrokerList()) == 0 {
			add("notifier.kafka.brokers: required for kafka notifier")
		}
	case NotifierComposite:
		if c.Notifier.Redis.Addr == "" && len(c.Notifier.Kafka.BrokerList()) == 0 {
			add("notifier: composite requires redis.addr or kafka.brokers")
		}
	default:
		add("notifier.type: unknown type %q", c.Notifier.Type)
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Message: "invalid configuration", Fields: problems}
}
