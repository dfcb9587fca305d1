package config

import (
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amoylab/cfgstream/internal/heartbeat"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/pkg/helper"
	"github.com/amoylab/cfgstream/pkg/trace"
)

// DefaultFile is the config file name looked up by GetCfgPath
const DefaultFile = "cfgstream.yaml"

type (
	// Config is the root of cfgstream.yaml
	Config struct {
		Port         int              `yaml:"port"`
		PID          string           `yaml:"pid"`
		DefaultLabel string           `yaml:"default_label"`
		Logger       LoggerConfig     `yaml:"logger"`
		Heartbeat    heartbeat.Config `yaml:"heartbeat"`
		Session      SessionConfig    `yaml:"session"`
		Broadcast    BroadcastConfig  `yaml:"broadcast"`
		History      HistoryConfig    `yaml:"history"`
		Shutdown     ShutdownConfig   `yaml:"shutdown"`
		Source       SourceConfig     `yaml:"source"`
		Notifier     NotifierConfig   `yaml:"notifier"`
		Metrics      MetricsConfig    `yaml:"metrics"`
		Tracing      trace.Config     `yaml:"tracing"`
	}

	// SessionConfig controls every client connection
	SessionConfig struct {
		QueueSize      int           `yaml:"queue_size"`      // outbound frames buffered per connection
		WriteTimeout   time.Duration `yaml:"write_timeout"`   // deadline for a single frame write
		MaxMessageSize int64         `yaml:"max_message_size"` // largest inbound frame in bytes
		ReconnectDelay time.Duration `yaml:"reconnect_delay"` // hint sent with connection_closing
		RateLimit      float64       `yaml:"rate_limit"`      // inbound messages per second, 0 disables
		RateBurst      int           `yaml:"rate_burst"`
		RequireToken   bool          `yaml:"require_token"`
	}

	// BroadcastConfig sizes the event backbone
	BroadcastConfig struct {
		BufferSize int `yaml:"buffer_size"`
	}

	// HistoryConfig bounds the per-key version log
	HistoryConfig struct {
		history.Config `yaml:",inline"`
		PruneInterval  time.Duration `yaml:"prune_interval"`
	}

	ShutdownConfig struct {
		GracePeriod time.Duration `yaml:"grace_period"`
	}

	// SourceConfig selects where initial snapshots come from
	SourceConfig struct {
		Type string           `yaml:"type"` // memory or file
		File FileSourceConfig `yaml:"file"`
	}

	FileSourceConfig struct {
		Dir string `yaml:"dir"`
	}

	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Path      string    `yaml:"path"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}
)

// Default returns a config with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 5335
	}
	if c.DefaultLabel == "" {
		c.DefaultLabel = "main"
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = heartbeat.DefaultInterval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = heartbeat.DefaultTimeout
	}
	if c.Heartbeat.Jitter == 0 {
		c.Heartbeat.Jitter = heartbeat.DefaultJitter
	}

	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = 64
	}
	if c.Session.WriteTimeout <= 0 {
		c.Session.WriteTimeout = 10 * time.Second
	}
	if c.Session.MaxMessageSize <= 0 {
		c.Session.MaxMessageSize = 64 << 10
	}
	if c.Session.ReconnectDelay <= 0 {
		c.Session.ReconnectDelay = time.Second
	}
	if c.Session.RateBurst <= 0 {
		c.Session.RateBurst = 20
	}

	if c.Broadcast.BufferSize <= 0 {
		c.Broadcast.BufferSize = 256
	}

	if c.History.MaxAge <= 0 {
		c.History.MaxAge = history.DefaultMaxAge
	}
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = history.DefaultMaxEntries
	}
	if c.History.PruneInterval <= 0 {
		c.History.PruneInterval = history.DefaultPruneInterval
	}

	if c.Shutdown.GracePeriod <= 0 {
		c.Shutdown.GracePeriod = 5 * time.Second
	}

	if c.Source.Type == "" {
		c.Source.Type = SourceMemory
	}

	if c.Notifier.Role == "" {
		c.Notifier.Role = string(RoleReceiver)
	}
	if c.Notifier.Type == "" {
		c.Notifier.Type = NotifierNone
	}
	if c.Notifier.Redis.Stream == "" {
		c.Notifier.Redis.Stream = "cfgstream:changes"
	}
	if c.Notifier.Kafka.Topic == "" {
		c.Notifier.Kafka.Topic = "cfgstream-changes"
	}
	if c.Notifier.Kafka.ClientID == "" {
		c.Notifier.Kafka.ClientID = "cfgstream"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "cfgstream"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "cfgstream"
	}
}

// LoadConfig loads configuration from a YAML file with environment variable
// support, then applies defaults and validates the result
func LoadConfig(filename string) (*Config, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return &cfg, cfgPath, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
