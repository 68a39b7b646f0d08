package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/observark/fluentbridge/pkg/channel"
	fluentModel "github.com/observark/fluentbridge/pkg/fluent/model"
	"gopkg.in/yaml.v3"
)

const (
	TimestampModeUnix      = "unix"
	TimestampModeEventTime = "event_time"

	OverflowPolicyBlock      = "block"
	OverflowPolicyDropNewest = "drop_newest"
	OverflowPolicyDropOldest = "drop_oldest"
)

// BackoffConfig controls the forwarder's reconnect behavior.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" envconfig:"BACKOFF_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" envconfig:"BACKOFF_MAX_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" envconfig:"BACKOFF_MULTIPLIER"`
	// MaxRetries bounds connection attempts per reconnect cycle;
	// 0 means retry forever.
	MaxRetries uint64 `yaml:"max_retries" envconfig:"BACKOFF_MAX_RETRIES"`
}

// Config is the construction-time configuration surface of the pipeline.
type Config struct {
	Host                string        `yaml:"host" envconfig:"HOST"`
	Port                int           `yaml:"port" envconfig:"PORT"`
	TagPrefix           string        `yaml:"tag_prefix" envconfig:"TAG_PREFIX"`
	TimestampMode       string        `yaml:"timestamp_mode" envconfig:"TIMESTAMP_MODE"`
	Flatten             bool          `yaml:"flatten" envconfig:"FLATTEN"`
	ChannelCapacity     int           `yaml:"channel_capacity" envconfig:"CHANNEL_CAPACITY"`
	OverflowPolicy      string        `yaml:"overflow_policy" envconfig:"OVERFLOW_POLICY"`
	BlockTimeout        time.Duration `yaml:"block_timeout" envconfig:"BLOCK_TIMEOUT"`
	MaxBatchSize        int           `yaml:"max_batch_size" envconfig:"MAX_BATCH_SIZE"`
	DialTimeout         time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	WriteTimeout        time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	Backoff             BackoffConfig `yaml:"backoff"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" envconfig:"SHUTDOWN_GRACE_PERIOD"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing configuration file %q: %w", path, err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// FromEnv reads configuration from FLUENTBRIDGE_-prefixed environment
// variables, applies defaults and validates the result.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("FLUENTBRIDGE", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields. The connection defaults
// mirror the conventional local fluentd endpoint.
func ApplyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 24224
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = "app"
	}
	if cfg.TimestampMode == "" {
		cfg.TimestampMode = TimestampModeUnix
	}
	if cfg.ChannelCapacity == 0 {
		cfg.ChannelCapacity = 1024
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowPolicyBlock
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 250 * time.Millisecond
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Backoff.InitialInterval == 0 {
		cfg.Backoff.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Backoff.MaxInterval == 0 {
		cfg.Backoff.MaxInterval = 30 * time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2.0
	}
	if cfg.ShutdownGracePeriod == 0 {
		cfg.ShutdownGracePeriod = 5 * time.Second
	}
}

// Validate checks the configuration for values the pipeline cannot run
// with.
func Validate(cfg *Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}
	if cfg.TagPrefix == "" {
		return fmt.Errorf("tag prefix must not be empty")
	}
	if cfg.TimestampMode != TimestampModeUnix && cfg.TimestampMode != TimestampModeEventTime {
		return fmt.Errorf("unknown timestamp mode %q", cfg.TimestampMode)
	}
	if cfg.ChannelCapacity <= 0 {
		return fmt.Errorf("channel capacity must be positive, got %d", cfg.ChannelCapacity)
	}
	switch cfg.OverflowPolicy {
	case OverflowPolicyBlock, OverflowPolicyDropNewest, OverflowPolicyDropOldest:
	default:
		return fmt.Errorf("unknown overflow policy %q", cfg.OverflowPolicy)
	}
	if cfg.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive, got %d", cfg.MaxBatchSize)
	}
	if cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %f", cfg.Backoff.Multiplier)
	}
	return nil
}

// WireTimestampMode maps the configured mode string onto the encoder's
// timestamp mode. Call Validate first.
func (c *Config) WireTimestampMode() fluentModel.TimestampMode {
	if c.TimestampMode == TimestampModeEventTime {
		return fluentModel.EventTime
	}
	return fluentModel.UnixSeconds
}

// ChannelOverflowPolicy maps the configured policy string onto the
// channel's overflow policy. Call Validate first.
func (c *Config) ChannelOverflowPolicy() channel.OverflowPolicy {
	switch c.OverflowPolicy {
	case OverflowPolicyDropNewest:
		return channel.DropNewest
	case OverflowPolicyDropOldest:
		return channel.DropOldest
	default:
		return channel.Block
	}
}
