package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/herald/internal/escalation"
	"github.com/foxzi/herald/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig                  `yaml:"server"`
	API        APIConfig                     `yaml:"api"`
	Storage    StorageConfig                 `yaml:"storage"`
	Queue      QueueConfig                   `yaml:"queue"`
	Escalation EscalationConfig              `yaml:"escalation"`
	Directory  map[string]escalation.Contact `yaml:"directory"` // role -> fallback contact
	Channels   ChannelsConfig                `yaml:"channels"`
	RateLimit  RateLimitConfig               `yaml:"rate_limit"`
	Ingest     IngestConfig                  `yaml:"ingest"`
	Logging    LoggingConfig                 `yaml:"logging"`
	Metrics    MetricsConfig                 `yaml:"metrics"`
	Tracing    TracingConfig                 `yaml:"tracing"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Name            string        `yaml:"name"`             // Instance name used in logs and traces
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`      // Plain key
	APIKeyHash     string        `yaml:"api_key_hash"` // bcrypt hash, preferred over api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustProxy     bool          `yaml:"trust_proxy"` // Honor X-Forwarded-For for allowed_ips
	CORSOrigins    []string      `yaml:"cors_origins"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS for the API, from PEM files or ACME
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email"`
	Domains       []string `yaml:"domains"`
	CacheDir      string   `yaml:"cache_dir"`
	ChallengeAddr string   `yaml:"challenge_addr"` // HTTP-01 listener, default :80
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls removal of finished queue items
type RetentionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // Delete sent/failed/cancelled items older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// QueueConfig contains delivery processor settings
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	LeaseTimeout    time.Duration `yaml:"lease_timeout"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// Re-trigger policies for an escalation rule that already has an active chain
const (
	RetriggerSkip       = "skip"
	RetriggerReschedule = "reschedule"
)

// EscalationConfig contains escalation chain settings
type EscalationConfig struct {
	Retrigger string `yaml:"retrigger"` // skip or reschedule
}

// ChannelsConfig contains per-channel transport settings.
// A channel without configuration is not registered.
type ChannelsConfig struct {
	Email *EmailConfig `yaml:"email,omitempty"`
	SMS   *SMSConfig   `yaml:"sms,omitempty"`
	Push  *PushConfig  `yaml:"push,omitempty"`
	InApp *InAppConfig `yaml:"in_app,omitempty"`
}

// EmailConfig contains SMTP relay settings
type EmailConfig struct {
	Addr               string        `yaml:"addr"`     // host:port of the relay
	TLSMode            string        `yaml:"tls_mode"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	HeloName           string        `yaml:"helo_name"`
	Timeout            time.Duration `yaml:"timeout"`
	DKIM               *DKIMConfig   `yaml:"dkim,omitempty"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SMSConfig contains SMS gateway settings
type SMSConfig struct {
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	SenderID string        `yaml:"sender_id"`
	Timeout  time.Duration `yaml:"timeout"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// PushConfig contains push gateway settings
type PushConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker of an HTTP provider
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  uint32        `yaml:"min_requests"`
}

// InAppConfig contains Redis inbox settings
type InAppConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	InboxSize     int           `yaml:"inbox_size"`
	TTL           time.Duration `yaml:"ttl"`
}

// RateLimitConfig contains outbound throttling settings
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// IngestConfig contains broker consumer settings
type IngestConfig struct {
	AMQP  *AMQPConfig  `yaml:"amqp,omitempty"`
	Kafka *KafkaConfig `yaml:"kafka,omitempty"`
}

// AMQPConfig contains RabbitMQ consumer settings
type AMQPConfig struct {
	URL        string        `yaml:"url"`
	Exchange   string        `yaml:"exchange"`
	Queue      string        `yaml:"queue"`
	RoutingKey string        `yaml:"routing_key"`
	Prefetch   int           `yaml:"prefetch"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// KafkaConfig contains Kafka consumer settings
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"group_id"`
	MinBytes int      `yaml:"min_bytes"`
	MaxBytes int      `yaml:"max_bytes"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC collector, default localhost:4317
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load loads configuration from a YAML file. A .env file next to it
// is loaded first.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands ${VAR} references, then parses, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references only, so bcrypt hashes keep their $ signs
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		hostname, _ := os.Hostname()
		c.Server.Name = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 1 << 20
	}
	if c.API.TLS.ACME.Enabled && c.API.TLS.ACME.ChallengeAddr == "" {
		c.API.TLS.ACME.ChallengeAddr = ":80"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/herald/herald.db"
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BaseBackoff == 0 {
		c.Queue.BaseBackoff = time.Minute
	}
	if c.Queue.MaxBackoff == 0 {
		c.Queue.MaxBackoff = time.Hour
	}
	if c.Queue.LeaseTimeout == 0 {
		c.Queue.LeaseTimeout = 5 * time.Minute
	}
	if c.Queue.SendTimeout == 0 {
		c.Queue.SendTimeout = 30 * time.Second
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = 5 * time.Second
	}

	if c.Escalation.Retrigger == "" {
		c.Escalation.Retrigger = RetriggerSkip
	}

	if e := c.Channels.Email; e != nil {
		if e.TLSMode == "" {
			e.TLSMode = "starttls"
		}
		if e.Timeout == 0 {
			e.Timeout = 30 * time.Second
		}
	}
	if a := c.Channels.InApp; a != nil {
		if a.InboxSize == 0 {
			a.InboxSize = 100
		}
		if a.TTL == 0 {
			a.TTL = 30 * 24 * time.Hour
		}
	}

	if a := c.Ingest.AMQP; a != nil {
		if a.Queue == "" {
			a.Queue = "herald.events"
		}
		if a.Prefetch == 0 {
			a.Prefetch = 16
		}
		if a.RetryDelay == 0 {
			a.RetryDelay = 5 * time.Second
		}
	}
	if k := c.Ingest.Kafka; k != nil {
		if k.GroupID == "" {
			k.GroupID = "herald"
		}
		if k.MinBytes == 0 {
			k.MinBytes = 1
		}
		if k.MaxBytes == 0 {
			k.MaxBytes = 10 << 20
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "herald"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 0.1
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key or api.api_key_hash is required")
	}

	if err := c.API.TLS.validate(); err != nil {
		return err
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.BaseBackoff > c.Queue.MaxBackoff {
		return fmt.Errorf("queue.base_backoff must not exceed queue.max_backoff")
	}

	if c.Escalation.Retrigger != RetriggerSkip && c.Escalation.Retrigger != RetriggerReschedule {
		return fmt.Errorf("invalid escalation.retrigger: %s (must be skip or reschedule)", c.Escalation.Retrigger)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "file": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging.output: %s (must be stdout, file, or both)", c.Logging.Output)
	}
	if c.Logging.Output != "stdout" && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when logging.output is %s", c.Logging.Output)
	}

	if err := c.validateChannels(); err != nil {
		return err
	}

	return c.validateIngest()
}

func (c *Config) validateChannels() error {
	if e := c.Channels.Email; e != nil {
		if e.Addr == "" {
			return fmt.Errorf("channels.email.addr is required")
		}
		if e.From == "" {
			return fmt.Errorf("channels.email.from is required")
		}
		switch e.TLSMode {
		case "none", "starttls", "tls":
		default:
			return fmt.Errorf("invalid channels.email.tls_mode: %s (must be none, starttls, or tls)", e.TLSMode)
		}
		if d := e.DKIM; d != nil && (d.Domain == "" || d.Selector == "" || d.KeyFile == "") {
			return fmt.Errorf("channels.email.dkim requires domain, selector and key_file")
		}
	}

	if s := c.Channels.SMS; s != nil && s.URL == "" {
		return fmt.Errorf("channels.sms.url is required")
	}
	if p := c.Channels.Push; p != nil && p.URL == "" {
		return fmt.Errorf("channels.push.url is required")
	}
	if a := c.Channels.InApp; a != nil && a.RedisAddr == "" {
		return fmt.Errorf("channels.in_app.redis_addr is required")
	}

	return nil
}

func (t *TLSConfig) validate() error {
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if !t.ACME.Enabled {
		return nil
	}
	if t.CertFile != "" {
		return fmt.Errorf("api.tls.acme cannot be combined with cert_file")
	}
	if len(t.ACME.Domains) == 0 {
		return fmt.Errorf("api.tls.acme.domains is required")
	}
	if t.ACME.CacheDir == "" {
		return fmt.Errorf("api.tls.acme.cache_dir is required")
	}
	return nil
}

func (c *Config) validateIngest() error {
	if a := c.Ingest.AMQP; a != nil && a.URL == "" {
		return fmt.Errorf("ingest.amqp.url is required")
	}
	if k := c.Ingest.Kafka; k != nil {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("ingest.kafka.brokers must not be empty")
		}
		if k.Topic == "" {
			return fmt.Errorf("ingest.kafka.topic is required")
		}
	}
	return nil
}
