package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid marks configuration that parsed but cannot run.
var ErrInvalid = errors.New("invalid configuration")

// Role selects which handler a process runs.
type Role string

const (
	RoleCopier  Role = "copier"
	RoleUsage   Role = "usage"
	RoleSweeper Role = "sweeper"
)

// Transport values for the completion (logging) channel.
const (
	TransportSQS   = "sqs"
	TransportKafka = "kafka"
)

// Storage providers.
const (
	ProviderS3    = "s3"
	ProviderMinio = "minio"
)

// Config captures the full runtime configuration of a replicator process.
type Config struct {
	App     AppConfig
	Buckets BucketConfig
	Storage StorageConfig
	Queues  QueueConfig
	Kafka   KafkaConfig
	SQS     SQSConfig
	Batch   BatchConfig
	Retry   RetryConfig
	Usage   UsageConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

type AppConfig struct {
	Name     string `env:"APP_NAME" envDefault:"bucket-replicator"`
	Role     Role   `env:"APP_ROLE" envDefault:"copier"`
	LogLevel string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type BucketConfig struct {
	Destination string `env:"DESTINATION_BUCKET_NAME,notEmpty"`
	Source      string `env:"SOURCE_BUCKET_NAME"`
	// EphemeralMarker is the key substring that makes an object evictable.
	EphemeralMarker string `env:"EPHEMERAL_MARKER" envDefault:"temp"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"s3"`
	Endpoint  string `env:"STORAGE_ENDPOINT"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"true"`
	PathStyle bool   `env:"STORAGE_PATH_STYLE" envDefault:"false"`
}

type QueueConfig struct {
	CopierURL  string `env:"COPIER_QUEUE_URL"`
	LogURL     string `env:"LOG_QUEUE_URL"`
	CleanerURL string `env:"CLEANER_QUEUE_URL"`
	// CompletionTransport carries completion events from copier to usage logger.
	CompletionTransport string `env:"COMPLETION_TRANSPORT" envDefault:"sqs"`
}

type KafkaConfig struct {
	Brokers         []string `env:"KAFKA_BROKERS" envSeparator:","`
	CompletionTopic string   `env:"KAFKA_COMPLETION_TOPIC" envDefault:"replicator.completions"`
	GroupID         string   `env:"KAFKA_GROUP_ID" envDefault:"replicator-usage"`
}

type SQSConfig struct {
	WaitTimeSeconds   int32 `env:"SQS_WAIT_TIME_SECONDS" envDefault:"20"`
	MaxMessages       int32 `env:"SQS_MAX_MESSAGES" envDefault:"10"`
	VisibilityTimeout int32 `env:"SQS_VISIBILITY_TIMEOUT" envDefault:"50"`
	Pollers           int   `env:"SQS_POLLERS" envDefault:"1"`
	BufferSize        int   `env:"SQS_BUFFER_SIZE" envDefault:"64"`
	// FailVisibilityTimeout < 0 leaves failed messages to the queue's own timeout.
	FailVisibilityTimeout int32 `env:"SQS_FAIL_VISIBILITY_TIMEOUT" envDefault:"-1"`
	// LeaseRenewEvery is how often a batch in flight gets VisibilityTimeout
	// reapplied. Zero renews at half the visibility timeout.
	LeaseRenewEvery time.Duration `env:"SQS_LEASE_RENEW_EVERY" envDefault:"20s"`
}

type BatchConfig struct {
	MaxItems       int           `env:"BATCH_MAX_ITEMS" envDefault:"1"`
	FlushInterval  time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"1s"`
	HandlerTimeout time.Duration `env:"BATCH_HANDLER_TIMEOUT" envDefault:"45s"`
}

type RetryConfig struct {
	Attempts        int           `env:"ACK_RETRY_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"ACK_RETRY_INITIAL_INTERVAL" envDefault:"100ms"`
	MaxInterval     time.Duration `env:"ACK_RETRY_MAX_INTERVAL" envDefault:"2s"`
}

type UsageConfig struct {
	// AlarmThresholdBytes > 0 enables the over-threshold warning and gauge.
	AlarmThresholdBytes int64 `env:"USAGE_ALARM_THRESHOLD_BYTES" envDefault:"0"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9102"`
}

type TracingConfig struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
}

// Load parses the process environment into Config and validates it.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the role-specific requirements env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.App.Role {
	case RoleCopier:
		if c.Queues.CopierURL == "" {
			add("COPIER_QUEUE_URL is required for role %s", c.App.Role)
		}
	case RoleUsage:
	case RoleSweeper:
		if c.Queues.CleanerURL == "" {
			add("CLEANER_QUEUE_URL is required for role %s", c.App.Role)
		}
	default:
		add("unknown APP_ROLE %q", c.App.Role)
	}

	if c.App.Role == RoleCopier || c.App.Role == RoleUsage {
		switch c.Queues.CompletionTransport {
		case TransportSQS:
			if c.Queues.LogURL == "" {
				add("LOG_QUEUE_URL is required for role %s with sqs transport", c.App.Role)
			}
		case TransportKafka:
			if len(c.Kafka.Brokers) == 0 {
				add("KAFKA_BROKERS is required with kafka transport")
			}
			if c.Kafka.CompletionTopic == "" {
				add("KAFKA_COMPLETION_TOPIC is required with kafka transport")
			}
			if c.App.Role == RoleUsage && c.Kafka.GroupID == "" {
				add("KAFKA_GROUP_ID is required for role usage with kafka transport")
			}
		default:
			add("unknown COMPLETION_TRANSPORT %q", c.Queues.CompletionTransport)
		}
	}

	switch c.Storage.Provider {
	case ProviderS3:
	case ProviderMinio:
		if c.Storage.Endpoint == "" {
			add("STORAGE_ENDPOINT is required for provider minio")
		}
	default:
		add("unknown STORAGE_PROVIDER %q", c.Storage.Provider)
	}

	if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > 20 {
		add("SQS_WAIT_TIME_SECONDS must be between 0 and 20")
	}
	if c.SQS.MaxMessages < 1 || c.SQS.MaxMessages > 10 {
		add("SQS_MAX_MESSAGES must be between 1 and 10")
	}
	if c.SQS.VisibilityTimeout < 0 {
		add("SQS_VISIBILITY_TIMEOUT must be >= 0")
	}
	if c.SQS.LeaseRenewEvery < 0 {
		add("SQS_LEASE_RENEW_EVERY must be >= 0")
	} else if c.SQS.VisibilityTimeout > 0 && c.SQS.LeaseRenewEvery >= time.Duration(c.SQS.VisibilityTimeout)*time.Second {
		add("SQS_LEASE_RENEW_EVERY must be shorter than SQS_VISIBILITY_TIMEOUT")
	}
	if c.SQS.Pollers < 1 {
		add("SQS_POLLERS must be at least 1")
	}
	if c.SQS.BufferSize < 1 {
		add("SQS_BUFFER_SIZE must be at least 1")
	}
	if c.Batch.MaxItems < 1 {
		add("BATCH_MAX_ITEMS must be at least 1")
	}
	if c.Batch.FlushInterval <= 0 {
		add("BATCH_FLUSH_INTERVAL must be > 0")
	}
	if c.Batch.HandlerTimeout < 0 {
		add("BATCH_HANDLER_TIMEOUT must be >= 0")
	}
	if c.Retry.Attempts < 1 {
		add("ACK_RETRY_ATTEMPTS must be at least 1")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// FailVisibility returns the configured timeout, or nil when disabled.
func (c SQSConfig) FailVisibility() *int32 {
	if c.FailVisibilityTimeout < 0 {
		return nil
	}
	v := c.FailVisibilityTimeout
	return &v
}
