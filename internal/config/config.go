package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

// Supported values of ASYA_EVENTS_TRANSPORT
const (
	EventsTransportNone     = "none"
	EventsTransportRabbitMQ = "rabbitmq"
	EventsTransportSQS      = "sqs"
	EventsTransportWebhook  = "webhook"
)

type Config struct {
	// HTTP server
	Port           string
	MaxUploadBytes int64

	// Subscription timing
	GraceTimeout  time.Duration
	GraceInterval time.Duration
	PollInterval  time.Duration

	// Worker pipeline
	StagePause      time.Duration
	JobRetention    time.Duration
	MaxOutputPixels int64

	// Model catalog, from ASYA_CONFIG_PATH or the embedded default
	ConfigPath string
	Catalog    Catalog

	// Stage event fan-out
	EventsTransport string

	// RabbitMQ configuration
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQPoolSize int

	// SQS configuration
	SQSQueueURL string
	SQSRegion   string
	SQSEndpoint string

	// Webhook receiving stage events
	WebhookURL string

	// Queue intake; empty disables the consumer
	IntakeQueue string
	ResultQueue string

	// Outcome history; empty disables it
	DatabaseURL      string
	HistoryRetention time.Duration

	// Metrics configuration
	MetricsEnabled   bool
	MetricsAddr      string
	MetricsNamespace string

	// MCP tool surface
	MCPEnabled bool
}

// Catalog is the model catalog file
type Catalog struct {
	DefaultScale int           `yaml:"default_scale"`
	AllowedTypes []string      `yaml:"allowed_types"`
	Models       []ModelConfig `yaml:"models"`
}

// ModelConfig describes one upscaling model
type ModelConfig struct {
	Scale  int    `yaml:"scale"`
	Kernel string `yaml:"kernel"`
	Warm   bool   `yaml:"warm"`
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("ASYA_UPSCALER_PORT", "8080"),
		MaxUploadBytes: int64(getEnvInt("ASYA_MAX_UPLOAD_BYTES", 20<<20)),

		GraceTimeout:  getEnvDuration("ASYA_GRACE_TIMEOUT", 5*time.Second),
		GraceInterval: getEnvDuration("ASYA_GRACE_INTERVAL", 100*time.Millisecond),
		PollInterval:  getEnvDuration("ASYA_POLL_INTERVAL", 300*time.Millisecond),

		StagePause:      getEnvDuration("ASYA_STAGE_PAUSE", 200*time.Millisecond),
		JobRetention:    getEnvDuration("ASYA_JOB_RETENTION", 30*time.Second),
		MaxOutputPixels: int64(getEnvInt("ASYA_MAX_OUTPUT_PIXELS", 64<<20)),

		ConfigPath: getEnv("ASYA_CONFIG_PATH", ""),

		EventsTransport: strings.ToLower(getEnv("ASYA_EVENTS_TRANSPORT", EventsTransportNone)),

		RabbitMQURL:      getEnv("ASYA_RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("ASYA_RABBITMQ_EXCHANGE", "asya"),
		RabbitMQPoolSize: getEnvInt("ASYA_RABBITMQ_POOL_SIZE", 10),

		SQSQueueURL: getEnv("ASYA_SQS_QUEUE_URL", ""),
		SQSRegion:   getEnv("ASYA_SQS_REGION", "us-east-1"),
		SQSEndpoint: getEnv("ASYA_SQS_ENDPOINT", ""),

		WebhookURL: getEnv("ASYA_WEBHOOK_URL", ""),

		IntakeQueue: getEnv("ASYA_INTAKE_QUEUE", ""),
		ResultQueue: getEnv("ASYA_RESULT_QUEUE", "upscale-results"),

		DatabaseURL:      getEnv("ASYA_DATABASE_URL", ""),
		HistoryRetention: getEnvDuration("ASYA_HISTORY_RETENTION", 30*24*time.Hour),

		MetricsEnabled:   getEnvBool("ASYA_METRICS_ENABLED", true),
		MetricsAddr:      getEnv("ASYA_METRICS_ADDR", ":9090"),
		MetricsNamespace: getEnv("ASYA_METRICS_NAMESPACE", "asya_upscaler"),

		MCPEnabled: getEnvBool("ASYA_MCP_ENABLED", true),
	}

	raw := defaultCatalog
	if cfg.ConfigPath != "" {
		data, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ASYA_CONFIG_PATH: %w", err)
		}
		raw = data
	}

	catalog, err := ParseCatalog(raw)
	if err != nil {
		return nil, err
	}
	cfg.Catalog = catalog

	if v := getEnvInt("ASYA_DEFAULT_SCALE", 0); v != 0 {
		cfg.Catalog.DefaultScale = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseCatalog decodes a model catalog document
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	return c, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	var errs []error

	if len(c.Catalog.Models) == 0 {
		errs = append(errs, errors.New("model catalog is empty"))
	}

	seen := make(map[int]bool, len(c.Catalog.Models))
	for _, m := range c.Catalog.Models {
		if m.Scale < 2 {
			errs = append(errs, fmt.Errorf("model scale %d must be at least 2", m.Scale))
		}
		if seen[m.Scale] {
			errs = append(errs, fmt.Errorf("duplicate model scale %d", m.Scale))
		}
		seen[m.Scale] = true
	}
	if len(c.Catalog.Models) > 0 && !seen[c.Catalog.DefaultScale] {
		errs = append(errs, fmt.Errorf("default scale %d is not in the model catalog", c.Catalog.DefaultScale))
	}

	if c.GraceTimeout <= 0 || c.GraceInterval <= 0 || c.PollInterval <= 0 {
		errs = append(errs, errors.New("grace timeout, grace interval and poll interval must be positive"))
	}

	switch c.EventsTransport {
	case EventsTransportNone:
	case EventsTransportRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("ASYA_RABBITMQ_URL is required for the rabbitmq events transport"))
		}
	case EventsTransportSQS:
		if c.SQSQueueURL == "" {
			errs = append(errs, errors.New("ASYA_SQS_QUEUE_URL is required for the sqs events transport"))
		}
	case EventsTransportWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, errors.New("ASYA_WEBHOOK_URL is required for the webhook events transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ASYA_EVENTS_TRANSPORT %q", c.EventsTransport))
	}

	if c.IntakeQueue != "" && c.RabbitMQURL == "" {
		errs = append(errs, errors.New("ASYA_RABBITMQ_URL is required when ASYA_INTAKE_QUEUE is set"))
	}

	return errors.Join(errs...)
}

// NeedsRabbitMQ reports whether any component talks to RabbitMQ
func (c *Config) NeedsRabbitMQ() bool {
	return c.EventsTransport == EventsTransportRabbitMQ || c.IntakeQueue != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
