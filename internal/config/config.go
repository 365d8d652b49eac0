package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	AutoMigrate bool

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion     string
	InboundBucket string // S3 bucket the SES receipt rule writes to
	InboundPrefix string // key prefix of the S3 receipt action
	SQSQueueURL   string // optional queue receiving S3 ObjectCreated events
	AlertTopicARN string // optional SNS topic for suspension alerts

	// SNS subscription confirmation
	ConfirmHostSuffix string

	Pipeline PipelineConfig
}

// PipelineConfig tunes ingestion, delivery and reconciliation.
type PipelineConfig struct {
	DefaultMaxRetries      int           `envconfig:"DEFAULT_MAX_RETRIES" default:"3"`
	DefaultDeliveryTimeout time.Duration `envconfig:"DEFAULT_DELIVERY_TIMEOUT" default:"120s"`
	MaxDeliveryTimeout     time.Duration `envconfig:"MAX_DELIVERY_TIMEOUT" default:"30m"`
	DispatchConcurrency    int           `envconfig:"DISPATCH_CONCURRENCY" default:"8"`
	WebhookUserAgent       string        `envconfig:"WEBHOOK_USER_AGENT" default:"Mailhook/1.0"`
	MaxInboundBodyBytes    int64         `envconfig:"MAX_INBOUND_BODY_BYTES" default:"41943040"`

	ReconcileEnabled      bool          `envconfig:"RECONCILE_ENABLED" default:"true"`
	ReconcileInterval     time.Duration `envconfig:"RECONCILE_INTERVAL" default:"10m"`
	ReconcileMaxKeys      int           `envconfig:"RECONCILE_MAX_KEYS" default:"1000"`
	ReconcileLockTTL      time.Duration `envconfig:"RECONCILE_LOCK_TTL" default:"5m"`
	ReconcilePendingGrace time.Duration `envconfig:"RECONCILE_PENDING_GRACE" default:"1h"`
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present; real
// environment variables always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "mailhook",
		DBPassword: "",
		DBName:     "mailhook",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:         "us-east-1",
		InboundPrefix:     "inbound/",
		ConfirmHostSuffix: "amazonaws.com",
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if v := os.Getenv("AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AUTO_MIGRATE: %w", err)
		}
		cfg.AutoMigrate = b
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if bucket := os.Getenv("INBOUND_BUCKET"); bucket != "" {
		cfg.InboundBucket = bucket
	}

	// An explicitly empty prefix is meaningful (bucket root), so only an
	// unset variable keeps the default.
	if prefix, ok := os.LookupEnv("INBOUND_PREFIX"); ok {
		cfg.InboundPrefix = prefix
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if arn := os.Getenv("ALERT_TOPIC_ARN"); arn != "" {
		cfg.AlertTopicARN = arn
	}

	if suffix, ok := os.LookupEnv("SNS_CONFIRM_HOST_SUFFIX"); ok {
		cfg.ConfirmHostSuffix = suffix
	}

	if err := envconfig.Process("", &cfg.Pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	if err := cfg.Pipeline.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (p PipelineConfig) validate() error {
	if p.DefaultMaxRetries < 1 || p.DefaultMaxRetries > 10 {
		return fmt.Errorf("DEFAULT_MAX_RETRIES must be between 1 and 10, got %d", p.DefaultMaxRetries)
	}
	if p.DefaultDeliveryTimeout <= 0 {
		return fmt.Errorf("DEFAULT_DELIVERY_TIMEOUT must be positive")
	}
	if p.MaxDeliveryTimeout < p.DefaultDeliveryTimeout {
		return fmt.Errorf("MAX_DELIVERY_TIMEOUT (%s) is below DEFAULT_DELIVERY_TIMEOUT (%s)",
			p.MaxDeliveryTimeout, p.DefaultDeliveryTimeout)
	}
	if p.ReconcileMaxKeys <= 0 {
		return fmt.Errorf("RECONCILE_MAX_KEYS must be positive")
	}
	if p.ReconcilePendingGrace <= p.MaxDeliveryTimeout {
		return fmt.Errorf("RECONCILE_PENDING_GRACE (%s) must exceed MAX_DELIVERY_TIMEOUT (%s)",
			p.ReconcilePendingGrace, p.MaxDeliveryTimeout)
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
