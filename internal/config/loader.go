package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "docflow.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DOCFLOW_PORT")
	setDuration(&cfg.Server.RequestTimeout, "DOCFLOW_REQUEST_TIMEOUT")
	setString(&cfg.Store.Backend, "DOCFLOW_STORE_BACKEND")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DOCFLOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DOCFLOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DOCFLOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DOCFLOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "DOCFLOW_PG_HEALTH_CHECK")
	setString(&cfg.SQLite.Path, "DOCFLOW_SQLITE_PATH")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "DOCFLOW_NATS_STREAM")
	setString(&cfg.NATS.ExecutionBucket, "DOCFLOW_NATS_EXECUTION_BUCKET")
	setDuration(&cfg.NATS.AckWait, "DOCFLOW_NATS_ACK_WAIT")
	setInt(&cfg.NATS.MaxDeliver, "DOCFLOW_NATS_MAX_DELIVER")
	setDuration(&cfg.NATS.RedeliveryDelay, "DOCFLOW_NATS_REDELIVERY_DELAY")
	setDuration(&cfg.NATS.MaxEventAge, "DOCFLOW_NATS_MAX_EVENT_AGE")

	// Object store
	setString(&cfg.ObjectStore.Endpoint, "DOCFLOW_S3_ENDPOINT")
	setString(&cfg.ObjectStore.AccessKey, "DOCFLOW_S3_ACCESS_KEY")
	setString(&cfg.ObjectStore.SecretKey, "DOCFLOW_S3_SECRET_KEY")
	setBool(&cfg.ObjectStore.UseSSL, "DOCFLOW_S3_USE_SSL")
	setString(&cfg.ObjectStore.Region, "DOCFLOW_S3_REGION")
	setString(&cfg.ObjectStore.InputBucket, "DOCFLOW_S3_INPUT_BUCKET")
	setString(&cfg.ObjectStore.OutputBucket, "DOCFLOW_S3_OUTPUT_BUCKET")

	// Extraction service
	setString(&cfg.Extraction.URL, "DOCFLOW_EXTRACTION_URL")
	setString(&cfg.Extraction.APIKey, "DOCFLOW_EXTRACTION_API_KEY")
	setString(&cfg.Extraction.ProjectARN, "DOCFLOW_EXTRACTION_PROJECT")
	setDuration(&cfg.Extraction.RequestTimeout, "DOCFLOW_EXTRACTION_TIMEOUT")

	// Orchestrator
	setInt(&cfg.Orchestrator.MaxAttempts, "DOCFLOW_MAX_ATTEMPTS")
	setInt(&cfg.Orchestrator.MaxProcessingConcurrency, "DOCFLOW_MAX_PROCESSING_CONCURRENCY")
	setDuration(&cfg.Orchestrator.RetryInitialBackoff, "DOCFLOW_RETRY_INITIAL_BACKOFF")
	setDuration(&cfg.Orchestrator.RetryMaxBackoff, "DOCFLOW_RETRY_MAX_BACKOFF")
	setDuration(&cfg.Orchestrator.JobTimeout, "DOCFLOW_JOB_TIMEOUT")
	setDuration(&cfg.Orchestrator.ProcessingLease, "DOCFLOW_PROCESSING_LEASE")
	setInt(&cfg.Orchestrator.CASMaxRetries, "DOCFLOW_CAS_MAX_RETRIES")
	setDuration(&cfg.Orchestrator.SweepInterval, "DOCFLOW_SWEEP_INTERVAL")
	setInt(&cfg.Orchestrator.SweepBatch, "DOCFLOW_SWEEP_BATCH")
	setDuration(&cfg.Orchestrator.Retention, "DOCFLOW_RETENTION")
	setInt(&cfg.Orchestrator.FinalizeMaxAttempts, "DOCFLOW_FINALIZE_MAX_ATTEMPTS")

	// Review
	setDuration(&cfg.Review.SLA, "DOCFLOW_REVIEW_SLA")
	setString(&cfg.Review.PortalURL, "DOCFLOW_REVIEW_PORTAL_URL")

	// Confidence
	setFloat64(&cfg.Confidence.DefaultThreshold, "DOCFLOW_CONFIDENCE_THRESHOLD")
	setString(&cfg.Confidence.Granularity, "DOCFLOW_REVIEW_GRANULARITY")

	// Throttle
	setInt(&cfg.Throttle.MaxRetries, "DOCFLOW_THROTTLE_MAX_RETRIES")
	setDuration(&cfg.Throttle.InitialBackoff, "DOCFLOW_THROTTLE_INITIAL_BACKOFF")
	setDuration(&cfg.Throttle.MaxBackoff, "DOCFLOW_THROTTLE_MAX_BACKOFF")

	setInt(&cfg.Breaker.MaxFailures, "DOCFLOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DOCFLOW_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "DOCFLOW_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "DOCFLOW_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "DOCFLOW_CACHE_TTL")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "DOCFLOW_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "DOCFLOW_IDEMPOTENCY_TTL")

	setString(&cfg.Notify.SlackWebhookURL, "DOCFLOW_SLACK_WEBHOOK_URL")
	setString(&cfg.Notify.ReviewWebhookURL, "DOCFLOW_REVIEW_WEBHOOK_URL")
	setString(&cfg.Notify.DiscordWebhookURL, "DOCFLOW_DISCORD_WEBHOOK_URL")
	setString(&cfg.Notify.SMTP.Host, "DOCFLOW_SMTP_HOST")
	setInt(&cfg.Notify.SMTP.Port, "DOCFLOW_SMTP_PORT")
	setString(&cfg.Notify.SMTP.From, "DOCFLOW_SMTP_FROM")
	setString(&cfg.Notify.SMTP.Password, "DOCFLOW_SMTP_PASSWORD")
	setString(&cfg.Secrets.Dir, "DOCFLOW_SECRETS_DIR")
	setBool(&cfg.MCP.Enabled, "DOCFLOW_MCP_ENABLED")
	setString(&cfg.MCP.APIKey, "DOCFLOW_MCP_API_KEY")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "DOCFLOW_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.Telemetry.Insecure, "DOCFLOW_OTEL_INSECURE")

	setString(&cfg.Logging.Level, "DOCFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DOCFLOW_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DOCFLOW_LOG_ASYNC")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case "natskv":
		if cfg.NATS.ExecutionBucket == "" {
			return errors.New("nats.execution_bucket is required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend %q is not one of postgres, sqlite, natskv, memory", cfg.Store.Backend)
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Extraction.URL == "" {
		return errors.New("extraction.url is required")
	}
	if cfg.Orchestrator.MaxAttempts < 1 {
		return errors.New("orchestrator.max_attempts must be >= 1")
	}
	if cfg.Orchestrator.MaxProcessingConcurrency < 1 {
		return errors.New("orchestrator.max_processing_concurrency must be >= 1")
	}
	if cfg.Orchestrator.CASMaxRetries < 1 {
		return errors.New("orchestrator.cas_max_retries must be >= 1")
	}
	if cfg.Orchestrator.FinalizeMaxAttempts < 1 {
		return errors.New("orchestrator.finalize_max_attempts must be >= 1")
	}
	if cfg.Confidence.Granularity != "page" && cfg.Confidence.Granularity != "section" {
		return fmt.Errorf("confidence.granularity %q must be page or section", cfg.Confidence.Granularity)
	}
	if cfg.Throttle.MaxRetries < 0 {
		return errors.New("throttle.max_retries must be >= 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if smtp := cfg.Notify.SMTP; smtp.Host != "" && smtp.From == "" {
		return errors.New("notify.smtp.from is required when notify.smtp.host is set")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
