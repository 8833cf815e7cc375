package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

// StorageConfig selects the payment store. The memory driver keeps no
// outbox and is meant for local runs.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MinConnections    int           `mapstructure:"min_connections"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type PaymentConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	// Routes maps a payment method to the provider serving it.
	Routes         map[string]string    `mapstructure:"routes"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
}

type RetryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
}

type WebhookConfig struct {
	// Secrets maps a provider id to its signing secret.
	Secrets   map[string]string `mapstructure:"secrets"`
	DedupeTTL time.Duration     `mapstructure:"dedupe_ttl"`
	RateLimit int               `mapstructure:"rate_limit"`
}

type WorkerConfig struct {
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	Stream             string        `mapstructure:"stream"`
	StreamMaxLen       int64         `mapstructure:"stream_max_len"`
	// IdempotencyTTL is how long a stored API response can be replayed.
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MetricsPort     int           `mapstructure:"metrics_port"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables, e.g. PAYMENTS_RETRY_WORKERS
	v.SetEnvPrefix("PAYMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/payments")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}

	switch c.Storage.Driver {
	case StoragePostgres, "":
		if c.Database.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required"))
		}
		if c.Database.Port <= 0 {
			errs = append(errs, fmt.Errorf("database.port must be positive"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage.Driver))
	}

	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Payment.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("payment.lock_ttl must be positive"))
	}
	if c.Payment.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("payment.provider_timeout must be positive"))
	}
	if c.Payment.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("payment.max_retries must not be negative"))
	}
	for method := range c.Payment.Routes {
		if method != "card" && method != "wallet" {
			errs = append(errs, fmt.Errorf("payment.routes: unknown method %q", method))
		}
	}
	if c.Retry.Workers <= 0 {
		errs = append(errs, fmt.Errorf("retry.workers must be positive"))
	}
	if c.Retry.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("retry.batch_size must be positive"))
	}
	if c.Retry.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry.sweep_interval must be positive"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		for provider, secret := range c.Webhook.Secrets {
			if secret == "" {
				errs = append(errs, fmt.Errorf("webhook.secrets.%s required in production", provider))
			}
		}
	}

	// JWT secret length validation
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	v.SetDefault("storage.driver", StoragePostgres)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "payments")
	v.SetDefault("database.database", "payments")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Payment defaults
	v.SetDefault("payment.max_retries", 3)
	v.SetDefault("payment.lock_ttl", "30s")
	v.SetDefault("payment.provider_timeout", "10s")
	v.SetDefault("payment.routes", map[string]string{"card": "stripe", "wallet": "paypal"})
	v.SetDefault("payment.circuit_breaker.min_requests", 10)
	v.SetDefault("payment.circuit_breaker.failure_ratio", 0.6)
	v.SetDefault("payment.circuit_breaker.timeout", "30s")
	v.SetDefault("payment.circuit_breaker.interval", "60s")
	v.SetDefault("payment.circuit_breaker.max_requests", 10)

	// Retry sweep defaults
	v.SetDefault("retry.sweep_interval", "1m")
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.workers", 8)
	v.SetDefault("retry.lease_ttl", "5m")

	// Webhook defaults
	v.SetDefault("webhook.secrets", map[string]string{"stripe": "", "paypal": ""})
	v.SetDefault("webhook.dedupe_ttl", "72h")
	v.SetDefault("webhook.rate_limit", 600)

	// Worker defaults
	v.SetDefault("worker.outbox_poll_interval", "2s")
	v.SetDefault("worker.outbox_batch_size", 50)
	v.SetDefault("worker.stream", "payments:lifecycle")
	v.SetDefault("worker.stream_max_len", 100000)
	v.SetDefault("worker.idempotency_ttl", "24h")
	v.SetDefault("worker.cleanup_interval", "1h")
	v.SetDefault("worker.metrics_port", 9091)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "24h")

	// Instance ID
	v.SetDefault("instance_id", "payments-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL renders the connection as a URL, the form golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
