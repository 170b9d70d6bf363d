package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageDriver выбирает реализацию хранилища заказов и журнала саги.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// IdempotencyDriver выбирает хранилище idempotency-ключей.
type IdempotencyDriver string

const (
	IdempotencyDriverMemory IdempotencyDriver = "memory"
	IdempotencyDriverRedis  IdempotencyDriver = "redis"
)

// Config описывает настройки запуска checkout-сервиса.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	StorageDriver       StorageDriver `yaml:"storage_driver"`
	PostgresDSN         string        `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool          `yaml:"postgres_auto_migrate"`

	IdempotencyDriver IdempotencyDriver `yaml:"idempotency_driver"`
	RedisAddr         string            `yaml:"redis_addr"`
	RedisPassword     string            `yaml:"redis_password"`
	RedisDB           int               `yaml:"redis_db"`

	// KafkaBrokers — список брокеров через запятую; пустое значение
	// отключает публикацию событий в Kafka.
	KafkaBrokers     string `yaml:"kafka_brokers"`
	KafkaOutboxTopic string `yaml:"kafka_outbox_topic"`
	KafkaDLQTopic    string `yaml:"kafka_dlq_topic"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
	OutboxMaxPending   int           `yaml:"outbox_max_pending"`

	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`

	SagaStepTimeout time.Duration `yaml:"saga_step_timeout"`

	// BreakerFailureThreshold <= 0 отключает circuit breaker на leaf-вызовах.
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`

	// Декларативные лимиты платёжных шлюзов: суммы выше лимита отклоняются.
	// Ноль отключает отказ.
	CreditCardDeclineOver int64 `yaml:"credit_card_decline_over"`
	PayPalDeclineOver     int64 `yaml:"paypal_decline_over"`
}

// DefaultConfig возвращает базовую конфигурацию для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		IdempotencyDriver: IdempotencyDriverMemory,
		RedisAddr:         "localhost:6379",

		KafkaOutboxTopic: "",
		KafkaDLQTopic:    "",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		SagaStepTimeout: 5 * time.Second,

		BreakerFailureThreshold: 0,
		BreakerResetTimeout:     30 * time.Second,
	}
}

// LoadConfig собирает конфигурацию: defaults -> YAML-файл (если указан) ->
// переменные окружения CHECKOUT_*.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = parsed
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = parsed
			}
		}
	}

	setString("CHECKOUT_HTTP_ADDR", &c.HTTPAddr)
	setDuration("CHECKOUT_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	setString("CHECKOUT_LOG_LEVEL", &c.LogLevel)

	if v := strings.TrimSpace(os.Getenv("CHECKOUT_STORAGE_DRIVER")); v != "" {
		c.StorageDriver = StorageDriver(v)
	}
	setString("CHECKOUT_POSTGRES_DSN", &c.PostgresDSN)

	if v := strings.TrimSpace(os.Getenv("CHECKOUT_IDEMPOTENCY_DRIVER")); v != "" {
		c.IdempotencyDriver = IdempotencyDriver(v)
	}
	setString("CHECKOUT_REDIS_ADDR", &c.RedisAddr)
	setString("CHECKOUT_REDIS_PASSWORD", &c.RedisPassword)
	setInt("CHECKOUT_REDIS_DB", &c.RedisDB)

	setString("CHECKOUT_KAFKA_BROKERS", &c.KafkaBrokers)
	setString("CHECKOUT_KAFKA_OUTBOX_TOPIC", &c.KafkaOutboxTopic)
	setString("CHECKOUT_KAFKA_DLQ_TOPIC", &c.KafkaDLQTopic)

	setDuration("CHECKOUT_OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval)
	setInt("CHECKOUT_OUTBOX_BATCH_SIZE", &c.OutboxBatchSize)
	setInt("CHECKOUT_OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts)

	setDuration("CHECKOUT_SAGA_STEP_TIMEOUT", &c.SagaStepTimeout)
	setInt("CHECKOUT_BREAKER_FAILURE_THRESHOLD", &c.BreakerFailureThreshold)
	setDuration("CHECKOUT_BREAKER_RESET_TIMEOUT", &c.BreakerResetTimeout)

	setInt64("CHECKOUT_CREDIT_CARD_DECLINE_OVER", &c.CreditCardDeclineOver)
	setInt64("CHECKOUT_PAYPAL_DECLINE_OVER", &c.PayPalDeclineOver)
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage driver requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.StorageDriver)
	}

	switch c.IdempotencyDriver {
	case IdempotencyDriverMemory:
	case IdempotencyDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis idempotency driver requires redis_addr")
		}
	default:
		return fmt.Errorf("unsupported idempotency driver: %s", c.IdempotencyDriver)
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr must not be empty")
	}

	return nil
}
