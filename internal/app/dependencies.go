package app

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
	"github.com/silveralcid/retail-checkout/internal/health"
	"github.com/silveralcid/retail-checkout/internal/messaging/kafka"
	"github.com/silveralcid/retail-checkout/internal/service/cart"
	"github.com/silveralcid/retail-checkout/internal/service/httpapi"
	"github.com/silveralcid/retail-checkout/internal/service/idempotency"
	"github.com/silveralcid/retail-checkout/internal/service/inventory"
	"github.com/silveralcid/retail-checkout/internal/service/outbox"
	"github.com/silveralcid/retail-checkout/internal/service/payment"
	"github.com/silveralcid/retail-checkout/internal/service/saga"
	"github.com/silveralcid/retail-checkout/internal/storage/memory"
	"github.com/silveralcid/retail-checkout/internal/storage/postgres"
	storageredis "github.com/silveralcid/retail-checkout/internal/storage/redis"
	"github.com/silveralcid/retail-checkout/internal/version"
)

// Dependencies содержит собранный граф зависимостей checkout-сервиса.
type Dependencies struct {
	Orders      domain.OrderRepository
	SagaLog     domain.SagaLogRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository

	Cart      *cart.Service
	Inventory *inventory.Service
	Payments  *payment.Service

	Orchestrator saga.Orchestrator
	API          *httpapi.Server
	Health       *health.Handler

	OutboxWorker  *outbox.Worker
	CleanupWorker *idempotency.CleanupWorker

	Logger *log.Entry

	pgStore       *postgres.Store
	redisClient   *goredis.Client
	kafkaProducer *kafka.Producer
}

// NewDependencies собирает зависимости согласно конфигурации.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{Logger: logger}

	if err := deps.initStorage(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := deps.initIdempotency(ctx, cfg, logger); err != nil {
		deps.Close()
		return nil, err
	}

	deps.Cart = cart.NewService(logger.WithField("component", "cart"))
	deps.Inventory = inventory.NewService(logger.WithField("component", "inventory"))
	deps.Payments = payment.NewService(
		logger.WithField("component", "payment"),
		payment.NewCreditCardGateway(cfg.CreditCardDeclineOver),
		payment.NewPayPalGateway(cfg.PayPalDeclineOver),
	)

	deps.kafkaProducer = initKafkaProducer(cfg.KafkaBrokers, logger)
	deps.Orchestrator = createOrchestrator(cfg, deps, logger)

	v, _, _ := version.Info()
	deps.Health = health.NewHandler(v)
	deps.Health.RegisterChecker("outbox", health.NewOutboxChecker(deps.Outbox, cfg.OutboxMaxPending, 0))
	if deps.pgStore != nil {
		store := deps.pgStore
		deps.Health.RegisterChecker("postgres", health.NewSimpleChecker("postgres", func() error {
			return store.Ping(context.Background())
		}))
	}
	if deps.redisClient != nil {
		client := deps.redisClient
		deps.Health.RegisterChecker("redis", health.NewSimpleChecker("redis", func() error {
			return client.Ping(context.Background()).Err()
		}))
	}

	deps.API = httpapi.NewServer(
		deps.Orchestrator,
		deps.Orders,
		deps.Cart,
		deps.Inventory,
		deps.Payments,
		deps.Idempotency,
		deps.Health,
		logger.WithField("component", "httpapi"),
	)

	deps.initWorkers(cfg, logger)

	return deps, nil
}

func (d *Dependencies) initStorage(ctx context.Context, cfg Config, logger *log.Entry) error {
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		d.pgStore = store
		d.Orders = postgres.NewOrderRepository(store)
		d.SagaLog = postgres.NewSagaLogRepository(store)
		d.Outbox = postgres.NewOutboxRepository(store)
		logger.Info("postgres storage initialized")
	default:
		d.Orders = memory.NewOrderRepository()
		d.SagaLog = memory.NewSagaLogRepository()
		d.Outbox = memory.NewOutboxRepository()
		logger.Info("in-memory storage initialized")
	}

	return nil
}

func (d *Dependencies) initIdempotency(ctx context.Context, cfg Config, logger *log.Entry) error {
	switch cfg.IdempotencyDriver {
	case IdempotencyDriverRedis:
		client, err := storageredis.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		d.redisClient = client
		d.Idempotency = storageredis.NewIdempotencyRepository(client)
		logger.WithField("addr", cfg.RedisAddr).Info("redis idempotency storage initialized")
	default:
		if d.pgStore != nil {
			d.Idempotency = postgres.NewIdempotencyRepository(d.pgStore)
		} else {
			d.Idempotency = memory.NewIdempotencyRepository()
		}
	}

	return nil
}

func (d *Dependencies) initWorkers(cfg Config, logger *log.Entry) {
	if d.kafkaProducer != nil {
		publisher := kafka.NewOutboxPublisher(d.kafkaProducer, cfg.KafkaOutboxTopic)

		dlqTopic := cfg.KafkaDLQTopic
		if dlqTopic == "" {
			dlqTopic = kafka.TopicDeadLetterQueue
		}
		dlqPublisher := kafka.NewOutboxPublisher(d.kafkaProducer, dlqTopic)

		d.OutboxWorker = outbox.NewWorker(
			d.Outbox,
			publisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(dlqPublisher),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
	}

	d.CleanupWorker = idempotency.NewCleanupWorker(d.Idempotency, idempotency.CleanupConfig{
		Logger:    logger.WithField("component", "idempotency-cleanup-worker"),
		Interval:  cfg.IdempotencyCleanupInterval,
		BatchSize: cfg.IdempotencyCleanupBatchSize,
	})
}

// Close освобождает внешние подключения.
func (d *Dependencies) Close() {
	if d.kafkaProducer != nil {
		closeKafka(d.kafkaProducer, d.Logger)
		d.kafkaProducer = nil
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close redis client")
		}
		d.redisClient = nil
	}
	if d.pgStore != nil {
		if err := d.pgStore.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres store")
		}
		d.pgStore = nil
	}
}

// createOrchestrator собирает сагу с опциональными Kafka и circuit breaker.
func createOrchestrator(cfg Config, deps *Dependencies, logger *log.Entry) saga.Orchestrator {
	sagaLogger := logger.WithField("component", "saga")

	var opts []saga.Option
	if cfg.SagaStepTimeout > 0 {
		opts = append(opts, saga.WithStepTimeout(cfg.SagaStepTimeout))
	}
	if cfg.BreakerFailureThreshold > 0 {
		breaker := saga.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout, sagaLogger)
		opts = append(opts, saga.WithBreaker(breaker))
	}

	if deps.kafkaProducer != nil {
		return saga.NewOrchestratorWithKafka(
			deps.Orders,
			deps.SagaLog,
			deps.Outbox,
			deps.Cart,
			deps.Inventory,
			deps.Payments,
			deps.kafkaProducer,
			sagaLogger,
			opts...,
		)
	}

	return saga.NewOrchestrator(
		deps.Orders,
		deps.SagaLog,
		deps.Outbox,
		deps.Cart,
		deps.Inventory,
		deps.Payments,
		sagaLogger,
		opts...,
	)
}

// initKafkaProducer создаёт producer, если указаны брокеры. Отказ Kafka не
// валит сервис: события останутся в outbox до следующего запуска.
func initKafkaProducer(brokers string, logger *log.Entry) *kafka.Producer {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil
	}

	brokerList := strings.Split(brokers, ",")
	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer
}

// closeKafka закрывает producer, если он инициализирован.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
