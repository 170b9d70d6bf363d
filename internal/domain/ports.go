package domain

import (
	"context"
	"time"
)

// CartService описывает взаимодействие с сервисом корзин.
type CartService interface {
	// Reserve снимает снимок корзины пользователя под заказ.
	// Возвращает ErrCartEmpty, если резервировать нечего.
	Reserve(ctx context.Context, orderID, userID string) (CartReservation, error)
	// Release снимает резерв (компенсация). Идемпотентен: повторный или
	// неизвестный release — no-op, а не ошибка.
	Release(ctx context.Context, orderID string) error
	// Commit фиксирует покупку: зарезервированные позиции удаляются из корзины.
	Commit(ctx context.Context, orderID string) error
}

// InventoryService описывает взаимодействие с сервисом складских резервов.
// Каждый вызов атомарен по SKU; оркестратор не полагается на
// read-then-write между вызовами.
type InventoryService interface {
	// Reserve удерживает qty единиц SKU под заказ, не списывая сток.
	// Возвращает ErrInsufficientStock, если доступного стока не хватает.
	Reserve(ctx context.Context, orderID, sku string, qty int32) error
	// Release снимает резерв по заказу и SKU (компенсация, идемпотентен).
	Release(ctx context.Context, orderID, sku string) error
	// Commit превращает резерв в реальное списание стока.
	// Возвращает ErrReservationExpired, если резерв истёк.
	Commit(ctx context.Context, orderID, sku string) error
}

// PaymentService описывает взаимодействие с платёжным провайдером.
// Authorize и Capture повторяются только с клиентским idempotency-key,
// чтобы исключить двойное списание; Refund и Void идемпотентны сами по себе.
type PaymentService interface {
	// Authorize резервирует сумму у провайдера.
	Authorize(ctx context.Context, orderID string, amountMinor int64, method, idempotencyKey string) (AuthorizationToken, error)
	// Capture списывает ранее авторизованную сумму.
	Capture(ctx context.Context, token AuthorizationToken, idempotencyKey string) (ChargeReceipt, error)
	// Refund возвращает списанные средства (компенсация после capture).
	Refund(ctx context.Context, receipt ChargeReceipt) error
	// Void аннулирует авторизацию, по которой capture не происходил.
	Void(ctx context.Context, token AuthorizationToken) error
}

// PaymentGateway — вариант провайдера, выбираемый конфигурацией,
// а не инспекцией типов.
type PaymentGateway interface {
	// Name возвращает код метода оплаты, который обслуживает gateway.
	Name() string
	// Authorize резервирует сумму и возвращает внешний идентификатор авторизации.
	Authorize(ctx context.Context, amountMinor int64) (string, error)
	// Capture списывает средства и возвращает подтверждение.
	Capture(ctx context.Context, externalID string, amountMinor int64) (string, error)
	// Refund возвращает средства по подтверждению.
	Refund(ctx context.Context, receiptRef string) error
	// Void аннулирует авторизацию.
	Void(ctx context.Context, externalID string) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// ListByUser возвращает заказы пользователя с опциональным ограничением на количество.
	ListByUser(userID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
