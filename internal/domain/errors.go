package domain

import "errors"

var (
	// ErrValidation — запрос отклонён до первого обращения к leaf-сервисам.
	// Конкретные замечания заворачиваются в текст ошибки.
	ErrValidation = errors.New("invalid checkout request")
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего способа оплаты.
	ErrPaymentMethodRequired = errors.New("payment method is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующего SKU в позиции.
	ErrItemSKURequired = errors.New("item sku is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")

	// Ошибка отсутствующего идентификатора заказа в платежах/резервах.
	ErrOrderIDRequired = errors.New("order_id is required")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")

	// ErrCartEmpty — у пользователя нет товаров для резервирования.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrCartReservationNotFound — резерв корзины отсутствует или истёк.
	ErrCartReservationNotFound = errors.New("cart reservation not found")

	// ErrInsufficientStock — бизнес-ошибка склада: доступного стока меньше запрошенного.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrReservationExpired — commit вызван после истечения резерва; оркестратор
	// обязан трактовать это как жёсткий отказ с полной компенсацией.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrPaymentDeclined — платёж отклонён провайдером (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentCapture — авторизация прошла, но capture не удался.
	ErrPaymentCapture = errors.New("payment capture failed")
	// ErrChargeNotAuthorized — capture без живой авторизации запрещён.
	ErrChargeNotAuthorized = errors.New("charge is not authorized")
	// ErrChargeNotCaptured — refund возможен только после capture.
	ErrChargeNotCaptured = errors.New("charge is not captured")
	// ErrUnsupportedPaymentMethod — для метода не зарегистрирован gateway.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")

	// ErrCompensationFailed — компенсирующее действие не удалось после всех
	// ретраев; заказ помечается требующим ручной сверки.
	ErrCompensationFailed = errors.New("compensation failed after retries")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key недопустим.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса недопустим.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят (ответ можно переиспользовать).
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — тот же ключ пришёл с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key is used with a different request")
	// ErrIdempotencyKeyNotFound — записи по ключу нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
