package domain

import "time"

// OrderStatus описывает жизненный цикл заказа в процессе checkout-саги.
type OrderStatus string

const (
	// OrderStatusPending — заказ принят, ни один шаг саги ещё не выполнен.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusCartReserved — снимок корзины зарезервирован под заказ.
	OrderStatusCartReserved OrderStatus = "cart_reserved"
	// OrderStatusInventoryReserved — все позиции зарезервированы на складе.
	OrderStatusInventoryReserved OrderStatus = "inventory_reserved"
	// OrderStatusPaymentAuthorized — платёж авторизован (и далее списан) провайдером.
	OrderStatusPaymentAuthorized OrderStatus = "payment_authorized"
	// OrderStatusCommitted — терминальный успех: сток списан, оплата захвачена.
	OrderStatusCommitted OrderStatus = "committed"
	// OrderStatusCompensating — выполняются компенсирующие действия.
	OrderStatusCompensating OrderStatus = "compensating"
	// OrderStatusFailed — терминальный отказ после компенсации.
	OrderStatusFailed OrderStatus = "failed"
)

// Terminal сообщает, достиг ли заказ конечного состояния.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCommitted || s == OrderStatusFailed
}

// FailureReason — код причины отказа, возвращаемый вызывающей стороне.
// Сырые ошибки leaf-сервисов наружу не пропускаются.
type FailureReason string

const (
	ReasonNone                FailureReason = ""
	ReasonValidation          FailureReason = "validation_error"
	ReasonCartUnavailable     FailureReason = "cart_unavailable"
	ReasonStockUnavailable    FailureReason = "stock_unavailable"
	ReasonPaymentDeclined     FailureReason = "payment_declined"
	ReasonPaymentCaptureError FailureReason = "payment_capture_error"
	ReasonReservationExpired  FailureReason = "reservation_expired"
	ReasonCanceled            FailureReason = "canceled"
)

// LineItem представляет одну позицию заказа.
type LineItem struct {
	// SKU — внешний идентификатор товара.
	SKU string
	// Qty — количество единиц товара.
	Qty int32
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
}

// Order агрегирует координационное состояние checkout-саги. Оркестратор
// владеет заказом монопольно: бизнес-данные живут в leaf-сервисах, здесь
// только идентификаторы и ход саги.
type Order struct {
	ID            string
	UserID        string
	Status        OrderStatus
	Reason        FailureReason
	Currency      string
	AmountMinor   int64
	Items         []LineItem
	PaymentMethod string
	// ConfirmationRef заполняется после успешного capture (ссылка на чек).
	ConfirmationRef string
	// FailedSKUs перечисляет позиции, из-за которых упало резервирование стока.
	FailedSKUs []string
	// RequiresReconciliation выставляется, когда компенсация сама не удалась
	// после всех ретраев и требуется ручная сверка.
	RequiresReconciliation bool
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Total возвращает сумму заказа по позициям: qty * price.
func (o *Order) Total() int64 {
	var sum int64
	for _, item := range o.Items {
		sum += int64(item.Qty) * item.PriceMinor
	}
	return sum
}

// ValidateInvariants проверяет входные инварианты заказа и возвращает список замечаний.
// Вызывается до первого обращения к leaf-сервисам.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.PaymentMethod == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	for _, item := range o.Items {
		if item.SKU == "" {
			errs = append(errs, ErrItemSKURequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if o.AmountMinor != o.Total() {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// OrderResult — терминальный результат checkout. Вызывающая сторона никогда
// не видит промежуточных состояний саги.
type OrderResult struct {
	OrderID                string
	Status                 OrderStatus
	Reason                 FailureReason
	ConfirmationRef        string
	FailedSKUs             []string
	RequiresReconciliation bool
}

// Committed сообщает, завершился ли заказ успешно.
func (r OrderResult) Committed() bool {
	return r.Status == OrderStatusCommitted
}
