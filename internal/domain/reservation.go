package domain

import "time"

// CartReservation — снимок корзины, зарезервированный под заказ.
// Создаётся на reserve, снимается на release, фиксируется (корзина
// очищается) на commit.
type CartReservation struct {
	OrderID   string
	UserID    string
	Items     []LineItem
	ExpiresAt time.Time
	CreatedAt time.Time
}

// InventoryReservation описывает удержание стока под заказ по одному SKU.
// Резерв удерживает, но ещё не потребляет сток: реальное списание
// происходит только на commit.
type InventoryReservation struct {
	OrderID   string
	SKU       string
	Qty       int32
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Validate проверяет, корректно ли заполнены ключевые поля резерва.
func (r *InventoryReservation) Validate() []error {
	var errs []error

	if r.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if r.SKU == "" {
		errs = append(errs, ErrItemSKURequired)
	}
	if r.Qty <= 0 {
		errs = append(errs, ErrItemQtyInvalid)
	}

	return errs
}

// Expired сообщает, истёк ли резерв к моменту now.
func (r *InventoryReservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
