package domain

import "time"

// ChargeState описывает состояние платежа в системе.
type ChargeState string

const (
	// ChargeStateAuthorized — сумма успешно зарезервирована у провайдера.
	ChargeStateAuthorized ChargeState = "authorized"
	// ChargeStateCaptured — деньги списаны в пользу мерчанта.
	ChargeStateCaptured ChargeState = "captured"
	// ChargeStateRefunded — деньги возвращены клиенту.
	ChargeStateRefunded ChargeState = "refunded"
	// ChargeStateVoided — авторизация аннулирована до capture.
	ChargeStateVoided ChargeState = "voided"
)

// PaymentCharge описывает платёж, связанный с заказом.
// Инварианты: capture только после живой авторизации; refund только после capture.
type PaymentCharge struct {
	OrderID     string
	AmountMinor int64
	Method      string
	State       ChargeState
	ExternalID  string // Может быть пустым, если провайдер не возвращает идентификатор.
	ReceiptRef  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuthorizationToken выдаётся на успешную авторизацию и предъявляется на capture/void.
type AuthorizationToken struct {
	OrderID string
	ID      string
}

// ChargeReceipt подтверждает успешный capture.
type ChargeReceipt struct {
	OrderID     string
	ID          string
	AmountMinor int64
	// Reference — человекочитаемое подтверждение от провайдера.
	Reference string
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *PaymentCharge) Validate() []error {
	var errs []error

	switch {
	case p.OrderID == "":
		errs = append(errs, ErrOrderIDRequired)
	case p.Method == "":
		errs = append(errs, ErrPaymentMethodRequired)
	case p.AmountMinor <= 0:
		errs = append(errs, ErrItemPriceInvalid)
	}

	return errs
}
