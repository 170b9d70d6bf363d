package domain

import "time"

// SagaStep именует шаги checkout-саги для журнала, метрик и логов.
type SagaStep string

const (
	SagaStepReserveCart      SagaStep = "reserve_cart"
	SagaStepReserveInventory SagaStep = "reserve_inventory"
	SagaStepAuthorizePayment SagaStep = "authorize_payment"
	SagaStepCapturePayment   SagaStep = "capture_payment"
	SagaStepCommitInventory  SagaStep = "commit_inventory"
	SagaStepCommitCart       SagaStep = "commit_cart"

	SagaStepReleaseCart      SagaStep = "release_cart"
	SagaStepReleaseInventory SagaStep = "release_inventory"
	SagaStepVoidPayment      SagaStep = "void_payment"
	SagaStepRefundPayment    SagaStep = "refund_payment"
)

// StepOutcome — исход шага в журнале саги.
type StepOutcome string

const (
	StepOutcomeSucceeded   StepOutcome = "succeeded"
	StepOutcomeFailed      StepOutcome = "failed"
	StepOutcomeCompensated StepOutcome = "compensated"
)

// SagaStepRecord — запись журнала саги. Журнал пополняется ДО перехода к
// следующему шагу, поэтому после сбоя сагу можно докомпенсировать с
// последнего надёжно записанного шага, а не вслепую.
type SagaStepRecord struct {
	OrderID string
	Step    SagaStep
	Outcome StepOutcome
	// Compensation — имя компенсирующего действия для успешного шага
	// (пустое, если шагу компенсация не нужна).
	Compensation SagaStep
	// Detail — текст ошибки для неуспешных шагов, SKU и прочий контекст.
	Detail   string
	Occurred time.Time
}

// SagaLogRepository хранит журнал шагов саги по заказам.
type SagaLogRepository interface {
	// Append добавляет запись; порядок добавления сохраняется.
	Append(record SagaStepRecord) error
	// List возвращает записи заказа в порядке добавления.
	List(orderID string) ([]SagaStepRecord, error)
}
