package saga

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
	"github.com/silveralcid/retail-checkout/internal/messaging/kafka"
)

// compensationAction — одно отложенное компенсирующее действие.
// Стек действий пополняется после каждого успешного forward-шага и
// разматывается в обратном порядке при отказе.
type compensationAction struct {
	step domain.SagaStep
	// detail — SKU для складских действий, идентификатор авторизации или
	// чека для платёжных. Попадает в журнал саги.
	detail string
	run    func(ctx context.Context) error
}

// fail откатывает сагу и переводит заказ в терминальный failed.
// Результат возвращается вызывающей стороне без ошибки: отказ саги —
// штатный исход, а не сбой оркестратора.
func (o *orchestrator) fail(ctx context.Context, order *domain.Order, stack []compensationAction, reason domain.FailureReason, cause error) (domain.OrderResult, error) {
	o.logger.WithError(cause).WithFields(log.Fields{
		"order_id": order.ID,
		"reason":   reason,
	}).Warn("saga step failed, compensating")
	if o.metrics != nil {
		o.metrics.RecordSagaFailed(string(reason))
	}

	o.compensate(ctx, order, stack)

	failedSKUs := order.FailedSKUs
	reconcile := order.RequiresReconciliation
	if err := o.persist(order, func(ord *domain.Order) {
		ord.Status = domain.OrderStatusFailed
		ord.Reason = reason
		ord.FailedSKUs = failedSKUs
		ord.RequiresReconciliation = ord.RequiresReconciliation || reconcile
	}); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("persist failed status")
	}

	payload := map[string]interface{}{
		"reason": string(reason),
	}
	if cause != nil {
		payload["detail"] = cause.Error()
	}
	if len(order.FailedSKUs) > 0 {
		payload["failed_skus"] = order.FailedSKUs
	}
	o.emitEvent(order, "OrderSagaFailed", payload)
	o.publishSagaEvent(kafka.EventTypeSagaFailed, order.ID, payload)

	return o.terminalResult(order), nil
}

// abort завершает сагу по запросу отмены. Отличается от fail только
// причиной и событием.
func (o *orchestrator) abort(ctx context.Context, order *domain.Order, stack []compensationAction, reason domain.FailureReason, detail string) (domain.OrderResult, error) {
	o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"detail":   detail,
	}).Info("saga canceled, compensating")
	if o.metrics != nil {
		o.metrics.RecordSagaFailed(string(reason))
	}

	o.compensate(ctx, order, stack)

	reconcile := order.RequiresReconciliation
	if err := o.persist(order, func(ord *domain.Order) {
		ord.Status = domain.OrderStatusFailed
		ord.Reason = reason
		ord.RequiresReconciliation = ord.RequiresReconciliation || reconcile
	}); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("persist canceled status")
	}

	o.emitEvent(order, "OrderCanceled", map[string]interface{}{
		"reason": detail,
	})
	o.publishSagaEvent(kafka.EventTypeSagaFailed, order.ID, map[string]interface{}{
		"reason": string(reason),
	})

	return o.terminalResult(order), nil
}

// compensate разматывает стек компенсаций в обратном порядке.
//
// Контекст отвязывается от отмены вызывающей стороны: начатую компенсацию
// нужно довести до конца даже при разрыве клиентского соединения. Неудача
// одного действия после всех ретраев не останавливает остальные — заказ
// помечается требующим ручной сверки, и размотка продолжается.
func (o *orchestrator) compensate(ctx context.Context, order *domain.Order, stack []compensationAction) {
	if len(stack) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)

	if err := o.updateStatus(order, domain.OrderStatusCompensating); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("persist compensating status")
	}
	o.publishSagaEvent(kafka.EventTypeSagaCompensating, order.ID, map[string]interface{}{
		"actions": len(stack),
	})

	for i := len(stack) - 1; i >= 0; i-- {
		action := stack[i]
		if err := o.runCompensation(ctx, order.ID, action); err != nil {
			o.flagReconciliation(order, string(action.step)+" failed after retries")
			continue
		}
		o.appendStep(order.ID, action.step, domain.StepOutcomeCompensated, "", action.detail)
		if o.metrics != nil {
			o.metrics.RecordCompensation()
		}
	}
}

// runCompensation выполняет одно компенсирующее действие с ограниченным
// числом ретраев и exponential backoff.
func (o *orchestrator) runCompensation(ctx context.Context, orderID string, action compensationAction) error {
	var lastErr error
	delay := o.retry.InitialDelay

	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		err := action.run(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				o.logger.WithFields(log.Fields{
					"order_id": orderID,
					"step":     action.step,
					"attempt":  attempt,
				}).Info("compensation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt < o.retry.MaxAttempts {
			o.logger.WithError(err).WithFields(log.Fields{
				"order_id": orderID,
				"step":     action.step,
				"attempt":  attempt,
				"delay":    delay,
			}).Warn("compensation failed, retrying")

			time.Sleep(delay)

			delay = time.Duration(float64(delay) * o.retry.BackoffFactor)
			if delay > o.retry.MaxDelay {
				delay = o.retry.MaxDelay
			}
		}
	}

	o.logger.WithError(lastErr).WithFields(log.Fields{
		"order_id":     orderID,
		"step":         action.step,
		"max_attempts": o.retry.MaxAttempts,
	}).Error("compensation failed after all retry attempts")
	return domain.ErrCompensationFailed
}

// flagReconciliation помечает заказ требующим ручной сверки и публикует
// reconciliation.required.
func (o *orchestrator) flagReconciliation(order *domain.Order, cause string) {
	order.RequiresReconciliation = true
	o.recordReconciliation(order, cause, nil)
}
