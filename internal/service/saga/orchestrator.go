package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
	"github.com/silveralcid/retail-checkout/internal/messaging/kafka"
	"github.com/silveralcid/retail-checkout/internal/metrics"
)

// DefaultStepTimeout — бюджет одного обращения к leaf-сервису.
const DefaultStepTimeout = 5 * time.Second

// CheckoutRequest — входные данные checkout-саги.
type CheckoutRequest struct {
	UserID        string
	Items         []domain.LineItem
	PaymentMethod string
	Currency      string
	// PaymentIdempotencyKey передаётся провайдеру, чтобы повтор запроса
	// не привёл к двойному списанию. Пустое значение — ключ выводится из
	// идентификатора заказа.
	PaymentIdempotencyKey string
}

// Orchestrator описывает интерфейс управления checkout-сагой.
type Orchestrator interface {
	// Checkout проводит заказ через все шаги саги и всегда возвращает
	// терминальный результат: committed или failed с кодом причины.
	Checkout(ctx context.Context, req CheckoutRequest) (domain.OrderResult, error)
	// GetStatus возвращает заказ и журнал шагов его саги.
	GetStatus(ctx context.Context, orderID string) (domain.Order, []domain.SagaStepRecord, error)
	// Cancel запрашивает отмену заказа. Для незавершённой саги отмена
	// сработает на ближайшей точке проверки; для завершённой — выполняется
	// возврат средств и освобождение стока.
	Cancel(ctx context.Context, orderID, reason string) error
}

// orchestrator реализует последовательность шагов саги:
// reserve cart → reserve inventory → authorize → capture → commit inventory → commit cart.
type orchestrator struct {
	orders    domain.OrderRepository
	sagaLog   domain.SagaLogRepository
	outbox    domain.OutboxRepository
	cart      domain.CartService
	inventory domain.InventoryService
	payments  domain.PaymentService

	logger        *log.Entry
	metrics       *metrics.SagaMetrics
	kafkaProducer *kafka.Producer // опциональный Kafka producer для event-driven архитектуры
	breaker       *CircuitBreaker
	retry         RetryConfig
	stepTimeout   time.Duration
	now           func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	cancels  map[string]string // order_id → причина запрошенной отмены
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	orders domain.OrderRepository,
	sagaLog domain.SagaLogRepository,
	outbox domain.OutboxRepository,
	cart domain.CartService,
	inventory domain.InventoryService,
	payments domain.PaymentService,
	logger *log.Entry,
	opts ...Option,
) Orchestrator {
	return newOrchestrator(orders, sagaLog, outbox, cart, inventory, payments, nil, logger, metrics.NewSagaMetrics(), opts...)
}

// NewOrchestratorWithKafka создаёт оркестратор с Kafka producer для event-driven архитектуры.
func NewOrchestratorWithKafka(
	orders domain.OrderRepository,
	sagaLog domain.SagaLogRepository,
	outbox domain.OutboxRepository,
	cart domain.CartService,
	inventory domain.InventoryService,
	payments domain.PaymentService,
	kafkaProducer *kafka.Producer,
	logger *log.Entry,
	opts ...Option,
) Orchestrator {
	return newOrchestrator(orders, sagaLog, outbox, cart, inventory, payments, kafkaProducer, logger, metrics.NewSagaMetrics(), opts...)
}

// NewOrchestratorWithoutMetrics создаёт оркестратор без метрик (для тестов).
func NewOrchestratorWithoutMetrics(
	orders domain.OrderRepository,
	sagaLog domain.SagaLogRepository,
	outbox domain.OutboxRepository,
	cart domain.CartService,
	inventory domain.InventoryService,
	payments domain.PaymentService,
	logger *log.Entry,
	opts ...Option,
) Orchestrator {
	return newOrchestrator(orders, sagaLog, outbox, cart, inventory, payments, nil, logger, nil, opts...)
}

func newOrchestrator(
	orders domain.OrderRepository,
	sagaLog domain.SagaLogRepository,
	outbox domain.OutboxRepository,
	cart domain.CartService,
	inventory domain.InventoryService,
	payments domain.PaymentService,
	kafkaProducer *kafka.Producer,
	logger *log.Entry,
	sagaMetrics *metrics.SagaMetrics,
	opts ...Option,
) *orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	o := &orchestrator{
		orders:        orders,
		sagaLog:       sagaLog,
		outbox:        outbox,
		cart:          cart,
		inventory:     inventory,
		payments:      payments,
		logger:        logger,
		metrics:       sagaMetrics,
		kafkaProducer: kafkaProducer,
		retry:         DefaultRetryConfig(),
		stepTimeout:   DefaultStepTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		inflight:      make(map[string]bool),
		cancels:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCircuitBreaker защищает forward-вызовы leaf-сервисов circuit breaker'ом.
// Компенсации через breaker не ходят: их пропуск дороже лишней попытки.
func (o *orchestrator) WithCircuitBreaker(breaker *CircuitBreaker) *orchestrator {
	o.breaker = breaker
	return o
}

// Option настраивает оркестратор поверх базовых конструкторов.
type Option func(*orchestrator)

// WithBreaker включает circuit breaker на forward-вызовах leaf-сервисов.
func WithBreaker(breaker *CircuitBreaker) Option {
	return func(o *orchestrator) { o.breaker = breaker }
}

// WithStepTimeout задаёт таймаут одного шага саги.
func WithStepTimeout(timeout time.Duration) Option {
	return func(o *orchestrator) {
		if timeout > 0 {
			o.stepTimeout = timeout
		}
	}
}

// WithRetryConfig задаёт политику повторов компенсаций.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *orchestrator) {
		if cfg.MaxAttempts > 0 {
			o.retry = cfg
		}
	}
}

// Checkout проводит заказ через сагу. Любой отказ после первого успешного
// шага приводит к компенсации в обратном порядке.
func (o *orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (domain.OrderResult, error) {
	order := domain.Order{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Status:        domain.OrderStatusPending,
		Currency:      req.Currency,
		Items:         req.Items,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     o.now(),
		UpdatedAt:     o.now(),
	}
	order.AmountMinor = order.Total()

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.OrderResult{
			Status: domain.OrderStatusFailed,
			Reason: domain.ReasonValidation,
		}, fmt.Errorf("%w: %w", domain.ErrValidation, errors.Join(errs...))
	}

	if err := o.orders.Create(order); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("create order failed")
		return domain.OrderResult{
			OrderID: order.ID,
			Status:  domain.OrderStatusFailed,
			Reason:  domain.ReasonValidation,
		}, err
	}

	o.markInflight(order.ID)
	defer o.clearInflight(order.ID)

	start := o.now()
	if o.metrics != nil {
		o.metrics.RecordSagaStarted()
	}
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordSagaDuration(time.Since(start))
			o.metrics.RecordSagaFinished()
		}
	}()

	o.publishSagaEvent(kafka.EventTypeSagaStarted, order.ID, map[string]interface{}{
		"user_id":      order.UserID,
		"amount_minor": order.AmountMinor,
	})
	o.emitEvent(&order, "OrderCheckoutStarted", map[string]interface{}{
		"user_id":      order.UserID,
		"amount_minor": order.AmountMinor,
	})

	return o.run(ctx, &order, req)
}

// run выполняет forward-шаги, собирая стек компенсаций по мере успеха.
func (o *orchestrator) run(ctx context.Context, order *domain.Order, req CheckoutRequest) (domain.OrderResult, error) {
	var stack []compensationAction

	paymentKey := req.PaymentIdempotencyKey
	if paymentKey == "" {
		paymentKey = order.ID
	}

	// Шаг 1: резерв корзины.
	if reason, canceled := o.cancelRequested(order.ID); canceled {
		return o.abort(ctx, order, stack, domain.ReasonCanceled, reason)
	}
	err := o.callStep(ctx, domain.SagaStepReserveCart, func(stepCtx context.Context) error {
		_, reserveErr := o.cart.Reserve(stepCtx, order.ID, order.UserID)
		return reserveErr
	})
	if err != nil {
		o.appendStep(order.ID, domain.SagaStepReserveCart, domain.StepOutcomeFailed, "", err.Error())
		return o.fail(ctx, order, stack, domain.ReasonCartUnavailable, err)
	}
	stack = append(stack, compensationAction{
		step: domain.SagaStepReleaseCart,
		run: func(compCtx context.Context) error {
			return o.cart.Release(compCtx, order.ID)
		},
	})
	if !o.appendStep(order.ID, domain.SagaStepReserveCart, domain.StepOutcomeSucceeded, domain.SagaStepReleaseCart, "") {
		return o.fail(ctx, order, stack, domain.ReasonCartUnavailable, errors.New("saga log append failed"))
	}
	if err := o.updateStatus(order, domain.OrderStatusCartReserved); err != nil {
		return o.fail(ctx, order, stack, domain.ReasonCartUnavailable, err)
	}
	o.publishSagaEvent(kafka.EventTypeStepCartReserved, order.ID, nil)

	// Шаг 2: резерв стока. Пробуем все позиции, чтобы вернуть полный
	// список недоступных SKU, а не только первый.
	if reason, canceled := o.cancelRequested(order.ID); canceled {
		return o.abort(ctx, order, stack, domain.ReasonCanceled, reason)
	}
	var failedSKUs []string
	var lastReserveErr error
	for _, item := range order.Items {
		item := item
		reserveErr := o.callStep(ctx, domain.SagaStepReserveInventory, func(stepCtx context.Context) error {
			return o.inventory.Reserve(stepCtx, order.ID, item.SKU, item.Qty)
		})
		if reserveErr != nil {
			failedSKUs = append(failedSKUs, item.SKU)
			lastReserveErr = reserveErr
			o.appendStep(order.ID, domain.SagaStepReserveInventory, domain.StepOutcomeFailed, "", item.SKU+": "+reserveErr.Error())
			continue
		}
		stack = append(stack, compensationAction{
			step:   domain.SagaStepReleaseInventory,
			detail: item.SKU,
			run: func(compCtx context.Context) error {
				return o.inventory.Release(compCtx, order.ID, item.SKU)
			},
		})
		if !o.appendStep(order.ID, domain.SagaStepReserveInventory, domain.StepOutcomeSucceeded, domain.SagaStepReleaseInventory, item.SKU) {
			return o.fail(ctx, order, stack, domain.ReasonStockUnavailable, errors.New("saga log append failed"))
		}
	}
	if len(failedSKUs) > 0 {
		order.FailedSKUs = failedSKUs
		return o.fail(ctx, order, stack, domain.ReasonStockUnavailable, lastReserveErr)
	}
	if err := o.updateStatus(order, domain.OrderStatusInventoryReserved); err != nil {
		return o.fail(ctx, order, stack, domain.ReasonStockUnavailable, err)
	}
	o.publishSagaEvent(kafka.EventTypeStepInventoryReserved, order.ID, map[string]interface{}{
		"items_count": len(order.Items),
	})

	// Шаг 3: авторизация платежа.
	if reason, canceled := o.cancelRequested(order.ID); canceled {
		return o.abort(ctx, order, stack, domain.ReasonCanceled, reason)
	}
	var token domain.AuthorizationToken
	err = o.callStep(ctx, domain.SagaStepAuthorizePayment, func(stepCtx context.Context) error {
		var authErr error
		token, authErr = o.payments.Authorize(stepCtx, order.ID, order.AmountMinor, order.PaymentMethod, paymentKey+":authorize")
		return authErr
	})
	if err != nil {
		o.appendStep(order.ID, domain.SagaStepAuthorizePayment, domain.StepOutcomeFailed, "", err.Error())
		return o.fail(ctx, order, stack, domain.ReasonPaymentDeclined, err)
	}
	stack = append(stack, compensationAction{
		step:   domain.SagaStepVoidPayment,
		detail: token.ID,
		run: func(compCtx context.Context) error {
			return o.payments.Void(compCtx, token)
		},
	})
	if !o.appendStep(order.ID, domain.SagaStepAuthorizePayment, domain.StepOutcomeSucceeded, domain.SagaStepVoidPayment, token.ID) {
		return o.fail(ctx, order, stack, domain.ReasonPaymentDeclined, errors.New("saga log append failed"))
	}
	if err := o.updateStatus(order, domain.OrderStatusPaymentAuthorized); err != nil {
		return o.fail(ctx, order, stack, domain.ReasonPaymentDeclined, err)
	}

	// Отмена, успевшая до capture, ещё аннулирует авторизацию через void.
	if reason, canceled := o.cancelRequested(order.ID); canceled {
		return o.abort(ctx, order, stack, domain.ReasonCanceled, reason)
	}

	// Шаг 4: capture. После успешного capture компенсация авторизации
	// меняется с void на refund — точка невозврата для отмены пройдена.
	var receipt domain.ChargeReceipt
	err = o.callStep(ctx, domain.SagaStepCapturePayment, func(stepCtx context.Context) error {
		var capErr error
		receipt, capErr = o.payments.Capture(stepCtx, token, paymentKey+":capture")
		return capErr
	})
	if err != nil {
		o.appendStep(order.ID, domain.SagaStepCapturePayment, domain.StepOutcomeFailed, "", err.Error())
		return o.fail(ctx, order, stack, domain.ReasonPaymentCaptureError, err)
	}
	stack[len(stack)-1] = compensationAction{
		step:   domain.SagaStepRefundPayment,
		detail: receipt.ID,
		run: func(compCtx context.Context) error {
			return o.payments.Refund(compCtx, receipt)
		},
	}
	if !o.appendStep(order.ID, domain.SagaStepCapturePayment, domain.StepOutcomeSucceeded, domain.SagaStepRefundPayment, receipt.ID) {
		return o.fail(ctx, order, stack, domain.ReasonPaymentCaptureError, errors.New("saga log append failed"))
	}
	order.ConfirmationRef = receipt.Reference
	o.publishSagaEvent(kafka.EventTypeStepPaymentCaptured, order.ID, map[string]interface{}{
		"amount_minor": order.AmountMinor,
		"receipt":      receipt.Reference,
	})

	// Шаг 5: фиксация стока. Истёкший резерв означает полный откат;
	// уже зафиксированные SKU вернуть нельзя — помечаем ручную сверку.
	var committedSKUs []string
	for _, item := range order.Items {
		item := item
		commitErr := o.callStep(ctx, domain.SagaStepCommitInventory, func(stepCtx context.Context) error {
			return o.inventory.Commit(stepCtx, order.ID, item.SKU)
		})
		if commitErr != nil {
			o.appendStep(order.ID, domain.SagaStepCommitInventory, domain.StepOutcomeFailed, "", item.SKU+": "+commitErr.Error())
			if len(committedSKUs) > 0 {
				order.RequiresReconciliation = true
				o.recordReconciliation(order, "inventory partially committed before failure", committedSKUs)
			}
			return o.fail(ctx, order, stack, domain.ReasonReservationExpired, commitErr)
		}
		committedSKUs = append(committedSKUs, item.SKU)
		if !o.appendStep(order.ID, domain.SagaStepCommitInventory, domain.StepOutcomeSucceeded, "", item.SKU) {
			// Сток уже списан, вернуть его нельзя — только ручная сверка.
			order.RequiresReconciliation = true
			o.recordReconciliation(order, "inventory committed without saga log record", committedSKUs)
			return o.fail(ctx, order, stack, domain.ReasonReservationExpired, errors.New("saga log append failed"))
		}
	}

	// Шаг 6: фиксация корзины. Оплата уже прошла, сток списан — отказ
	// здесь не откатывает заказ, а требует ручной сверки корзины.
	err = o.callStep(ctx, domain.SagaStepCommitCart, func(stepCtx context.Context) error {
		return o.cart.Commit(stepCtx, order.ID)
	})
	if err != nil {
		o.appendStep(order.ID, domain.SagaStepCommitCart, domain.StepOutcomeFailed, "", err.Error())
		o.logger.WithError(err).WithField("order_id", order.ID).Warn("cart commit failed after capture")
		order.RequiresReconciliation = true
		o.recordReconciliation(order, "cart commit failed after payment capture", nil)
	} else {
		o.appendStep(order.ID, domain.SagaStepCommitCart, domain.StepOutcomeSucceeded, "", "")
	}

	confirmationRef := order.ConfirmationRef
	reconcile := order.RequiresReconciliation
	if err := o.persist(order, func(ord *domain.Order) {
		ord.Status = domain.OrderStatusCommitted
		ord.ConfirmationRef = confirmationRef
		ord.RequiresReconciliation = ord.RequiresReconciliation || reconcile
	}); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("persist committed status failed")
		return o.terminalResult(order), err
	}
	o.emitStatusEvent(order)
	o.logger.WithField("order_id", order.ID).Info("checkout saga committed")
	if o.metrics != nil {
		o.metrics.RecordSagaCommitted()
	}
	o.publishSagaEvent(kafka.EventTypeSagaCompleted, order.ID, map[string]interface{}{
		"user_id":      order.UserID,
		"amount_minor": order.AmountMinor,
	})
	o.emitEvent(order, "OrderCommitted", map[string]interface{}{
		"confirmation_ref": order.ConfirmationRef,
		"amount_minor":     order.AmountMinor,
	})

	// Отмена, принятая во время capture или фиксации, деградирует до
	// refund-and-release: заказ остаётся committed, средства возвращаются,
	// сток освобождается. Молча забыть принятый Cancel нельзя.
	if reason, canceled := o.cancelRequested(order.ID); canceled {
		o.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"reason":   reason,
		}).Info("cancel arrived after capture, degrading to refund")
		if refundErr := o.refundCommitted(ctx, order, reason); refundErr != nil {
			o.logger.WithError(refundErr).WithField("order_id", order.ID).Error("refund after late cancel failed")
			o.flagReconciliation(order, "refund after late cancel failed")
		}
	}

	return o.terminalResult(order), nil
}

// GetStatus возвращает текущее состояние заказа и журнал его саги.
func (o *orchestrator) GetStatus(_ context.Context, orderID string) (domain.Order, []domain.SagaStepRecord, error) {
	order, err := o.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	records, err := o.sagaLog.List(orderID)
	if err != nil {
		return order, nil, err
	}
	return order, records, nil
}

// Cancel запрашивает отмену заказа.
//
// Активная сага увидит запрос на ближайшей точке проверки и откатится сама.
// Для завершённого заказа выполняется возврат средств и освобождение стока.
// Для незавершённого заказа без активной саги (после рестарта процесса)
// компенсация восстанавливается из журнала шагов.
func (o *orchestrator) Cancel(ctx context.Context, orderID, reason string) error {
	order, err := o.orders.Get(orderID)
	if err != nil {
		return err
	}

	if order.Status == domain.OrderStatusFailed {
		o.logger.WithField("order_id", orderID).Debug("order already failed, cancel is a no-op")
		return nil
	}

	if order.Status == domain.OrderStatusCommitted {
		return o.refundCommitted(ctx, &order, reason)
	}

	if o.requestCancel(orderID, reason) {
		o.logger.WithFields(log.Fields{
			"order_id": orderID,
			"reason":   reason,
		}).Info("cancel requested for in-flight saga")
		return nil
	}

	// Саги в памяти нет — докомпенсируем по журналу.
	stack, err := o.stackFromLog(orderID, order.AmountMinor)
	if err != nil {
		return err
	}
	o.compensate(ctx, &order, stack)
	if err := o.persist(&order, func(ord *domain.Order) {
		ord.Status = domain.OrderStatusFailed
		ord.Reason = domain.ReasonCanceled
	}); err != nil {
		return err
	}
	o.emitEvent(&order, "OrderCanceled", map[string]interface{}{
		"reason": reason,
	})
	o.publishSagaEvent(kafka.EventTypeSagaFailed, order.ID, map[string]interface{}{
		"reason": string(domain.ReasonCanceled),
	})
	return nil
}

// refundCommitted возвращает средства и освобождает ресурсы уже
// завершённого заказа. Статус остаётся committed: заказ состоялся,
// возврат — отдельное событие его жизненного цикла.
func (o *orchestrator) refundCommitted(ctx context.Context, order *domain.Order, reason string) error {
	stack, err := o.stackFromLog(order.ID, order.AmountMinor)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(stack) - 1; i >= 0; i-- {
		if compErr := o.runCompensation(ctx, order.ID, stack[i]); compErr != nil {
			o.flagReconciliation(order, string(stack[i].step)+" failed during refund")
			continue
		}
		o.appendStep(order.ID, stack[i].step, domain.StepOutcomeCompensated, "", stack[i].detail)
	}
	o.emitEvent(order, "OrderRefunded", map[string]interface{}{
		"amount_minor": order.AmountMinor,
		"reason":       reason,
	})
	o.publishSagaEvent(kafka.EventTypeOrderRefunded, order.ID, map[string]interface{}{
		"amount_minor": order.AmountMinor,
		"reason":       reason,
	})
	return nil
}

// stackFromLog восстанавливает стек компенсаций из журнала шагов.
// Успешный capture вытесняет void: после списания средств авторизацию
// аннулировать нельзя, возможен только refund.
func (o *orchestrator) stackFromLog(orderID string, amountMinor int64) ([]compensationAction, error) {
	records, err := o.sagaLog.List(orderID)
	if err != nil {
		return nil, err
	}

	var stack []compensationAction
	captured := false
	for _, rec := range records {
		if rec.Outcome == domain.StepOutcomeSucceeded && rec.Step == domain.SagaStepCapturePayment {
			captured = true
		}
	}
	for _, rec := range records {
		rec := rec
		if rec.Outcome == domain.StepOutcomeCompensated {
			stack = removeAction(stack, rec.Step, rec.Detail)
			continue
		}
		if rec.Outcome != domain.StepOutcomeSucceeded || rec.Compensation == "" {
			continue
		}
		switch rec.Compensation {
		case domain.SagaStepReleaseCart:
			stack = append(stack, compensationAction{
				step: domain.SagaStepReleaseCart,
				run: func(ctx context.Context) error {
					return o.cart.Release(ctx, orderID)
				},
			})
		case domain.SagaStepReleaseInventory:
			sku := rec.Detail
			stack = append(stack, compensationAction{
				step:   domain.SagaStepReleaseInventory,
				detail: sku,
				run: func(ctx context.Context) error {
					return o.inventory.Release(ctx, orderID, sku)
				},
			})
		case domain.SagaStepVoidPayment:
			if captured {
				continue
			}
			token := domain.AuthorizationToken{OrderID: orderID, ID: rec.Detail}
			stack = append(stack, compensationAction{
				step:   domain.SagaStepVoidPayment,
				detail: token.ID,
				run: func(ctx context.Context) error {
					return o.payments.Void(ctx, token)
				},
			})
		case domain.SagaStepRefundPayment:
			receipt := domain.ChargeReceipt{OrderID: orderID, ID: rec.Detail, AmountMinor: amountMinor}
			stack = append(stack, compensationAction{
				step:   domain.SagaStepRefundPayment,
				detail: receipt.ID,
				run: func(ctx context.Context) error {
					return o.payments.Refund(ctx, receipt)
				},
			})
		}
	}
	return stack, nil
}

func removeAction(stack []compensationAction, step domain.SagaStep, detail string) []compensationAction {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].step == step && stack[i].detail == detail {
			return append(stack[:i], stack[i+1:]...)
		}
	}
	return stack
}

// callStep выполняет обращение к leaf-сервису с таймаутом шага и, если
// настроен, через circuit breaker.
func (o *orchestrator) callStep(ctx context.Context, step domain.SagaStep, fn func(ctx context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	var err error
	if o.breaker != nil {
		err = o.breaker.Execute(string(step), func() error {
			return fn(stepCtx)
		})
	} else {
		err = fn(stepCtx)
	}

	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(step), time.Since(start))
	}
	return err
}

// appendStep пишет запись журнала ДО перехода к следующему шагу.
// Возвращает false, если запись не удалась: без надёжного журнала
// продолжать сагу нельзя.
func (o *orchestrator) appendStep(orderID string, step domain.SagaStep, outcome domain.StepOutcome, compensation domain.SagaStep, detail string) bool {
	record := domain.SagaStepRecord{
		OrderID:      orderID,
		Step:         step,
		Outcome:      outcome,
		Compensation: compensation,
		Detail:       detail,
		Occurred:     o.now(),
	}
	if err := o.sagaLog.Append(record); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"step":     step,
		}).Error("append saga log failed")
		return false
	}
	if o.metrics != nil {
		o.metrics.RecordSagaLogRecord()
	}
	return true
}

func (o *orchestrator) terminalResult(order *domain.Order) domain.OrderResult {
	return domain.OrderResult{
		OrderID:                order.ID,
		Status:                 order.Status,
		Reason:                 order.Reason,
		ConfirmationRef:        order.ConfirmationRef,
		FailedSKUs:             order.FailedSKUs,
		RequiresReconciliation: order.RequiresReconciliation,
	}
}

func (o *orchestrator) markInflight(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[orderID] = true
}

func (o *orchestrator) clearInflight(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, orderID)
	delete(o.cancels, orderID)
}

// requestCancel помечает активную сагу на отмену. Возвращает false,
// если саги в памяти нет.
func (o *orchestrator) requestCancel(orderID, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.inflight[orderID] {
		return false
	}
	if reason == "" {
		reason = "canceled by user"
	}
	o.cancels[orderID] = reason
	return true
}

func (o *orchestrator) cancelRequested(orderID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reason, ok := o.cancels[orderID]
	return reason, ok
}

// updateStatus меняет статус заказа с retry при version conflict.
func (o *orchestrator) updateStatus(order *domain.Order, newStatus domain.OrderStatus) error {
	if order.Status == newStatus {
		return nil
	}
	if err := o.persist(order, func(ord *domain.Order) {
		ord.Status = newStatus
	}); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"status":   newStatus,
		}).Error("failed to persist status")
		return err
	}
	o.emitStatusEvent(order)
	return nil
}

// persist сохраняет заказ с exponential backoff при конфликте версий.
// Мутация применяется заново после каждой перезагрузки свежей версии.
func (o *orchestrator) persist(order *domain.Order, mutate func(*domain.Order)) error {
	const maxRetries = 3
	const baseDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		mutate(order)
		order.UpdatedAt = o.now()

		if err := o.orders.Save(*order); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxRetries-1 {
				o.logger.WithFields(log.Fields{
					"order_id": order.ID,
					"attempt":  attempt + 1,
					"version":  order.Version,
				}).Warn("version conflict detected, retrying")

				fresh, loadErr := o.orders.Get(order.ID)
				if loadErr != nil {
					o.logger.WithError(loadErr).WithField("order_id", order.ID).Error("failed to reload order after conflict")
					return loadErr
				}
				*order = fresh

				time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
				continue
			}
			return err
		}

		order.Version++
		return nil
	}

	return domain.ErrOrderVersionConflict
}

func (o *orchestrator) emitStatusEvent(order *domain.Order) {
	o.emitEvent(order, "OrderStatusChanged", map[string]interface{}{
		"status":     string(order.Status),
		"updated_at": order.UpdatedAt.Format(time.RFC3339Nano),
	})
}

// recordReconciliation помечает заказ и публикует reconciliation.required.
func (o *orchestrator) recordReconciliation(order *domain.Order, cause string, skus []string) {
	if o.metrics != nil {
		o.metrics.RecordManualReconciliation()
	}
	payload := map[string]interface{}{
		"cause": cause,
	}
	if len(skus) > 0 {
		payload["skus"] = skus
	}
	o.emitEvent(order, "ReconciliationRequired", payload)
	o.publishSagaEvent(kafka.EventTypeReconciliationRequired, order.ID, payload)
}

func (o *orchestrator) emitEvent(order *domain.Order, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["order_id"] = order.ID
	payload["ts"] = o.now().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(msg); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

// publishSagaEvent публикует событие саги в Kafka (если producer настроен)
func (o *orchestrator) publishSagaEvent(eventType kafka.EventType, orderID string, metadata map[string]interface{}) {
	if o.kafkaProducer == nil {
		return // Kafka не настроен, пропускаем
	}

	event := kafka.NewSagaEvent(eventType, orderID, metadata)
	if err := o.kafkaProducer.PublishEvent(kafka.TopicSagaEvents, orderID, event); err != nil {
		// Логируем ошибку, но не прерываем сагу: Kafka опциональна
		o.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"order_id":   orderID,
		}).Warn("failed to publish saga event to kafka")
	}
}

type noopOrchestrator struct {
	logger *log.Entry
}

// NewNoop возвращает оркестратор-заглушку: используется, когда сага
// выключена конфигурацией.
func NewNoop(logger *log.Entry) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga-noop")
	}
	return &noopOrchestrator{logger: logger}
}

func (n *noopOrchestrator) Checkout(_ context.Context, req CheckoutRequest) (domain.OrderResult, error) {
	n.logger.WithField("user_id", req.UserID).Info("saga orchestrator noop checkout")
	return domain.OrderResult{}, errors.New("saga orchestrator is disabled")
}

func (n *noopOrchestrator) GetStatus(_ context.Context, orderID string) (domain.Order, []domain.SagaStepRecord, error) {
	n.logger.WithField("order_id", orderID).Info("saga orchestrator noop get status")
	return domain.Order{}, nil, domain.ErrOrderNotFound
}

func (n *noopOrchestrator) Cancel(_ context.Context, orderID, reason string) error {
	n.logger.WithFields(log.Fields{
		"order_id": orderID,
		"reason":   reason,
	}).Info("saga orchestrator noop cancel")
	return errors.New("saga orchestrator is disabled")
}

var _ Orchestrator = (*orchestrator)(nil)
var _ Orchestrator = (*noopOrchestrator)(nil)
