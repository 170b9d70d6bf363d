package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

func TestCancelCommittedOrderRefunds(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !result.Committed() {
		t.Fatalf("expected committed, got %s", result.Status)
	}

	if err := env.orch.Cancel(context.Background(), result.OrderID, "customer returned goods"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Статус остаётся committed, деньги возвращены.
	order, _, err := env.orch.GetStatus(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if order.Status != domain.OrderStatusCommitted {
		t.Fatalf("refund must not change order status, got %s", order.Status)
	}
	charge, ok := env.payments.Charge(result.OrderID)
	if !ok || charge.State != domain.ChargeStateRefunded {
		t.Fatalf("expected refunded charge, got %+v", charge)
	}

	// Событие возврата попало в outbox.
	var sawRefunded bool
	for _, ev := range env.outbox.AllPending() {
		if ev.EventType == "OrderRefunded" {
			sawRefunded = true
		}
	}
	if !sawRefunded {
		t.Fatal("expected OrderRefunded event in outbox")
	}
}

func TestCancelFailedOrderIsNoop(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")
	if err := env.inventory.SetStock(context.Background(), "B", 0); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}

	if err := env.orch.Cancel(context.Background(), result.OrderID, "too late"); err != nil {
		t.Fatalf("cancel of failed order must be a no-op, got %v", err)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	err := env.orch.Cancel(context.Background(), "missing", "whatever")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

// cancelingPayments вызывает Cancel оркестратора изнутри платёжного шага:
// так воспроизводится отмена, принятая пока сага общается с провайдером.
type cancelingPayments struct {
	domain.PaymentService

	during string // "authorize" или "capture"
	cancel func(orderID string) error

	once      sync.Once
	cancelErr error
}

func (p *cancelingPayments) Authorize(ctx context.Context, orderID string, amountMinor int64, method, key string) (domain.AuthorizationToken, error) {
	if p.during == "authorize" {
		p.once.Do(func() { p.cancelErr = p.cancel(orderID) })
	}
	return p.PaymentService.Authorize(ctx, orderID, amountMinor, method, key)
}

func (p *cancelingPayments) Capture(ctx context.Context, token domain.AuthorizationToken, key string) (domain.ChargeReceipt, error) {
	if p.during == "capture" {
		p.once.Do(func() { p.cancelErr = p.cancel(token.OrderID) })
	}
	return p.PaymentService.Capture(ctx, token, key)
}

func newCancelMidPaymentOrch(t *testing.T, env *testEnv, during string) (Orchestrator, *cancelingPayments) {
	t.Helper()
	wrapped := &cancelingPayments{PaymentService: env.payments, during: during}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, env.sagaLog, env.outbox, env.cart, env.inventory, wrapped, logger)
	wrapped.cancel = func(orderID string) error {
		return orch.Cancel(context.Background(), orderID, "changed my mind")
	}
	fastRetry(orch)
	return orch, wrapped
}

// TestCancelDuringAuthorizeVoidsPayment: отмена, принятая во время
// авторизации, не должна потеряться — capture не выполняется, авторизация
// аннулируется, резервы снимаются.
func TestCancelDuringAuthorizeVoidsPayment(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")
	orch, wrapped := newCancelMidPaymentOrch(t, env, "authorize")

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if wrapped.cancelErr != nil {
		t.Fatalf("cancel of in-flight saga must be accepted, got %v", wrapped.cancelErr)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonCanceled {
		t.Fatalf("expected failed/canceled, got %s/%s", result.Status, result.Reason)
	}

	// Деньги не списаны: авторизация аннулирована до capture.
	charge, ok := env.payments.Charge(result.OrderID)
	if !ok || charge.State != domain.ChargeStateVoided {
		t.Fatalf("expected voided charge, got %+v", charge)
	}

	// Резервы сняты.
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
	if err := env.cart.Commit(context.Background(), result.OrderID); !errors.Is(err, domain.ErrCartReservationNotFound) {
		t.Fatalf("expected cart reservation released, got %v", err)
	}
}

// TestCancelDuringCaptureDegradesToRefund: отмена, принятая когда capture
// уже начался, деградирует до возврата — заказ остаётся committed, деньги
// возвращены, сток вернулся на склад.
func TestCancelDuringCaptureDegradesToRefund(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")
	orch, wrapped := newCancelMidPaymentOrch(t, env, "capture")

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if wrapped.cancelErr != nil {
		t.Fatalf("cancel of in-flight saga must be accepted, got %v", wrapped.cancelErr)
	}
	if !result.Committed() {
		t.Fatalf("expected committed with refund, got %s", result.Status)
	}

	charge, ok := env.payments.Charge(result.OrderID)
	if !ok || charge.State != domain.ChargeStateRefunded {
		t.Fatalf("expected refunded charge, got %+v", charge)
	}

	// Возврат попал в журнал саги.
	records, err := env.sagaLog.List(result.OrderID)
	if err != nil {
		t.Fatalf("list saga log: %v", err)
	}
	var sawRefund bool
	for _, rec := range records {
		if rec.Step == domain.SagaStepRefundPayment && rec.Outcome == domain.StepOutcomeCompensated {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Fatal("expected refund_payment record in saga log")
	}

	// Списанный сток вернулся на склад.
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
}

// TestCancelStrandedOrderCompensatesFromLog воспроизводит рестарт процесса:
// заказ застрял в середине саги, активной горутины нет, компенсация
// восстанавливается из журнала шагов.
func TestCancelStrandedOrderCompensatesFromLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCartAndStock(t, env, "user-1")

	const orderID = "stranded-1"
	now := time.Now().UTC()
	order := domain.Order{
		ID:            orderID,
		UserID:        "user-1",
		Status:        domain.OrderStatusInventoryReserved,
		Currency:      "USD",
		AmountMinor:   25,
		PaymentMethod: "credit_card",
		Items: []domain.LineItem{
			{SKU: "A", Qty: 2, PriceMinor: 10},
			{SKU: "B", Qty: 1, PriceMinor: 5},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.orders.Create(order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	// Реальные резервы, как их оставила бы упавшая сага.
	if _, err := env.cart.Reserve(ctx, orderID, "user-1"); err != nil {
		t.Fatalf("reserve cart: %v", err)
	}
	if err := env.inventory.Reserve(ctx, orderID, "A", 2); err != nil {
		t.Fatalf("reserve A: %v", err)
	}
	if err := env.inventory.Reserve(ctx, orderID, "B", 1); err != nil {
		t.Fatalf("reserve B: %v", err)
	}

	// Журнал, записанный до падения.
	for _, rec := range []domain.SagaStepRecord{
		{OrderID: orderID, Step: domain.SagaStepReserveCart, Outcome: domain.StepOutcomeSucceeded, Compensation: domain.SagaStepReleaseCart, Occurred: now},
		{OrderID: orderID, Step: domain.SagaStepReserveInventory, Outcome: domain.StepOutcomeSucceeded, Compensation: domain.SagaStepReleaseInventory, Detail: "A", Occurred: now},
		{OrderID: orderID, Step: domain.SagaStepReserveInventory, Outcome: domain.StepOutcomeSucceeded, Compensation: domain.SagaStepReleaseInventory, Detail: "B", Occurred: now},
	} {
		if err := env.sagaLog.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := env.orch.Cancel(ctx, orderID, "stuck after restart"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	updated, err := env.orders.Get(orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if updated.Status != domain.OrderStatusFailed || updated.Reason != domain.ReasonCanceled {
		t.Fatalf("expected failed/canceled, got %s/%s", updated.Status, updated.Reason)
	}

	// Резервы сняты.
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
	if err := env.cart.Commit(ctx, orderID); !errors.Is(err, domain.ErrCartReservationNotFound) {
		t.Fatalf("expected cart reservation released, got %v", err)
	}
}
