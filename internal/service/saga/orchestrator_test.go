package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
	"github.com/silveralcid/retail-checkout/internal/service/cart"
	"github.com/silveralcid/retail-checkout/internal/service/inventory"
	"github.com/silveralcid/retail-checkout/internal/service/payment"
	"github.com/silveralcid/retail-checkout/internal/storage/memory"
)

// outboxWithAllPending — in-memory outbox с доступом ко всем pending-событиям.
type outboxWithAllPending interface {
	domain.OutboxRepository
	AllPending() []domain.OutboxMessage
}

type testEnv struct {
	orders    domain.OrderRepository
	sagaLog   domain.SagaLogRepository
	outbox    outboxWithAllPending
	cart      *cart.Service
	inventory *inventory.Service
	payments  *payment.Service
	orch      Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := log.New().WithField("test", t.Name())
	orders := memory.NewOrderRepository()
	sagaLog := memory.NewSagaLogRepository()
	outbox := memory.NewOutboxRepository()
	cartSvc := cart.NewService(logger)
	invSvc := inventory.NewService(logger)
	paySvc := payment.NewService(logger, payment.NewCreditCardGateway(0), payment.NewPayPalGateway(0))

	orch := NewOrchestratorWithoutMetrics(orders, sagaLog, outbox, cartSvc, invSvc, paySvc, logger)

	return &testEnv{
		orders:    orders,
		sagaLog:   sagaLog,
		outbox:    outbox,
		cart:      cartSvc,
		inventory: invSvc,
		payments:  paySvc,
		orch:      orch,
	}
}

// fastRetry делает ретраи компенсаций быстрыми в тестах.
func fastRetry(orch Orchestrator) {
	if o, ok := orch.(*orchestrator); ok {
		o.retry = RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		}
	}
}

func seedCartAndStock(t *testing.T, env *testEnv, userID string) {
	t.Helper()
	ctx := context.Background()

	if err := env.cart.AddItem(ctx, userID, domain.LineItem{SKU: "A", Qty: 2, PriceMinor: 10}); err != nil {
		t.Fatalf("add item A: %v", err)
	}
	if err := env.cart.AddItem(ctx, userID, domain.LineItem{SKU: "B", Qty: 1, PriceMinor: 5}); err != nil {
		t.Fatalf("add item B: %v", err)
	}
	if err := env.inventory.SetStock(ctx, "A", 5); err != nil {
		t.Fatalf("set stock A: %v", err)
	}
	if err := env.inventory.SetStock(ctx, "B", 5); err != nil {
		t.Fatalf("set stock B: %v", err)
	}
}

func checkoutRequest(userID string) CheckoutRequest {
	return CheckoutRequest{
		UserID: userID,
		Items: []domain.LineItem{
			{SKU: "A", Qty: 2, PriceMinor: 10},
			{SKU: "B", Qty: 1, PriceMinor: 5},
		},
		PaymentMethod: payment.MethodCreditCard,
		Currency:      "USD",
	}
}

func assertAvailableEqualsOnHand(t *testing.T, env *testEnv, sku string, wantOnHand int64) {
	t.Helper()
	onHand, available, err := env.inventory.GetStock(context.Background(), sku)
	if err != nil {
		t.Fatalf("get stock %s: %v", sku, err)
	}
	if onHand != wantOnHand {
		t.Fatalf("sku %s: expected on-hand %d, got %d", sku, wantOnHand, onHand)
	}
	if available != onHand {
		t.Fatalf("sku %s: expected no active reservations, available %d on-hand %d", sku, available, onHand)
	}
}

func TestCheckoutHappyPath(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !result.Committed() {
		t.Fatalf("expected committed, got %s (%s)", result.Status, result.Reason)
	}
	if result.ConfirmationRef != "Processed 25 via Credit Card." {
		t.Fatalf("unexpected confirmation: %q", result.ConfirmationRef)
	}
	if result.RequiresReconciliation {
		t.Fatal("happy path must not require reconciliation")
	}

	// Сток списан и резервов не осталось.
	assertAvailableEqualsOnHand(t, env, "A", 3)
	assertAvailableEqualsOnHand(t, env, "B", 4)

	// Корзина очищена.
	items, err := env.cart.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty cart, got %d items", len(items))
	}

	// Платёж в состоянии captured.
	charge, ok := env.payments.Charge(result.OrderID)
	if !ok {
		t.Fatal("expected charge to exist")
	}
	if charge.State != domain.ChargeStateCaptured {
		t.Fatalf("expected captured, got %s", charge.State)
	}
	if charge.AmountMinor != 25 {
		t.Fatalf("expected amount 25, got %d", charge.AmountMinor)
	}

	// Журнал саги: все шаги успешны, по записи на SKU для складских шагов.
	records, err := env.sagaLog.List(result.OrderID)
	if err != nil {
		t.Fatalf("list saga log: %v", err)
	}
	if len(records) != 8 {
		t.Fatalf("expected 8 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Outcome != domain.StepOutcomeSucceeded {
			t.Fatalf("step %s: expected succeeded, got %s", rec.Step, rec.Outcome)
		}
	}
	if records[0].Step != domain.SagaStepReserveCart || records[len(records)-1].Step != domain.SagaStepCommitCart {
		t.Fatal("saga log out of step order")
	}
}

func TestCheckoutValidation(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.orch.Checkout(context.Background(), CheckoutRequest{
		UserID:        "",
		Items:         nil,
		PaymentMethod: "",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonValidation {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	env := newTestEnv(t)
	// Сток есть, корзина пуста.
	if err := env.inventory.SetStock(context.Background(), "A", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonCartUnavailable {
		t.Fatalf("expected cart_unavailable failure, got %+v", result)
	}
}

func TestCheckoutInsufficientStockNamesFailedSKU(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")
	// Сток B обнуляем: резерв B должен упасть, A — освободиться.
	if err := env.inventory.SetStock(context.Background(), "B", 0); err != nil {
		t.Fatalf("set stock B: %v", err)
	}

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonStockUnavailable {
		t.Fatalf("expected stock_unavailable failure, got %+v", result)
	}
	if len(result.FailedSKUs) != 1 || result.FailedSKUs[0] != "B" {
		t.Fatalf("expected failed skus [B], got %v", result.FailedSKUs)
	}

	// Резерв A снят, резерв корзины снят, платёж не создавался.
	assertAvailableEqualsOnHand(t, env, "A", 5)
	if _, ok := env.payments.Charge(result.OrderID); ok {
		t.Fatal("payment must not be touched when reservation fails")
	}
	if err := env.cart.Commit(context.Background(), result.OrderID); !errors.Is(err, domain.ErrCartReservationNotFound) {
		t.Fatalf("expected cart reservation released, got %v", err)
	}
}

func TestCheckoutPaymentDeclined(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")
	// Карточный gateway отклоняет всё дороже 10.
	env.payments.RegisterGateway(payment.NewCreditCardGateway(10))

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonPaymentDeclined {
		t.Fatalf("expected payment_declined failure, got %+v", result)
	}

	// Все резервы сняты, сток не тронут.
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
}

type stubPayment struct {
	mu         sync.Mutex
	authErr    error
	captureErr error

	authorizeCnt int
	captureCnt   int
	refundCnt    int
	voidCnt      int
}

func (s *stubPayment) Authorize(_ context.Context, orderID string, _ int64, _, _ string) (domain.AuthorizationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizeCnt++
	if s.authErr != nil {
		return domain.AuthorizationToken{}, s.authErr
	}
	return domain.AuthorizationToken{OrderID: orderID, ID: "auth-1"}, nil
}

func (s *stubPayment) Capture(_ context.Context, token domain.AuthorizationToken, _ string) (domain.ChargeReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureCnt++
	if s.captureErr != nil {
		return domain.ChargeReceipt{}, s.captureErr
	}
	return domain.ChargeReceipt{OrderID: token.OrderID, ID: "receipt-1", AmountMinor: 25, Reference: "ok"}, nil
}

func (s *stubPayment) Refund(_ context.Context, _ domain.ChargeReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundCnt++
	return nil
}

func (s *stubPayment) Void(_ context.Context, _ domain.AuthorizationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voidCnt++
	return nil
}

func TestCheckoutCaptureFailureVoidsAndReleases(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	payments := &stubPayment{captureErr: domain.ErrPaymentCapture}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, env.sagaLog, env.outbox, env.cart, env.inventory, payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonPaymentCaptureError {
		t.Fatalf("expected payment_capture_error failure, got %+v", result)
	}

	if payments.voidCnt != 1 {
		t.Fatalf("expected void once, got %d", payments.voidCnt)
	}
	if payments.refundCnt != 0 {
		t.Fatalf("refund must not run when capture failed, got %d", payments.refundCnt)
	}

	// Склад и корзина откатились.
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
	if err := env.cart.Commit(context.Background(), result.OrderID); !errors.Is(err, domain.ErrCartReservationNotFound) {
		t.Fatalf("expected cart reservation released, got %v", err)
	}
}

type stubInventory struct {
	mu sync.Mutex

	reserveErrs map[string]error
	commitErrs  map[string]error
	// releaseFailures — сколько первых вызовов Release должны падать.
	releaseFailures int

	reserveCnt int
	releaseCnt int
	commitCnt  int
}

func (s *stubInventory) Reserve(_ context.Context, _, sku string, _ int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveCnt++
	return s.reserveErrs[sku]
}

func (s *stubInventory) Release(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCnt++
	if s.releaseFailures > 0 {
		s.releaseFailures--
		return errors.New("inventory unavailable")
	}
	return nil
}

func (s *stubInventory) Commit(_ context.Context, _, sku string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCnt++
	return s.commitErrs[sku]
}

func TestCompensationRetriesUntilSuccess(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	inv := &stubInventory{releaseFailures: 2}
	payments := &stubPayment{authErr: domain.ErrPaymentDeclined}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, env.sagaLog, env.outbox, env.cart, inv, payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonPaymentDeclined {
		t.Fatalf("expected payment_declined failure, got %+v", result)
	}
	if result.RequiresReconciliation {
		t.Fatal("compensation eventually succeeded, no reconciliation expected")
	}
	// Первый release (SKU B) упал дважды и прошёл с третьей попытки,
	// второй (SKU A) прошёл сразу: 3 + 1 вызова.
	if inv.releaseCnt != 4 {
		t.Fatalf("expected 4 release calls, got %d", inv.releaseCnt)
	}
}

func TestCompensationExhaustedFlagsReconciliation(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	inv := &stubInventory{releaseFailures: 1000}
	payments := &stubPayment{authErr: domain.ErrPaymentDeclined}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, env.sagaLog, env.outbox, env.cart, inv, payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !result.RequiresReconciliation {
		t.Fatal("expected reconciliation flag after exhausted compensation")
	}

	// Неудача одного действия не останавливает остальные: резерв корзины снят.
	if err := env.cart.Commit(context.Background(), result.OrderID); !errors.Is(err, domain.ErrCartReservationNotFound) {
		t.Fatalf("expected cart reservation released, got %v", err)
	}

	order, err := env.orders.Get(result.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !order.RequiresReconciliation {
		t.Fatal("reconciliation flag must be persisted")
	}
}

func TestReservationExpiredOnCommitRefundsPayment(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	inv := &stubInventory{commitErrs: map[string]error{"A": domain.ErrReservationExpired}}
	payments := &stubPayment{}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, env.sagaLog, env.outbox, env.cart, inv, payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonReservationExpired {
		t.Fatalf("expected reservation_expired failure, got %+v", result)
	}

	// Capture уже состоялся — компенсация обязана вернуть деньги, не void.
	if payments.refundCnt != 1 {
		t.Fatalf("expected refund once, got %d", payments.refundCnt)
	}
	if payments.voidCnt != 0 {
		t.Fatalf("void must not run after capture, got %d", payments.voidCnt)
	}
}

func TestCartCommitFailureStillCommits(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	failingCart := &stubCart{inner: env.cart, commitErr: errors.New("cart service down")}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, env.sagaLog, env.outbox, failingCart, env.inventory, env.payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !result.Committed() {
		t.Fatalf("expected committed despite cart commit failure, got %s", result.Status)
	}
	if !result.RequiresReconciliation {
		t.Fatal("expected reconciliation flag for unfinished cart commit")
	}

	// Деньги списаны, сток зафиксирован.
	charge, ok := env.payments.Charge(result.OrderID)
	if !ok || charge.State != domain.ChargeStateCaptured {
		t.Fatalf("expected captured charge, got %+v", charge)
	}
	assertAvailableEqualsOnHand(t, env, "A", 3)
}

type stubCart struct {
	inner     domain.CartService
	commitErr error
}

func (s *stubCart) Reserve(ctx context.Context, orderID, userID string) (domain.CartReservation, error) {
	return s.inner.Reserve(ctx, orderID, userID)
}

func (s *stubCart) Release(ctx context.Context, orderID string) error {
	return s.inner.Release(ctx, orderID)
}

func (s *stubCart) Commit(ctx context.Context, orderID string) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.inner.Commit(ctx, orderID)
}

func TestConcurrentCheckoutLastUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Одна единица C на складе и два покупателя.
	if err := env.inventory.SetStock(ctx, "C", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	for _, user := range []string{"user-1", "user-2"} {
		if err := env.cart.AddItem(ctx, user, domain.LineItem{SKU: "C", Qty: 1, PriceMinor: 100}); err != nil {
			t.Fatalf("add item for %s: %v", user, err)
		}
	}

	req := func(user string) CheckoutRequest {
		return CheckoutRequest{
			UserID:        user,
			Items:         []domain.LineItem{{SKU: "C", Qty: 1, PriceMinor: 100}},
			PaymentMethod: payment.MethodCreditCard,
			Currency:      "USD",
		}
	}

	var wg sync.WaitGroup
	results := make([]domain.OrderResult, 2)
	for i, user := range []string{"user-1", "user-2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			result, err := env.orch.Checkout(ctx, req(user))
			if err != nil {
				t.Errorf("checkout %s: %v", user, err)
				return
			}
			results[i] = result
		}(i, user)
	}
	wg.Wait()

	committed, failed := 0, 0
	for _, result := range results {
		switch {
		case result.Committed():
			committed++
		case result.Reason == domain.ReasonStockUnavailable:
			failed++
		default:
			t.Fatalf("unexpected result: %+v", result)
		}
	}
	if committed != 1 || failed != 1 {
		t.Fatalf("expected exactly one winner, got committed=%d failed=%d", committed, failed)
	}

	onHand, available, err := env.inventory.GetStock(ctx, "C")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if onHand != 0 || available != 0 {
		t.Fatalf("expected stock fully consumed, on-hand=%d available=%d", onHand, available)
	}
}

func TestCheckoutIsDurableInOutbox(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !result.Committed() {
		t.Fatalf("expected committed, got %s", result.Status)
	}

	events := env.outbox.AllPending()
	if len(events) < 3 {
		t.Fatalf("expected at least 3 outbox events, got %d", len(events))
	}
	var sawStarted, sawCommitted bool
	for _, ev := range events {
		switch ev.EventType {
		case "OrderCheckoutStarted":
			sawStarted = true
		case "OrderCommitted":
			sawCommitted = true
		}
	}
	if !sawStarted || !sawCommitted {
		t.Fatalf("missing lifecycle events: started=%v committed=%v", sawStarted, sawCommitted)
	}
}

func TestGetStatusReturnsOrderAndLog(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	result, err := env.orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	order, records, err := env.orch.GetStatus(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if order.Status != domain.OrderStatusCommitted {
		t.Fatalf("expected committed, got %s", order.Status)
	}
	if len(records) == 0 {
		t.Fatal("expected saga log records")
	}

	if _, _, err := env.orch.GetStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

// failingSagaLog начинает отказывать в Append с заданного по счёту вызова.
type failingSagaLog struct {
	domain.SagaLogRepository

	mu       sync.Mutex
	appends  int
	failFrom int // 1-based номер Append, с которого идут отказы
}

func (f *failingSagaLog) Append(rec domain.SagaStepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.appends >= f.failFrom {
		return errors.New("saga log unavailable")
	}
	return f.SagaLogRepository.Append(rec)
}

// TestSagaLogFailureAfterInventoryReserveAborts: без записи об успешном
// резерве стока сага не имеет права идти к оплате — после рестарта такой
// резерв было бы нечем снять.
func TestSagaLogFailureAfterInventoryReserveAborts(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	// Первый Append (reserve_cart) проходит, запись о резерве A падает.
	flog := &failingSagaLog{SagaLogRepository: env.sagaLog, failFrom: 2}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, flog, env.outbox, env.cart, env.inventory, env.payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonStockUnavailable {
		t.Fatalf("expected stock_unavailable failure, got %+v", result)
	}

	// До оплаты дело не дошло, резервы сняты.
	if _, ok := env.payments.Charge(result.OrderID); ok {
		t.Fatal("payment must not start without a durable reservation record")
	}
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
	if err := env.cart.Commit(context.Background(), result.OrderID); !errors.Is(err, domain.ErrCartReservationNotFound) {
		t.Fatalf("expected cart reservation released, got %v", err)
	}
}

// TestSagaLogFailureAfterInventoryCommitCompensates: запись о списании
// стока не удалась — сага откатывается с возвратом денег и помечает заказ
// на ручную сверку, а не продолжает фиксацию вслепую.
func TestSagaLogFailureAfterInventoryCommitCompensates(t *testing.T) {
	env := newTestEnv(t)
	seedCartAndStock(t, env, "user-1")

	// Отказ начинается с шестого Append: записи о commit_inventory A.
	flog := &failingSagaLog{SagaLogRepository: env.sagaLog, failFrom: 6}
	logger := log.New().WithField("test", t.Name())
	orch := NewOrchestratorWithoutMetrics(env.orders, flog, env.outbox, env.cart, env.inventory, env.payments, logger)
	fastRetry(orch)

	result, err := orch.Checkout(context.Background(), checkoutRequest("user-1"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Status != domain.OrderStatusFailed || result.Reason != domain.ReasonReservationExpired {
		t.Fatalf("expected reservation_expired failure, got %+v", result)
	}
	if !result.RequiresReconciliation {
		t.Fatal("expected reconciliation flag for unlogged inventory commit")
	}

	// Capture уже состоялся — деньги возвращены, сток вернулся на склад.
	charge, ok := env.payments.Charge(result.OrderID)
	if !ok || charge.State != domain.ChargeStateRefunded {
		t.Fatalf("expected refunded charge, got %+v", charge)
	}
	assertAvailableEqualsOnHand(t, env, "A", 5)
	assertAvailableEqualsOnHand(t, env, "B", 5)
}
