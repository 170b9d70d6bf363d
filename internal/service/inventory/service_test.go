package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

func TestReserveHoldsWithoutConsuming(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	onHand, available, err := svc.GetStock(ctx, "A")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if onHand != 5 {
		t.Fatalf("reserve must not consume stock, on-hand %d", onHand)
	}
	if available != 2 {
		t.Fatalf("expected 2 available, got %d", available)
	}
}

func TestReserveInsufficientStock(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 2); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 3); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// Доступный сток считается с учётом чужих резервов.
	if err := svc.Reserve(ctx, "order-1", "A", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Reserve(ctx, "order-2", "A", 1); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock for second order, got %v", err)
	}
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 2); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Повтор того же резерва не удваивает удержание.
	if err := svc.Reserve(ctx, "order-1", "A", 2); err != nil {
		t.Fatalf("repeat reserve: %v", err)
	}

	_, available, _ := svc.GetStock(ctx, "A")
	if available != 0 {
		t.Fatalf("expected 0 available, got %d", available)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.Release(ctx, "order-1", "A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.Release(ctx, "order-1", "A"); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := svc.Release(ctx, "ghost", "A"); err != nil {
		t.Fatalf("unknown release: %v", err)
	}

	_, available, _ := svc.GetStock(ctx, "A")
	if available != 5 {
		t.Fatalf("expected all stock available, got %d", available)
	}
}

func TestCommitConsumesStock(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Commit(ctx, "order-1", "A"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	onHand, available, _ := svc.GetStock(ctx, "A")
	if onHand != 2 || available != 2 {
		t.Fatalf("expected on-hand 2 available 2, got %d/%d", onHand, available)
	}

	// Commit без резерва невозможен.
	if err := svc.Commit(ctx, "order-1", "A"); !errors.Is(err, domain.ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
}

func TestCommitExpiredReservation(t *testing.T) {
	current := time.Now().UTC()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	svc := NewService(nil).WithClock(clock).WithReservationTTL(time.Minute)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	if err := svc.Commit(ctx, "order-1", "A"); !errors.Is(err, domain.ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}

	// Истёкший резерв перестал удерживать сток.
	onHand, available, _ := svc.GetStock(ctx, "A")
	if onHand != 5 || available != 5 {
		t.Fatalf("expected full stock back, got %d/%d", onHand, available)
	}
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := string(rune('a' + i))
			if err := svc.Reserve(ctx, orderID, "A", 1); err == nil {
				wins <- orderID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	if err := svc.Commit(ctx, winners[0], "A"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	onHand, available, _ := svc.GetStock(ctx, "A")
	if onHand != 0 || available != 0 {
		t.Fatalf("stock must never go negative, got %d/%d", onHand, available)
	}
}

func TestAdminStockOperations(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "", 5); !errors.Is(err, domain.ErrItemSKURequired) {
		t.Fatalf("expected sku required, got %v", err)
	}
	if err := svc.SetStock(ctx, "A", -1); !errors.Is(err, domain.ErrItemQtyInvalid) {
		t.Fatalf("expected qty invalid, got %v", err)
	}

	if err := svc.SetStock(ctx, "A", 3); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.AddStock(ctx, "A", 2); err != nil {
		t.Fatalf("add stock: %v", err)
	}
	onHand, _, _ := svc.GetStock(ctx, "A")
	if onHand != 5 {
		t.Fatalf("expected 5, got %d", onHand)
	}
}

// TestReleaseAfterCommitReturnsStock: release по уже зафиксированному
// заказу — это возврат товара, списанное количество возвращается на склад.
func TestReleaseAfterCommitReturnsStock(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	if err := svc.SetStock(ctx, "A", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if err := svc.Reserve(ctx, "order-1", "A", 2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Commit(ctx, "order-1", "A"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if onHand, _, _ := svc.GetStock(ctx, "A"); onHand != 3 {
		t.Fatalf("expected on-hand 3 after commit, got %d", onHand)
	}

	if err := svc.Release(ctx, "order-1", "A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	onHand, available, _ := svc.GetStock(ctx, "A")
	if onHand != 5 || available != 5 {
		t.Fatalf("expected stock returned, got %d/%d", onHand, available)
	}

	// Повторный release не задваивает возврат.
	if err := svc.Release(ctx, "order-1", "A"); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if onHand, _, _ := svc.GetStock(ctx, "A"); onHand != 5 {
		t.Fatalf("double release must be a no-op, got on-hand %d", onHand)
	}
}
