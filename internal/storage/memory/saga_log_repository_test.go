package memory

import (
	"testing"
	"time"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

func TestSagaLogAppendAndList(t *testing.T) {
	repo := NewSagaLogRepository()
	now := time.Now().UTC()

	steps := []domain.SagaStep{
		domain.SagaStepReserveCart,
		domain.SagaStepReserveInventory,
		domain.SagaStepAuthorizePayment,
	}
	for _, step := range steps {
		err := repo.Append(domain.SagaStepRecord{
			OrderID:  "order-1",
			Step:     step,
			Outcome:  domain.StepOutcomeSucceeded,
			Occurred: now,
		})
		if err != nil {
			t.Fatalf("append %s: %v", step, err)
		}
	}

	records, err := repo.List("order-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, step := range steps {
		if records[i].Step != step {
			t.Fatalf("record %d: expected %s, got %s", i, step, records[i].Step)
		}
	}
}

func TestSagaLogRequiresOrderID(t *testing.T) {
	repo := NewSagaLogRepository()
	err := repo.Append(domain.SagaStepRecord{Step: domain.SagaStepReserveCart})
	if err == nil {
		t.Fatal("expected error for empty order id")
	}
}

func TestSagaLogListUnknownOrder(t *testing.T) {
	repo := NewSagaLogRepository()
	records, err := repo.List("missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}
}

func TestSagaLogIsolatedFromMutation(t *testing.T) {
	repo := NewSagaLogRepository()
	if err := repo.Append(domain.SagaStepRecord{
		OrderID: "order-1",
		Step:    domain.SagaStepReserveCart,
		Outcome: domain.StepOutcomeSucceeded,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, _ := repo.List("order-1")
	records[0].Step = domain.SagaStepRefundPayment

	fresh, _ := repo.List("order-1")
	if fresh[0].Step != domain.SagaStepReserveCart {
		t.Fatal("mutation of returned slice leaked into repository")
	}
}
