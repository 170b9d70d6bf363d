package memory

import (
	"sync"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

// sagaLogRepositoryInMemory хранит журналы шагов саг в памяти.
// Порядок записей по каждому заказу совпадает с порядком Append.
type sagaLogRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string][]domain.SagaStepRecord
}

// NewSagaLogRepository создаёт in-memory журнал саги.
func NewSagaLogRepository() domain.SagaLogRepository {
	return &sagaLogRepositoryInMemory{
		records: make(map[string][]domain.SagaStepRecord),
	}
}

// Append добавляет запись в журнал заказа.
func (r *sagaLogRepositoryInMemory) Append(record domain.SagaStepRecord) error {
	if record.OrderID == "" {
		return domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.OrderID] = append(r.records[record.OrderID], record)
	return nil
}

// List возвращает копию журнала заказа в порядке добавления.
func (r *sagaLogRepositoryInMemory) List(orderID string) ([]domain.SagaStepRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.SagaStepRecord(nil), r.records[orderID]...), nil
}

var _ domain.SagaLogRepository = (*sagaLogRepositoryInMemory)(nil)
