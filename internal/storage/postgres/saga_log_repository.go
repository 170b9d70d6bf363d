package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

type sagaLogRepository struct {
	db *sql.DB
}

// NewSagaLogRepository создаёт PostgreSQL-реализацию SagaLogRepository.
func NewSagaLogRepository(store *Store) domain.SagaLogRepository {
	return &sagaLogRepository{db: store.DB()}
}

func (r *sagaLogRepository) Append(record domain.SagaStepRecord) error {
	if record.OrderID == "" {
		return domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if record.Occurred.IsZero() {
		record.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO saga_log (order_id, step, outcome, compensation, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`,
		record.OrderID, string(record.Step), string(record.Outcome),
		string(record.Compensation), record.Detail, record.Occurred,
	); err != nil {
		return fmt.Errorf("append saga log record: %w", err)
	}

	return nil
}

func (r *sagaLogRepository) List(orderID string) ([]domain.SagaStepRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, step, outcome, compensation, detail, occurred_at
		FROM saga_log
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list saga log records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.SagaStepRecord, 0)
	for rows.Next() {
		var (
			record       domain.SagaStepRecord
			step         string
			outcome      string
			compensation string
		)
		if err := rows.Scan(&record.OrderID, &step, &outcome, &compensation, &record.Detail, &record.Occurred); err != nil {
			return nil, fmt.Errorf("scan saga log record: %w", err)
		}
		record.Step = domain.SagaStep(step)
		record.Outcome = domain.StepOutcome(outcome)
		record.Compensation = domain.SagaStep(compensation)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga log records: %w", err)
	}

	return records, nil
}

var _ domain.SagaLogRepository = (*sagaLogRepository)(nil)
