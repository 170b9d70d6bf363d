package inventory

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

// DefaultReservationTTL — время жизни складского резерва.
const DefaultReservationTTL = 15 * time.Minute

type reservationKey struct {
	orderID string
	sku     string
}

// Service — in-memory сервис складских резервов.
//
// Доступный сток = физический сток минус активные (неистёкшие) резервы.
// Резерв удерживает, но не списывает: реальное списание происходит
// только на Commit. Все операции атомарны под одним мьютексом, поэтому
// конкурирующие заказы на последнюю единицу не могут оба получить резерв.
type Service struct {
	mu           sync.Mutex
	stock        map[string]int64
	reservations map[reservationKey]domain.InventoryReservation
	committed    map[reservationKey]int32 // списанные количества: нужны для возврата

	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewService создаёт сервис склада.
func NewService(logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "inventory")
	}
	return &Service{
		stock:        make(map[string]int64),
		reservations: make(map[reservationKey]domain.InventoryReservation),
		committed:    make(map[reservationKey]int32),
		ttl:          DefaultReservationTTL,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
}

// WithClock подменяет источник времени (для тестов истечения резервов).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithReservationTTL задаёт время жизни резервов.
func (s *Service) WithReservationTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// SetStock выставляет физический сток SKU (административная операция).
func (s *Service) SetStock(ctx context.Context, sku string, qty int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sku == "" {
		return domain.ErrItemSKURequired
	}
	if qty < 0 {
		return domain.ErrItemQtyInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[sku] = qty
	return nil
}

// AddStock увеличивает физический сток SKU.
func (s *Service) AddStock(ctx context.Context, sku string, qty int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sku == "" {
		return domain.ErrItemSKURequired
	}
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[sku] += qty
	return nil
}

// GetStock возвращает физический и доступный сток SKU.
func (s *Service) GetStock(ctx context.Context, sku string) (onHand, available int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if sku == "" {
		return 0, 0, domain.ErrItemSKURequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	onHand = s.stock[sku]
	return onHand, onHand - s.reservedLocked(sku), nil
}

// reservedLocked суммирует активные резервы по SKU. Истёкшие резервы
// попутно вычищаются. Вызывается под мьютексом.
func (s *Service) reservedLocked(sku string) int64 {
	now := s.now()
	var reserved int64
	for key, r := range s.reservations {
		if key.sku != sku {
			continue
		}
		if r.Expired(now) {
			delete(s.reservations, key)
			continue
		}
		reserved += int64(r.Qty)
	}
	return reserved
}

// Reserve удерживает qty единиц SKU под заказ. Повторный вызов с теми же
// order_id и SKU идемпотентен. Возвращает ErrInsufficientStock, если
// доступного стока не хватает.
func (s *Service) Reserve(ctx context.Context, orderID, sku string, qty int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reservation := domain.InventoryReservation{OrderID: orderID, SKU: sku, Qty: qty}
	if errs := reservation.Validate(); len(errs) > 0 {
		return errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reservationKey{orderID: orderID, sku: sku}
	if existing, ok := s.reservations[key]; ok && !existing.Expired(s.now()) {
		return nil
	}

	available := s.stock[sku] - s.reservedLocked(sku)
	if available < int64(qty) {
		s.logger.WithFields(log.Fields{
			"order_id":  orderID,
			"sku":       sku,
			"qty":       qty,
			"available": available,
		}).Warn("insufficient stock for reservation")
		return domain.ErrInsufficientStock
	}

	now := s.now()
	reservation.ExpiresAt = now.Add(s.ttl)
	reservation.CreatedAt = now
	s.reservations[key] = reservation

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"sku":      sku,
		"qty":      qty,
	}).Debug("stock reserved")
	return nil
}

// Release снимает резерв по заказу и SKU. Если сток по этому заказу уже
// был зафиксирован, списанное количество возвращается на склад (возврат
// товара при refund). Неизвестный резерв — no-op.
func (s *Service) Release(ctx context.Context, orderID, sku string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reservationKey{orderID: orderID, sku: sku}
	if _, ok := s.reservations[key]; ok {
		delete(s.reservations, key)
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"sku":      sku,
		}).Debug("stock reservation released")
		return nil
	}
	if qty, ok := s.committed[key]; ok {
		s.stock[sku] += int64(qty)
		delete(s.committed, key)
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"sku":      sku,
			"qty":      qty,
		}).Debug("committed stock returned")
	}
	return nil
}

// Commit превращает резерв в списание стока. Истёкший или отсутствующий
// резерв фиксировать нельзя — возвращается ErrReservationExpired.
func (s *Service) Commit(ctx context.Context, orderID, sku string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reservationKey{orderID: orderID, sku: sku}
	reservation, ok := s.reservations[key]
	if !ok {
		return domain.ErrReservationExpired
	}
	if reservation.Expired(s.now()) {
		delete(s.reservations, key)
		return domain.ErrReservationExpired
	}

	s.stock[sku] -= int64(reservation.Qty)
	delete(s.reservations, key)
	s.committed[key] = reservation.Qty

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"sku":      sku,
		"qty":      reservation.Qty,
	}).Debug("stock committed")
	return nil
}

var _ domain.InventoryService = (*Service)(nil)
