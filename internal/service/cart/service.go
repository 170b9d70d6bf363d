package cart

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

// DefaultReservationTTL — время жизни резерва корзины.
const DefaultReservationTTL = 15 * time.Minute

// Service — in-memory сервис корзин. Хранит содержимое корзин
// пользователей и снимки, зарезервированные под заказы.
type Service struct {
	mu           sync.Mutex
	carts        map[string]map[string]domain.LineItem // user_id → sku → позиция
	reservations map[string]domain.CartReservation     // order_id → снимок

	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewService создаёт сервис корзин.
func NewService(logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "cart")
	}
	return &Service{
		carts:        make(map[string]map[string]domain.LineItem),
		reservations: make(map[string]domain.CartReservation),
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

// AddItem добавляет позицию в корзину пользователя. Повторное добавление
// того же SKU суммирует количество и обновляет цену.
func (s *Service) AddItem(ctx context.Context, userID string, item domain.LineItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return domain.ErrUserRequired
	}
	if item.SKU == "" {
		return domain.ErrItemSKURequired
	}
	if item.Qty <= 0 {
		return domain.ErrItemQtyInvalid
	}
	if item.PriceMinor < 0 {
		return domain.ErrItemPriceInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.carts[userID]
	if !ok {
		items = make(map[string]domain.LineItem)
		s.carts[userID] = items
	}
	existing, ok := items[item.SKU]
	if ok {
		existing.Qty += item.Qty
		existing.PriceMinor = item.PriceMinor
		items[item.SKU] = existing
	} else {
		items[item.SKU] = item
	}

	s.logger.WithFields(log.Fields{
		"user_id": userID,
		"sku":     item.SKU,
		"qty":     item.Qty,
	}).Debug("item added to cart")
	return nil
}

// GetCart возвращает содержимое корзины пользователя, отсортированное по SKU.
func (s *Service) GetCart(ctx context.Context, userID string) ([]domain.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, domain.ErrUserRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.LineItem, 0, len(s.carts[userID]))
	for _, item := range s.carts[userID] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })
	return items, nil
}

// Reserve снимает снимок корзины под заказ. Повторный вызов с тем же
// order_id возвращает ещё действующий снимок; истёкший пересоздаётся
// из текущего содержимого корзины.
func (s *Service) Reserve(ctx context.Context, orderID, userID string) (domain.CartReservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.CartReservation{}, err
	}
	if orderID == "" {
		return domain.CartReservation{}, domain.ErrOrderIDRequired
	}
	if userID == "" {
		return domain.CartReservation{}, domain.ErrUserRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reservations[orderID]; ok {
		if s.now().Before(existing.ExpiresAt) {
			return existing, nil
		}
		// Истёкший снимок не переиспользуем: корзина могла измениться.
		delete(s.reservations, orderID)
	}

	cart := s.carts[userID]
	if len(cart) == 0 {
		return domain.CartReservation{}, domain.ErrCartEmpty
	}

	items := make([]domain.LineItem, 0, len(cart))
	for _, item := range cart {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })

	now := s.now()
	reservation := domain.CartReservation{
		OrderID:   orderID,
		UserID:    userID,
		Items:     items,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	s.reservations[orderID] = reservation

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"user_id":  userID,
		"items":    len(items),
	}).Debug("cart reserved")
	return reservation, nil
}

// Release снимает резерв корзины. Неизвестный или уже снятый резерв — no-op.
func (s *Service) Release(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[orderID]; !ok {
		return nil
	}
	delete(s.reservations, orderID)
	s.logger.WithField("order_id", orderID).Debug("cart reservation released")
	return nil
}

// Commit фиксирует покупку: зарезервированные позиции удаляются из
// корзины пользователя, резерв снимается.
func (s *Service) Commit(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[orderID]
	if !ok {
		return domain.ErrCartReservationNotFound
	}
	if !s.now().Before(reservation.ExpiresAt) {
		delete(s.reservations, orderID)
		return domain.ErrReservationExpired
	}

	cart := s.carts[reservation.UserID]
	for _, reserved := range reservation.Items {
		current, ok := cart[reserved.SKU]
		if !ok {
			continue
		}
		current.Qty -= reserved.Qty
		if current.Qty <= 0 {
			delete(cart, reserved.SKU)
		} else {
			cart[reserved.SKU] = current
		}
	}
	delete(s.reservations, orderID)

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"user_id":  reservation.UserID,
	}).Debug("cart committed")
	return nil
}

var _ domain.CartService = (*Service)(nil)
