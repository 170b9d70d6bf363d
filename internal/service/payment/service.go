package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

type authOutcome struct {
	token domain.AuthorizationToken
	err   error
}

type captureOutcome struct {
	receipt domain.ChargeReceipt
	err     error
}

// Service — платёжный сервис с выбором провайдера по коду способа оплаты.
//
// Authorize и Capture запоминают исход по idempotency-key: повтор того же
// запроса возвращает сохранённый результат, а не создаёт второе списание.
// Refund и Void идемпотентны сами по себе.
type Service struct {
	mu       sync.Mutex
	gateways map[string]domain.PaymentGateway
	charges  map[string]*domain.PaymentCharge // order_id → платёж
	auths    map[string]string                // order_id → id авторизации
	receipts map[string]string                // order_id → id чека

	authResults    map[string]authOutcome
	captureResults map[string]captureOutcome

	now    func() time.Time
	logger *log.Entry
}

// NewService создаёт платёжный сервис с переданными gateway'ями.
func NewService(logger *log.Entry, gateways ...domain.PaymentGateway) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "payment")
	}
	registry := make(map[string]domain.PaymentGateway, len(gateways))
	for _, gw := range gateways {
		registry[gw.Name()] = gw
	}
	return &Service{
		gateways:       registry,
		charges:        make(map[string]*domain.PaymentCharge),
		auths:          make(map[string]string),
		receipts:       make(map[string]string),
		authResults:    make(map[string]authOutcome),
		captureResults: make(map[string]captureOutcome),
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger,
	}
}

// RegisterGateway добавляет провайдера в реестр. Повторная регистрация
// того же кода замещает предыдущего провайдера.
func (s *Service) RegisterGateway(gw domain.PaymentGateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[gw.Name()] = gw
}

// Methods возвращает зарегистрированные коды способов оплаты.
func (s *Service) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods := make([]string, 0, len(s.gateways))
	for name := range s.gateways {
		methods = append(methods, name)
	}
	return methods
}

// Authorize резервирует сумму у провайдера и выдаёт токен авторизации.
func (s *Service) Authorize(ctx context.Context, orderID string, amountMinor int64, method, idempotencyKey string) (domain.AuthorizationToken, error) {
	if idempotencyKey != "" {
		s.mu.Lock()
		if cached, ok := s.authResults[idempotencyKey]; ok {
			s.mu.Unlock()
			return cached.token, cached.err
		}
		s.mu.Unlock()
	}

	charge := domain.PaymentCharge{
		OrderID:     orderID,
		AmountMinor: amountMinor,
		Method:      method,
	}
	if errs := charge.Validate(); len(errs) > 0 {
		return domain.AuthorizationToken{}, errs[0]
	}

	s.mu.Lock()
	gateway, ok := s.gateways[method]
	s.mu.Unlock()
	if !ok {
		return domain.AuthorizationToken{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedPaymentMethod, method)
	}

	externalID, err := gateway.Authorize(ctx, amountMinor)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"method":   method,
		}).Warn("authorization declined")
		if idempotencyKey != "" {
			s.authResults[idempotencyKey] = authOutcome{err: err}
		}
		return domain.AuthorizationToken{}, err
	}

	now := s.now()
	charge.State = domain.ChargeStateAuthorized
	charge.ExternalID = externalID
	charge.CreatedAt = now
	charge.UpdatedAt = now
	s.charges[orderID] = &charge

	token := domain.AuthorizationToken{OrderID: orderID, ID: uuid.NewString()}
	s.auths[orderID] = token.ID

	if idempotencyKey != "" {
		s.authResults[idempotencyKey] = authOutcome{token: token}
	}

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"method":   method,
		"amount":   amountMinor,
	}).Debug("payment authorized")
	return token, nil
}

// Capture списывает ранее авторизованную сумму.
func (s *Service) Capture(ctx context.Context, token domain.AuthorizationToken, idempotencyKey string) (domain.ChargeReceipt, error) {
	if idempotencyKey != "" {
		s.mu.Lock()
		if cached, ok := s.captureResults[idempotencyKey]; ok {
			s.mu.Unlock()
			return cached.receipt, cached.err
		}
		s.mu.Unlock()
	}

	// Снимок платежа читается под тем же локом, что и его мутации:
	// состояние общего *PaymentCharge вне лока трогать нельзя.
	s.mu.Lock()
	charge, ok := s.charges[token.OrderID]
	authID := s.auths[token.OrderID]
	var snapshot domain.PaymentCharge
	var gateway domain.PaymentGateway
	if ok {
		snapshot = *charge
		gateway = s.gateways[charge.Method]
	}
	s.mu.Unlock()

	if !ok || authID != token.ID || snapshot.State != domain.ChargeStateAuthorized {
		return domain.ChargeReceipt{}, domain.ErrChargeNotAuthorized
	}
	if gateway == nil {
		return domain.ChargeReceipt{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedPaymentMethod, snapshot.Method)
	}

	reference, err := gateway.Capture(ctx, snapshot.ExternalID, snapshot.AmountMinor)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).WithField("order_id", token.OrderID).Warn("capture failed")
		wrapped := fmt.Errorf("%w: %w", domain.ErrPaymentCapture, err)
		if idempotencyKey != "" {
			s.captureResults[idempotencyKey] = captureOutcome{err: wrapped}
		}
		return domain.ChargeReceipt{}, wrapped
	}

	charge.State = domain.ChargeStateCaptured
	charge.ReceiptRef = reference
	charge.UpdatedAt = s.now()

	receipt := domain.ChargeReceipt{
		OrderID:     token.OrderID,
		ID:          uuid.NewString(),
		AmountMinor: charge.AmountMinor,
		Reference:   reference,
	}
	s.receipts[token.OrderID] = receipt.ID

	if idempotencyKey != "" {
		s.captureResults[idempotencyKey] = captureOutcome{receipt: receipt}
	}

	s.logger.WithFields(log.Fields{
		"order_id": token.OrderID,
		"amount":   charge.AmountMinor,
	}).Debug("payment captured")
	return receipt, nil
}

// Refund возвращает списанные средства. Повторный refund — no-op.
func (s *Service) Refund(ctx context.Context, receipt domain.ChargeReceipt) error {
	// Переход captured → refunded резервируется под локом ДО обращения к
	// провайдеру: из двух конкурентных refund только один дойдёт до gateway,
	// второй увидит refunded и выйдет no-op'ом.
	s.mu.Lock()
	charge, ok := s.charges[receipt.OrderID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrChargeNotCaptured
	}
	switch charge.State {
	case domain.ChargeStateRefunded:
		s.mu.Unlock()
		return nil
	case domain.ChargeStateCaptured:
	default:
		s.mu.Unlock()
		return domain.ErrChargeNotCaptured
	}
	gateway := s.gateways[charge.Method]
	method := charge.Method
	receiptRef := charge.ReceiptRef
	if gateway != nil {
		charge.State = domain.ChargeStateRefunded
		charge.UpdatedAt = s.now()
	}
	s.mu.Unlock()

	if gateway == nil {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedPaymentMethod, method)
	}

	if err := gateway.Refund(ctx, receiptRef); err != nil {
		s.logger.WithError(err).WithField("order_id", receipt.OrderID).Warn("refund failed")
		s.mu.Lock()
		charge.State = domain.ChargeStateCaptured
		charge.UpdatedAt = s.now()
		s.mu.Unlock()
		return err
	}

	s.logger.WithField("order_id", receipt.OrderID).Debug("payment refunded")
	return nil
}

// Void аннулирует авторизацию, по которой capture не происходил.
// Повторный void — no-op; void после capture — ошибка.
func (s *Service) Void(ctx context.Context, token domain.AuthorizationToken) error {
	// Та же схема, что в Refund: переход authorized → voided резервируется
	// под локом, конкурентный void выходит no-op'ом.
	s.mu.Lock()
	charge, ok := s.charges[token.OrderID]
	authID := s.auths[token.OrderID]
	if !ok || authID != token.ID {
		s.mu.Unlock()
		return nil // нечего аннулировать
	}
	switch charge.State {
	case domain.ChargeStateVoided:
		s.mu.Unlock()
		return nil
	case domain.ChargeStateAuthorized:
	default:
		s.mu.Unlock()
		return domain.ErrChargeNotAuthorized
	}
	gateway := s.gateways[charge.Method]
	method := charge.Method
	externalID := charge.ExternalID
	if gateway != nil {
		charge.State = domain.ChargeStateVoided
		charge.UpdatedAt = s.now()
	}
	s.mu.Unlock()

	if gateway == nil {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedPaymentMethod, method)
	}

	if err := gateway.Void(ctx, externalID); err != nil {
		s.logger.WithError(err).WithField("order_id", token.OrderID).Warn("void failed")
		s.mu.Lock()
		charge.State = domain.ChargeStateAuthorized
		charge.UpdatedAt = s.now()
		s.mu.Unlock()
		return err
	}

	s.logger.WithField("order_id", token.OrderID).Debug("authorization voided")
	return nil
}

// Charge возвращает платёж по заказу (для статусов и тестов).
func (s *Service) Charge(orderID string) (domain.PaymentCharge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	charge, ok := s.charges[orderID]
	if !ok {
		return domain.PaymentCharge{}, false
	}
	return *charge, true
}

var _ domain.PaymentService = (*Service)(nil)
