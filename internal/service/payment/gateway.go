package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

// Коды способов оплаты, под которые регистрируются gateway'и.
const (
	MethodCreditCard = "credit_card"
	MethodPayPal     = "paypal"
)

// creditCardGateway имитирует карточного провайдера.
// DeclineOver > 0 включает отказ для сумм выше порога.
type creditCardGateway struct {
	declineOver int64
}

// NewCreditCardGateway создаёт gateway карточных платежей.
// declineOver <= 0 отключает симуляцию отказов.
func NewCreditCardGateway(declineOver int64) domain.PaymentGateway {
	return &creditCardGateway{declineOver: declineOver}
}

func (g *creditCardGateway) Name() string { return MethodCreditCard }

func (g *creditCardGateway) Authorize(ctx context.Context, amountMinor int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.declineOver > 0 && amountMinor > g.declineOver {
		return "", domain.ErrPaymentDeclined
	}
	return "cc-" + uuid.NewString(), nil
}

func (g *creditCardGateway) Capture(ctx context.Context, externalID string, amountMinor int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if externalID == "" {
		return "", domain.ErrChargeNotAuthorized
	}
	return fmt.Sprintf("Processed %d via Credit Card.", amountMinor), nil
}

func (g *creditCardGateway) Refund(ctx context.Context, receiptRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if receiptRef == "" {
		return domain.ErrChargeNotCaptured
	}
	return nil
}

func (g *creditCardGateway) Void(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if externalID == "" {
		return domain.ErrChargeNotAuthorized
	}
	return nil
}

// paypalGateway имитирует PayPal-провайдера.
type paypalGateway struct {
	declineOver int64
}

// NewPayPalGateway создаёт gateway PayPal-платежей.
func NewPayPalGateway(declineOver int64) domain.PaymentGateway {
	return &paypalGateway{declineOver: declineOver}
}

func (g *paypalGateway) Name() string { return MethodPayPal }

func (g *paypalGateway) Authorize(ctx context.Context, amountMinor int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.declineOver > 0 && amountMinor > g.declineOver {
		return "", domain.ErrPaymentDeclined
	}
	return "pp-" + uuid.NewString(), nil
}

func (g *paypalGateway) Capture(ctx context.Context, externalID string, amountMinor int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if externalID == "" {
		return "", domain.ErrChargeNotAuthorized
	}
	return fmt.Sprintf("Processed %d via PayPal.", amountMinor), nil
}

func (g *paypalGateway) Refund(ctx context.Context, receiptRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if receiptRef == "" {
		return domain.ErrChargeNotCaptured
	}
	return nil
}

func (g *paypalGateway) Void(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if externalID == "" {
		return domain.ErrChargeNotAuthorized
	}
	return nil
}

var _ domain.PaymentGateway = (*creditCardGateway)(nil)
var _ domain.PaymentGateway = (*paypalGateway)(nil)
