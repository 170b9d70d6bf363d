package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
	"github.com/silveralcid/retail-checkout/internal/health"
	"github.com/silveralcid/retail-checkout/internal/service/cart"
	"github.com/silveralcid/retail-checkout/internal/service/inventory"
	"github.com/silveralcid/retail-checkout/internal/service/payment"
	"github.com/silveralcid/retail-checkout/internal/service/saga"
)

const defaultListOrdersLimit = 100

// Server реализует JSON/HTTP API поверх оркестратора и leaf-сервисов.
type Server struct {
	orch      saga.Orchestrator
	orders    domain.OrderRepository
	cart      *cart.Service
	inventory *inventory.Service
	payments  *payment.Service
	idemRepo  domain.IdempotencyRepository
	health    *health.Handler
	logger    *log.Entry
}

// NewServer конструирует API-сервер с зависимостями.
func NewServer(
	orch saga.Orchestrator,
	orders domain.OrderRepository,
	cartSvc *cart.Service,
	inventorySvc *inventory.Service,
	paymentSvc *payment.Service,
	idemRepo domain.IdempotencyRepository,
	healthHandler *health.Handler,
	logger *log.Entry,
) *Server {
	if logger == nil {
		logger = log.New().WithField("component", "httpapi")
	}
	return &Server{
		orch:      orch,
		orders:    orders,
		cart:      cartSvc,
		inventory: inventorySvc,
		payments:  paymentSvc,
		idemRepo:  idemRepo,
		health:    healthHandler,
		logger:    logger,
	}
}

// Routes возвращает mux со всеми маршрутами API.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /checkout", s.withIdempotency(s.handleCheckout))
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("POST /orders/{id}/cancel", s.withIdempotency(s.handleCancelOrder))
	mux.HandleFunc("GET /users/{user}/orders", s.handleListOrders)

	mux.HandleFunc("POST /cart/{user}/items", s.handleAddCartItem)
	mux.HandleFunc("GET /cart/{user}", s.handleGetCart)

	mux.HandleFunc("PUT /inventory/{sku}", s.handleSetStock)
	mux.HandleFunc("POST /inventory/{sku}/add", s.handleAddStock)
	mux.HandleFunc("GET /inventory/{sku}", s.handleGetStock)

	mux.HandleFunc("GET /payments/methods", s.handlePaymentMethods)

	if s.health != nil {
		mux.Handle("GET /health", s.health)
		mux.HandleFunc("GET /health/live", health.LivenessHandler)
		mux.HandleFunc("GET /health/ready", s.health.ReadinessHandler)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type checkoutRequest struct {
	UserID        string         `json:"user_id"`
	Items         []checkoutItem `json:"items"`
	PaymentMethod string         `json:"payment_method"`
	Currency      string         `json:"currency"`
}

type checkoutItem struct {
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

type checkoutResponse struct {
	OrderID                string   `json:"order_id"`
	Status                 string   `json:"status"`
	Reason                 string   `json:"reason,omitempty"`
	ConfirmationRef        string   `json:"confirmation_ref,omitempty"`
	FailedSKUs             []string `json:"failed_skus,omitempty"`
	RequiresReconciliation bool     `json:"requires_reconciliation,omitempty"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.LineItem{
			SKU:        item.SKU,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}

	result, err := s.orch.Checkout(r.Context(), saga.CheckoutRequest{
		UserID:                req.UserID,
		Items:                 items,
		PaymentMethod:         req.PaymentMethod,
		Currency:              req.Currency,
		PaymentIdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeError(w, http.StatusBadRequest, string(domain.ReasonValidation), err.Error())
			return
		}
		s.logger.WithError(err).Error("checkout failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "checkout failed")
		return
	}

	writeJSON(w, statusCodeForResult(result), checkoutResponse{
		OrderID:                result.OrderID,
		Status:                 string(result.Status),
		Reason:                 string(result.Reason),
		ConfirmationRef:        result.ConfirmationRef,
		FailedSKUs:             result.FailedSKUs,
		RequiresReconciliation: result.RequiresReconciliation,
	})
}

// statusCodeForResult отображает терминальный результат саги на HTTP-статус.
// Сырые ошибки leaf-сервисов наружу не выходят, только коды причин.
func statusCodeForResult(result domain.OrderResult) int {
	if result.Committed() {
		return http.StatusOK
	}
	switch result.Reason {
	case domain.ReasonValidation:
		return http.StatusBadRequest
	case domain.ReasonStockUnavailable, domain.ReasonReservationExpired, domain.ReasonCartUnavailable, domain.ReasonCanceled:
		return http.StatusConflict
	case domain.ReasonPaymentDeclined, domain.ReasonPaymentCaptureError:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

type sagaStepView struct {
	Step         string `json:"step"`
	Outcome      string `json:"outcome"`
	Compensation string `json:"compensation,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Occurred     string `json:"occurred"`
}

type orderView struct {
	OrderID                string         `json:"order_id"`
	UserID                 string         `json:"user_id"`
	Status                 string         `json:"status"`
	Reason                 string         `json:"reason,omitempty"`
	Currency               string         `json:"currency"`
	AmountMinor            int64          `json:"amount_minor"`
	ConfirmationRef        string         `json:"confirmation_ref,omitempty"`
	FailedSKUs             []string       `json:"failed_skus,omitempty"`
	RequiresReconciliation bool           `json:"requires_reconciliation,omitempty"`
	Steps                  []sagaStepView `json:"steps,omitempty"`
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	order, records, err := s.orch.GetStatus(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", "order not found")
			return
		}
		s.logger.WithError(err).WithField("order_id", orderID).Error("get order failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load order")
		return
	}

	writeJSON(w, http.StatusOK, toOrderView(order, records))
}

func toOrderView(order domain.Order, records []domain.SagaStepRecord) orderView {
	steps := make([]sagaStepView, 0, len(records))
	for _, rec := range records {
		steps = append(steps, sagaStepView{
			Step:         string(rec.Step),
			Outcome:      string(rec.Outcome),
			Compensation: string(rec.Compensation),
			Detail:       rec.Detail,
			Occurred:     rec.Occurred.Format(time.RFC3339Nano),
		})
	}
	return orderView{
		OrderID:                order.ID,
		UserID:                 order.UserID,
		Status:                 string(order.Status),
		Reason:                 string(order.Reason),
		Currency:               order.Currency,
		AmountMinor:            order.AmountMinor,
		ConfirmationRef:        order.ConfirmationRef,
		FailedSKUs:             order.FailedSKUs,
		RequiresReconciliation: order.RequiresReconciliation,
		Steps:                  steps,
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // тело опционально
	}

	if err := s.orch.Cancel(r.Context(), orderID, body.Reason); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", "order not found")
			return
		}
		s.logger.WithError(err).WithField("order_id", orderID).Error("cancel failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "cancel failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"order_id": orderID,
		"status":   "cancel_requested",
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	orders, err := s.orders.ListByUser(userID, defaultListOrdersLimit)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("list orders failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list orders")
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, toOrderView(order, nil))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"orders":  views,
	})
}

type cartItemRequest struct {
	SKU        string `json:"sku"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

func (s *Server) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	err := s.cart.AddItem(r.Context(), userID, domain.LineItem{
		SKU:        req.SKU,
		Qty:        req.Qty,
		PriceMinor: req.PriceMinor,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.ReasonValidation), err.Error())
		return
	}

	s.writeCart(w, r, userID, http.StatusOK)
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s.writeCart(w, r, r.PathValue("user"), http.StatusOK)
}

func (s *Server) writeCart(w http.ResponseWriter, r *http.Request, userID string, status int) {
	items, err := s.cart.GetCart(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.ReasonValidation), err.Error())
		return
	}

	views := make([]cartItemRequest, 0, len(items))
	var total int64
	for _, item := range items {
		views = append(views, cartItemRequest{SKU: item.SKU, Qty: item.Qty, PriceMinor: item.PriceMinor})
		total += int64(item.Qty) * item.PriceMinor
	}
	writeJSON(w, status, map[string]interface{}{
		"user_id":     userID,
		"items":       views,
		"total_minor": total,
	})
}

type stockRequest struct {
	Qty int64 `json:"qty"`
}

func (s *Server) handleSetStock(w http.ResponseWriter, r *http.Request) {
	s.handleStockChange(w, r, s.inventory.SetStock)
}

func (s *Server) handleAddStock(w http.ResponseWriter, r *http.Request) {
	s.handleStockChange(w, r, s.inventory.AddStock)
}

func (s *Server) handleStockChange(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, sku string, qty int64) error) {
	sku := r.PathValue("sku")

	var req stockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if err := apply(r.Context(), sku, req.Qty); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.ReasonValidation), err.Error())
		return
	}

	onHand, available, err := s.inventory.GetStock(r.Context(), sku)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.ReasonValidation), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sku":       sku,
		"on_hand":   onHand,
		"available": available,
	})
}

func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")
	onHand, available, err := s.inventory.GetStock(r.Context(), sku)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.ReasonValidation), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sku":       sku,
		"on_hand":   onHand,
		"available": available,
	})
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"methods": s.payments.Methods(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
