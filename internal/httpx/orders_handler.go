package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-pipeline/internal/checkout"
	"github.com/ariefcatur/go-checkout-pipeline/internal/gateway"
	"github.com/ariefcatur/go-checkout-pipeline/internal/orders"
	"github.com/ariefcatur/go-checkout-pipeline/internal/redisx"
)

// IdempotencyHeader carries the client's opaque dedup token. Must be stable
// across retries of the same logical request.
const IdempotencyHeader = "Idempotency-Key"

type OrdersHandler struct {
	Orchestrator *checkout.Orchestrator
	Redis        *redis.Client
	Log          *zap.Logger
}

type CreateOrderReq struct {
	BuyerID string              `json:"buyer_id"`
	Items   []checkout.LineItem `json:"items"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}/payment", h.paymentStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	snapshot, err := h.Orchestrator.CreateOrder(ctx, checkout.CreateOrderInput{
		BuyerID:        req.BuyerID,
		Items:          req.Items,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		TraceID:        r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeRaw(w, http.StatusCreated, snapshot)
}

func (h *OrdersHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyPaymentStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeRaw(w, http.StatusOK, []byte(s))
		return
	}

	view, err := h.Orchestrator.PaymentStatus(ctx, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	b, _ := json.Marshal(view)
	// Only settled outcomes are cached; anything still in flight should hit
	// the gateway again on the next poll.
	if view.Status != orders.StatusPending && view.Status != orders.StatusAwaitingPayment {
		_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	}
	writeRaw(w, http.StatusOK, b)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := h.Orchestrator.Cancel(ctx, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	_ = h.Redis.Del(ctx, fmt.Sprintf(redisx.KeyPaymentStatus, orderID)).Err()
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": status})
}

func (h *OrdersHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, checkout.ErrInsufficientStock):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, checkout.ErrConflict), errors.Is(err, checkout.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, gateway.ErrDeclined):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
