package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-pipeline/internal/gateway"
	"github.com/ariefcatur/go-checkout-pipeline/internal/idempotency"
	"github.com/ariefcatur/go-checkout-pipeline/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-pipeline/internal/kafka"
	"github.com/ariefcatur/go-checkout-pipeline/internal/metrics"
	"github.com/ariefcatur/go-checkout-pipeline/internal/orders"
)

type LineItem struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
}

type CreateOrderInput struct {
	BuyerID        string
	Items          []LineItem
	IdempotencyKey string // empty means the request is non-idempotent and always executes
	TraceID        string
}

type ItemView struct {
	VariantID      string `json:"variant_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int    `json:"unit_price_cents"`
}

type PaymentView struct {
	Provider    string               `json:"provider"`
	ProviderRef string               `json:"provider_ref,omitempty"`
	Status      orders.PaymentStatus `json:"status"`
}

// OrderResult is the creation response. It is marshaled once, stored as the
// idempotency snapshot and replayed verbatim for duplicate keys.
type OrderResult struct {
	OrderID    string        `json:"order_id"`
	Status     orders.Status `json:"status"`
	TotalCents int           `json:"total_cents"`
	Items      []ItemView    `json:"items"`
	Payment    PaymentView   `json:"payment"`
}

type StatusView struct {
	OrderID string        `json:"order_id"`
	Status  orders.Status `json:"status"`
	Payment PaymentView   `json:"payment"`
}

type Orchestrator struct {
	Ledger  Ledger
	Guard   Guard
	Store   OrderStore
	Catalog Catalog
	Gateway Gateway
	Bus     Publisher

	Currency    string
	Service     string
	OrderExpiry time.Duration // 0 disables expiry
	Log         *zap.Logger
}

// CreateOrder runs the full creation sequence: idempotency check, validation,
// reservation, persistence, payment intent. The returned bytes are the JSON
// response snapshot; duplicates of a completed key get the original bytes.
func (x *Orchestrator) CreateOrder(ctx context.Context, in CreateOrderInput) ([]byte, error) {
	key := in.IdempotencyKey
	if key != "" {
		res, err := x.Guard.Begin(ctx, key)
		if err != nil {
			return nil, err
		}
		switch res.State {
		case idempotency.StateCompleted:
			metrics.IdempotentReplays.Inc()
			return res.Snapshot, nil
		case idempotency.StateInFlight:
			return nil, ErrConflict
		}
	}

	qtyByVariant, variantIDs, err := x.validateItems(in)
	if err != nil {
		x.guardFail(ctx, key)
		return nil, err
	}

	prices, err := x.Catalog.Prices(ctx, variantIDs)
	if err != nil {
		x.guardFail(ctx, key)
		return nil, err
	}
	total := 0
	for _, id := range variantIDs {
		price, ok := prices[id]
		if !ok {
			x.guardFail(ctx, key)
			return nil, fmt.Errorf("%w: unknown variant %s", ErrValidation, id)
		}
		total += price * qtyByVariant[id]
	}

	// Reserve in ascending variant order so concurrent requests cannot
	// deadlock on each other's rows. Any failure rolls back what this attempt
	// already holds.
	var reserved []orders.OrderItem
	for _, id := range variantIDs {
		if err := x.Ledger.Reserve(ctx, id, qtyByVariant[id]); err != nil {
			x.releaseItems(ctx, reserved)
			x.guardFail(ctx, key)
			switch {
			case errors.Is(err, inventory.ErrInsufficientStock):
				metrics.ReservationsRejected.Inc()
				return nil, fmt.Errorf("%w: variant %s", ErrInsufficientStock, id)
			case errors.Is(err, inventory.ErrVariantNotFound):
				return nil, fmt.Errorf("%w: unknown variant %s", ErrValidation, id)
			default:
				return nil, err
			}
		}
		reserved = append(reserved, orders.OrderItem{VariantID: id, Qty: qtyByVariant[id]})
	}

	o := &orders.Order{
		ID:         uuid.NewString(),
		BuyerID:    in.BuyerID,
		Status:     orders.StatusPending,
		TotalCents: total,
	}
	items := make([]orders.OrderItem, 0, len(variantIDs))
	for _, id := range variantIDs {
		items = append(items, orders.OrderItem{
			OrderID:        o.ID,
			VariantID:      id,
			Qty:            qtyByVariant[id],
			UnitPriceCents: prices[id],
		})
	}
	pay := &orders.Payment{
		OrderID:     o.ID,
		Provider:    gateway.Provider,
		Status:      orders.PaymentCreated,
		AmountCents: total,
	}
	if err := x.Store.CreateTx(ctx, o, items, pay); err != nil {
		x.releaseItems(ctx, reserved)
		x.guardFail(ctx, key)
		return nil, err
	}
	if _, err := x.Store.Transition(ctx, o.ID, orders.StatusAwaitingPayment, orders.StatusPending); err != nil {
		x.releaseItems(ctx, reserved)
		x.guardFail(ctx, key)
		return nil, err
	}
	o.Status = orders.StatusAwaitingPayment

	evItems := make([]orders.ItemQty, 0, len(items))
	for _, it := range items {
		evItems = append(evItems, orders.ItemQty{VariantID: it.VariantID, Qty: it.Qty})
	}
	x.publish(orders.TopicOrderCreated, orders.EventOrderCreated, o.ID, in.TraceID, orders.OrderCreatedPayload{
		OrderID: o.ID, BuyerID: o.BuyerID, Items: evItems, TotalCents: total,
	})

	ref, err := x.Gateway.CreateTransaction(ctx, o.ID, total, x.Currency)
	var gerr *gateway.GatewayError
	switch {
	case err == nil:
		if err := x.Store.SetProviderRef(ctx, o.ID, ref); err != nil {
			x.Log.Error("store provider ref", zap.String("order_id", o.ID), zap.Error(err))
		}
		pay.ProviderPaymentID = ref
	case errors.As(err, &gerr):
		// Outcome unknown: the transaction may exist at the provider. Keep the
		// reservation and the awaiting_payment order; reconciliation owns it now.
		metrics.GatewayErrors.WithLabelValues("create").Inc()
		x.Log.Warn("gateway unavailable during create, holding order for reconciliation",
			zap.String("order_id", o.ID), zap.Error(err))
	default:
		// Definitive decline (or an unclassified failure): compensate fully.
		x.releaseItems(ctx, reserved)
		if _, terr := x.Store.Transition(ctx, o.ID, orders.StatusPaymentFailed, orders.StatusAwaitingPayment); terr != nil {
			x.Log.Error("mark payment_failed", zap.String("order_id", o.ID), zap.Error(terr))
		}
		if perr := x.Store.MarkPaymentFailed(ctx, o.ID); perr != nil {
			x.Log.Error("mark payment failed", zap.String("order_id", o.ID), zap.Error(perr))
		}
		x.publish(orders.TopicPaymentFailed, orders.EventPaymentFailed, o.ID, in.TraceID,
			orders.PaymentFailedPayload{OrderID: o.ID, Reason: "DECLINED"})
		x.guardFail(ctx, key)
		return nil, err
	}

	result := OrderResult{
		OrderID:    o.ID,
		Status:     o.Status,
		TotalCents: total,
		Items:      toItemViews(items),
		Payment:    PaymentView{Provider: pay.Provider, ProviderRef: pay.ProviderPaymentID, Status: pay.Status},
	}
	snapshot, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if err := x.Guard.Complete(ctx, key, snapshot, o.ID); err != nil {
			x.Log.Warn("idempotency complete failed", zap.String("key", key), zap.Error(err))
		}
	}
	metrics.OrdersCreated.Inc()
	return snapshot, nil
}

// Reconcile brings the order in line with the provider's truth. Safe to run
// concurrently with another sweep: transitions are conditional, so settling an
// already-paid order is a no-op.
func (x *Orchestrator) Reconcile(ctx context.Context, orderID string) (orders.Status, error) {
	o, err := x.Store.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Status != orders.StatusAwaitingPayment {
		return o.Status, nil
	}

	tag, err := x.Gateway.QueryStatus(ctx, orderID)
	if err != nil {
		// Unknown is not a verdict. Leave the order and its reservation alone.
		metrics.GatewayErrors.WithLabelValues("status").Inc()
		x.Log.Warn("gateway status unknown, skipping", zap.String("order_id", orderID), zap.Error(err))
		return o.Status, nil
	}

	switch tag {
	case gateway.TagSettled:
		ok, err := x.Store.Transition(ctx, o.ID, orders.StatusPaid, orders.StatusAwaitingPayment)
		if err != nil {
			return o.Status, err
		}
		if !ok {
			return x.currentStatus(ctx, o.ID)
		}
		if err := x.Store.MarkPaymentSettled(ctx, o.ID); err != nil {
			x.Log.Error("mark payment settled", zap.String("order_id", o.ID), zap.Error(err))
		}
		x.commitItems(ctx, o.ID)
		ref := ""
		if p, err := x.Store.GetPayment(ctx, o.ID); err == nil {
			ref = p.ProviderPaymentID
		}
		x.publish(orders.TopicOrderPaid, orders.EventOrderPaid, o.ID, "",
			orders.OrderPaidPayload{OrderID: o.ID, ProviderRef: ref, AmountCents: o.TotalCents})
		metrics.ReconcileTransitions.WithLabelValues(string(orders.StatusPaid)).Inc()
		return orders.StatusPaid, nil
	case gateway.TagFailed:
		return x.failPayment(ctx, o, "DECLINED")
	case gateway.TagNotFound:
		// The provider confirmed the transaction never existed. Unlike an
		// opaque error this is definitive.
		return x.failPayment(ctx, o, "NOT_FOUND")
	default: // TagPending
		if x.OrderExpiry > 0 && time.Since(o.CreatedAt) > x.OrderExpiry {
			return x.failPayment(ctx, o, "EXPIRED")
		}
		return o.Status, nil
	}
}

// Cancel releases the reservation and parks the order in cancelled. Repeated
// cancels are no-ops; anything past payment refuses.
func (x *Orchestrator) Cancel(ctx context.Context, orderID string) (orders.Status, error) {
	ok, err := x.Store.Transition(ctx, orderID, orders.StatusCancelled,
		orders.StatusPending, orders.StatusAwaitingPayment)
	if err != nil {
		return "", err
	}
	if ok {
		items, err := x.Store.Items(ctx, orderID)
		if err != nil {
			x.Log.Error("load items for cancel release", zap.String("order_id", orderID), zap.Error(err))
		} else {
			x.releaseItems(ctx, items)
		}
		x.publish(orders.TopicOrderCancelled, orders.EventOrderCancelled, orderID, "",
			orders.OrderCancelledPayload{OrderID: orderID})
		return orders.StatusCancelled, nil
	}
	o, err := x.Store.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Status == orders.StatusCancelled {
		return orders.StatusCancelled, nil
	}
	return o.Status, ErrNotCancellable
}

// PaymentStatus reconciles first, then reports the stored state.
func (x *Orchestrator) PaymentStatus(ctx context.Context, orderID string) (*StatusView, error) {
	if _, err := x.Reconcile(ctx, orderID); err != nil {
		return nil, err
	}
	o, err := x.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p, err := x.Store.GetPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		OrderID: o.ID,
		Status:  o.Status,
		Payment: PaymentView{Provider: p.Provider, ProviderRef: p.ProviderPaymentID, Status: p.Status},
	}, nil
}

// Sweep reconciles a batch of stale awaiting_payment orders, oldest first.
func (x *Orchestrator) Sweep(ctx context.Context, olderThan time.Time, limit int) error {
	batch, err := x.Store.ListAwaitingPayment(ctx, olderThan, limit)
	if err != nil {
		return err
	}
	for _, o := range batch {
		if _, err := x.Reconcile(ctx, o.ID); err != nil {
			x.Log.Error("reconcile", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return nil
}

func (x *Orchestrator) validateItems(in CreateOrderInput) (map[string]int, []string, error) {
	if in.BuyerID == "" || len(in.Items) == 0 {
		return nil, nil, fmt.Errorf("%w: buyer and items required", ErrValidation)
	}
	qtyByVariant := make(map[string]int, len(in.Items))
	for _, it := range in.Items {
		if it.VariantID == "" || it.Qty <= 0 {
			return nil, nil, fmt.Errorf("%w: quantities must be positive", ErrValidation)
		}
		qtyByVariant[it.VariantID] += it.Qty
	}
	ids := make([]string, 0, len(qtyByVariant))
	for id := range qtyByVariant {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return qtyByVariant, ids, nil
}

func (x *Orchestrator) failPayment(ctx context.Context, o *orders.Order, reason string) (orders.Status, error) {
	ok, err := x.Store.Transition(ctx, o.ID, orders.StatusPaymentFailed, orders.StatusAwaitingPayment)
	if err != nil {
		return o.Status, err
	}
	if !ok {
		return x.currentStatus(ctx, o.ID)
	}
	if err := x.Store.MarkPaymentFailed(ctx, o.ID); err != nil {
		x.Log.Error("mark payment failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	x.releaseOrder(ctx, o.ID)
	x.publish(orders.TopicPaymentFailed, orders.EventPaymentFailed, o.ID, "",
		orders.PaymentFailedPayload{OrderID: o.ID, Reason: reason})
	metrics.ReconcileTransitions.WithLabelValues(string(orders.StatusPaymentFailed)).Inc()
	return orders.StatusPaymentFailed, nil
}

func (x *Orchestrator) releaseOrder(ctx context.Context, orderID string) {
	items, err := x.Store.Items(ctx, orderID)
	if err != nil {
		x.Log.Error("load items for release", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	x.releaseItems(ctx, items)
}

func (x *Orchestrator) commitItems(ctx context.Context, orderID string) {
	items, err := x.Store.Items(ctx, orderID)
	if err != nil {
		x.Log.Error("load items for commit", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	for _, it := range items {
		if err := x.Ledger.Commit(ctx, it.VariantID, it.Qty); err != nil {
			x.Log.Error("commit stock", zap.String("variant_id", it.VariantID), zap.Error(err))
		}
	}
}

func (x *Orchestrator) releaseItems(ctx context.Context, items []orders.OrderItem) {
	for _, it := range items {
		if err := x.Ledger.Release(ctx, it.VariantID, it.Qty); err != nil {
			x.Log.Error("release stock", zap.String("variant_id", it.VariantID), zap.Error(err))
		}
	}
}

func (x *Orchestrator) currentStatus(ctx context.Context, orderID string) (orders.Status, error) {
	o, err := x.Store.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

func (x *Orchestrator) guardFail(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := x.Guard.Fail(ctx, key); err != nil {
		x.Log.Warn("idempotency fail mark failed", zap.String("key", key), zap.Error(err))
	}
}

func (x *Orchestrator) publish(topic, eventType, orderID, traceID string, payload any) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      x.Service,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	x.Bus.Publish(topic, orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func toItemViews(items []orders.OrderItem) []ItemView {
	out := make([]ItemView, 0, len(items))
	for _, it := range items {
		out = append(out, ItemView{VariantID: it.VariantID, Qty: it.Qty, UnitPriceCents: it.UnitPriceCents})
	}
	return out
}
