package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-pipeline/internal/gateway"
	"github.com/ariefcatur/go-checkout-pipeline/internal/idempotency"
	"github.com/ariefcatur/go-checkout-pipeline/internal/inventory"
	"github.com/ariefcatur/go-checkout-pipeline/internal/orders"
)

// ---- fakes ----

type memStore struct {
	mu       sync.Mutex
	orders   map[string]*orders.Order
	items    map[string][]orders.OrderItem
	payments map[string]*orders.Payment
}

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[string]*orders.Order),
		items:    make(map[string][]orders.OrderItem),
		payments: make(map[string]*orders.Payment),
	}
}

func (s *memStore) CreateTx(_ context.Context, o *orders.Order, items []orders.OrderItem, pay *orders.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	s.orders[o.ID] = &cp
	s.items[o.ID] = append([]orders.OrderItem(nil), items...)
	pcp := *pay
	s.payments[o.ID] = &pcp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) Items(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.OrderItem(nil), s.items[orderID]...), nil
}

func (s *memStore) GetPayment(_ context.Context, orderID string) (*orders.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) Transition(_ context.Context, id string, to orders.Status, from ...orders.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if !orders.CanTransition(f, to) {
			return false, fmt.Errorf("%w: %s -> %s", orders.ErrBadTransition, f, to)
		}
		if o.Status == f {
			o.Status = to
			o.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) SetProviderRef(_ context.Context, orderID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	p.ProviderPaymentID = ref
	return nil
}

func (s *memStore) MarkPaymentSettled(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[orderID]; ok && p.Status != orders.PaymentSettled {
		now := time.Now().UTC()
		p.Status = orders.PaymentSettled
		p.PaidAt = &now
	}
	return nil
}

func (s *memStore) MarkPaymentFailed(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[orderID]; ok && p.Status == orders.PaymentCreated {
		p.Status = orders.PaymentFailed
	}
	return nil
}

func (s *memStore) ListAwaitingPayment(_ context.Context, olderThan time.Time, limit int) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.orders {
		if o.Status == orders.StatusAwaitingPayment && o.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type stubCatalog struct{ prices map[string]int }

func (c stubCatalog) Prices(_ context.Context, ids []string) (map[string]int, error) {
	out := make(map[string]int)
	for _, id := range ids {
		if p, ok := c.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type stubGateway struct {
	mu       sync.Mutex
	createFn func(orderID string, amount int) (string, error)
	statusFn func(orderID string) (gateway.Tag, error)
	creates  int
	queries  int
}

func (g *stubGateway) CreateTransaction(_ context.Context, orderID string, amount int, _ string) (string, error) {
	g.mu.Lock()
	g.creates++
	fn := g.createFn
	g.mu.Unlock()
	if fn != nil {
		return fn(orderID, amount)
	}
	return "tx-" + orderID, nil
}

func (g *stubGateway) QueryStatus(_ context.Context, orderID string) (gateway.Tag, error) {
	g.mu.Lock()
	g.queries++
	fn := g.statusFn
	g.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	return gateway.TagPending, nil
}

type env struct {
	orch   *Orchestrator
	ledger *inventory.MemLedger
	guard  *idempotency.MemGuard
	store  *memStore
	gw     *stubGateway
}

func newEnv(records ...inventory.Record) *env {
	ledger := inventory.NewMemLedger(zap.NewNop(), records...)
	guard := idempotency.NewMemGuard()
	store := newMemStore()
	gw := &stubGateway{}
	return &env{
		orch: &Orchestrator{
			Ledger:   ledger,
			Guard:    guard,
			Store:    store,
			Catalog:  stubCatalog{prices: map[string]int{"v1": 500, "v2": 1200}},
			Gateway:  gw,
			Bus:      NopPublisher{},
			Currency: "USD",
			Service:  "test",
			Log:      zap.NewNop(),
		},
		ledger: ledger,
		guard:  guard,
		store:  store,
		gw:     gw,
	}
}

func decodeResult(t *testing.T, snapshot []byte) OrderResult {
	t.Helper()
	var res OrderResult
	if err := json.Unmarshal(snapshot, &res); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return res
}

// ---- tests ----

func TestCreateOrderHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1",
		Items:   []LineItem{{VariantID: "v1", Qty: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)
	if res.Status != orders.StatusAwaitingPayment {
		t.Fatalf("status = %s, want awaiting_payment", res.Status)
	}
	if res.TotalCents != 1000 {
		t.Fatalf("total = %d, want 1000", res.TotalCents)
	}
	if res.Payment.ProviderRef == "" {
		t.Fatal("expected provider ref on successful create")
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 2 {
		t.Fatalf("reserved = %d, want 2", rec.ReservedQty)
	}
	o, err := e.store.Get(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orders.StatusAwaitingPayment {
		t.Fatalf("stored status = %s", o.Status)
	}
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2})

	in := CreateOrderInput{
		BuyerID:        "b1",
		Items:          []LineItem{{VariantID: "v1", Qty: 2}},
		IdempotencyKey: "abc",
	}
	first, err := e.orch.CreateOrder(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.orch.CreateOrder(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("replay differs:\n%s\n%s", first, second)
	}
	if e.store.count() != 1 {
		t.Fatalf("order rows = %d, want 1", e.store.count())
	}
	if e.gw.creates != 1 {
		t.Fatalf("gateway creates = %d, want 1 (no second charge)", e.gw.creates)
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 2 {
		t.Fatalf("reserved = %d, want 2 (no second reservation)", rec.ReservedQty)
	}
}

func TestCreateOrderInFlightKeyConflicts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})

	if _, err := e.guard.Begin(ctx, "dup"); err != nil {
		t.Fatal(err)
	}
	_, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID:        "b1",
		Items:          []LineItem{{VariantID: "v1", Qty: 1}},
		IdempotencyKey: "dup",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if e.store.count() != 0 {
		t.Fatal("conflicting request must not create an order")
	}
}

func TestCreateOrderInsufficientStockRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(
		inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2},
		inventory.Record{VariantID: "v2", StockQty: 1},
	)

	_, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID:        "b1",
		Items:          []LineItem{{VariantID: "v1", Qty: 3}, {VariantID: "v2", Qty: 5}},
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// v1 was reserved before v2 failed; the whole attempt must roll back
	for _, v := range []string{"v1", "v2"} {
		rec, _ := e.ledger.Get(ctx, v)
		if rec.ReservedQty != 0 {
			t.Fatalf("%s reserved = %d, want 0", v, rec.ReservedQty)
		}
	}
	if e.store.count() != 0 {
		t.Fatal("failed reservation must not leave an order behind")
	}

	// the key was marked failed, so a corrected retry runs fresh
	res, _ := e.guard.Begin(ctx, "k1")
	if res.State != idempotency.StateFresh {
		t.Fatalf("retry state = %s, want fresh", res.State)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})

	cases := []CreateOrderInput{
		{BuyerID: "", Items: []LineItem{{VariantID: "v1", Qty: 1}}},
		{BuyerID: "b1"},
		{BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 0}}},
		{BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: -2}}},
		{BuyerID: "b1", Items: []LineItem{{VariantID: "ghost", Qty: 1}}},
	}
	for i, in := range cases {
		if _, err := e.orch.CreateOrder(ctx, in); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 0 {
		t.Fatal("validation failures must not touch the ledger")
	}
}

func TestCreateOrderGatewayTimeoutHoldsOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2})
	e.gw.createFn = func(string, int) (string, error) {
		return "", &gateway.GatewayError{Op: "create", Cause: errors.New("timeout")}
	}

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID:        "b1",
		Items:          []LineItem{{VariantID: "v1", Qty: 4}},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("ambiguous gateway outcome must not fail creation: %v", err)
	}
	res := decodeResult(t, snap)
	if res.Status != orders.StatusAwaitingPayment {
		t.Fatalf("status = %s, want awaiting_payment", res.Status)
	}
	if res.Payment.ProviderRef != "" {
		t.Fatal("no provider ref should be stored on timeout")
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 4 {
		t.Fatalf("reserved = %d, want 4 (held for reconciliation)", rec.ReservedQty)
	}

	// reconciliation later finds the transaction settled
	e.gw.statusFn = func(string) (gateway.Tag, error) { return gateway.TagSettled, nil }
	status, err := e.orch.Reconcile(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status != orders.StatusPaid {
		t.Fatalf("status = %s, want paid", status)
	}
	rec, _ = e.ledger.Get(ctx, "v1")
	if rec.StockQty != 6 || rec.ReservedQty != 0 {
		t.Fatalf("stock=%d reserved=%d, want 6/0 after commit", rec.StockQty, rec.ReservedQty)
	}
}

func TestCreateOrderDeclineCompensates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})
	e.gw.createFn = func(string, int) (string, error) {
		return "", fmt.Errorf("%w: CARD_DECLINED", gateway.ErrDeclined)
	}

	_, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID:        "b1",
		Items:          []LineItem{{VariantID: "v1", Qty: 2}},
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, gateway.ErrDeclined) {
		t.Fatalf("expected decline to surface, got %v", err)
	}

	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 0 {
		t.Fatalf("reserved = %d, want 0 after decline", rec.ReservedQty)
	}
	// the order is retained for audit, parked in payment_failed
	if e.store.count() != 1 {
		t.Fatal("declined order must be kept, not deleted")
	}
	for id := range e.store.orders {
		o, _ := e.store.Get(ctx, id)
		if o.Status != orders.StatusPaymentFailed {
			t.Fatalf("status = %s, want payment_failed", o.Status)
		}
	}
	res, _ := e.guard.Begin(ctx, "k1")
	if res.State != idempotency.StateFresh {
		t.Fatalf("retry state = %s, want fresh", res.State)
	}
}

func TestReconcileSettledIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	e.gw.statusFn = func(string) (gateway.Tag, error) { return gateway.TagSettled, nil }
	if _, err := e.orch.Reconcile(ctx, res.OrderID); err != nil {
		t.Fatal(err)
	}
	recAfterFirst, _ := e.ledger.Get(ctx, "v1")

	// a second sweep over the same order changes nothing
	status, err := e.orch.Reconcile(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status != orders.StatusPaid {
		t.Fatalf("status = %s, want paid", status)
	}
	recAfterSecond, _ := e.ledger.Get(ctx, "v1")
	if *recAfterFirst != *recAfterSecond {
		t.Fatalf("ledger changed on repeated reconcile: %+v vs %+v", recAfterFirst, recAfterSecond)
	}
}

func TestReconcileFailedReleases(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	e.gw.statusFn = func(string) (gateway.Tag, error) { return gateway.TagFailed, nil }
	status, err := e.orch.Reconcile(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status != orders.StatusPaymentFailed {
		t.Fatalf("status = %s, want payment_failed", status)
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 0 || rec.StockQty != 10 {
		t.Fatalf("reserved=%d stock=%d, want 0/10 after release", rec.ReservedQty, rec.StockQty)
	}
}

func TestReconcileGatewayErrorLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	e.gw.statusFn = func(string) (gateway.Tag, error) {
		return "", &gateway.GatewayError{Op: "status", Status: 503}
	}
	status, err := e.orch.Reconcile(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status != orders.StatusAwaitingPayment {
		t.Fatalf("status = %s, want awaiting_payment (unknown is not a verdict)", status)
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 2 {
		t.Fatalf("reserved = %d, want 2 (held)", rec.ReservedQty)
	}
}

func TestReconcileExpiresStalePendingOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})
	e.orch.OrderExpiry = time.Millisecond

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)
	time.Sleep(5 * time.Millisecond)

	// provider still says pending, but the hold is past its lifetime
	status, err := e.orch.Reconcile(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status != orders.StatusPaymentFailed {
		t.Fatalf("status = %s, want payment_failed", status)
	}
	rec, _ := e.ledger.Get(ctx, "v1")
	if rec.ReservedQty != 0 {
		t.Fatalf("reserved = %d, want 0 after expiry", rec.ReservedQty)
	}
}

func TestCancelReleasesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10, SafetyStock: 2})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	before, _ := e.ledger.Get(ctx, "v1")
	if before.Available() != 5 {
		t.Fatalf("available = %d, want 5 while reserved", before.Available())
	}

	status, err := e.orch.Cancel(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if status != orders.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}
	after, _ := e.ledger.Get(ctx, "v1")
	if after.Available() != 8 {
		t.Fatalf("available = %d, want 8 back after cancel", after.Available())
	}

	// repeated cancel is a no-op, and must not double release
	status, err = e.orch.Cancel(ctx, res.OrderID)
	if err != nil || status != orders.StatusCancelled {
		t.Fatalf("repeat cancel = %s, %v", status, err)
	}
	again, _ := e.ledger.Get(ctx, "v1")
	if *again != *after {
		t.Fatal("repeat cancel touched the ledger")
	}
}

func TestCancelRefusedAfterPayment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	e.gw.statusFn = func(string) (gateway.Tag, error) { return gateway.TagSettled, nil }
	if _, err := e.orch.Reconcile(ctx, res.OrderID); err != nil {
		t.Fatal(err)
	}

	if _, err := e.orch.Cancel(ctx, res.OrderID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestSweepReconcilesStaleOrders(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	e.gw.statusFn = func(string) (gateway.Tag, error) { return gateway.TagSettled, nil }
	if err := e.orch.Sweep(ctx, time.Now().Add(time.Second), 10); err != nil {
		t.Fatal(err)
	}
	o, _ := e.store.Get(ctx, res.OrderID)
	if o.Status != orders.StatusPaid {
		t.Fatalf("status = %s, want paid after sweep", o.Status)
	}
}

func TestPaymentStatusReportsReconciledState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(inventory.Record{VariantID: "v1", StockQty: 10})

	snap, err := e.orch.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "b1", Items: []LineItem{{VariantID: "v1", Qty: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := decodeResult(t, snap)

	e.gw.statusFn = func(string) (gateway.Tag, error) { return gateway.TagSettled, nil }
	view, err := e.orch.PaymentStatus(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != orders.StatusPaid {
		t.Fatalf("status = %s, want paid", view.Status)
	}
	if view.Payment.Status != orders.PaymentSettled {
		t.Fatalf("payment status = %s, want settled", view.Payment.Status)
	}

	if _, err := e.orch.PaymentStatus(ctx, "missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
