package checkout

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-pipeline/internal/gateway"
	"github.com/ariefcatur/go-checkout-pipeline/internal/idempotency"
	"github.com/ariefcatur/go-checkout-pipeline/internal/orders"
)

// Ledger is the per-variant stock bookkeeping. Reserve must be atomic against
// concurrent callers for the same variant.
type Ledger interface {
	Reserve(ctx context.Context, variantID string, qty int) error
	Release(ctx context.Context, variantID string, qty int) error
	Commit(ctx context.Context, variantID string, qty int) error
}

// Guard deduplicates creation attempts by client token.
type Guard interface {
	Begin(ctx context.Context, key string) (idempotency.BeginResult, error)
	Complete(ctx context.Context, key string, snapshot []byte, orderID string) error
	Fail(ctx context.Context, key string) error
}

// OrderStore persists the order aggregate.
type OrderStore interface {
	CreateTx(ctx context.Context, o *orders.Order, items []orders.OrderItem, pay *orders.Payment) error
	Get(ctx context.Context, id string) (*orders.Order, error)
	Items(ctx context.Context, orderID string) ([]orders.OrderItem, error)
	GetPayment(ctx context.Context, orderID string) (*orders.Payment, error)
	Transition(ctx context.Context, id string, to orders.Status, from ...orders.Status) (bool, error)
	SetProviderRef(ctx context.Context, orderID, ref string) error
	MarkPaymentSettled(ctx context.Context, orderID string) error
	MarkPaymentFailed(ctx context.Context, orderID string) error
	ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]orders.Order, error)
}

// Gateway is the external payment provider boundary.
type Gateway interface {
	CreateTransaction(ctx context.Context, orderID string, amountCents int, currency string) (string, error)
	QueryStatus(ctx context.Context, orderID string) (gateway.Tag, error)
}

// Catalog supplies current prices and variant existence.
type Catalog interface {
	Prices(ctx context.Context, variantIDs []string) (map[string]int, error)
}

// Publisher emits lifecycle events; nil-safe via NopPublisher.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// NopPublisher drops everything. Used in tests and tools.
type NopPublisher struct{}

func (NopPublisher) Publish(string, []byte, []byte, ...kafkago.Header) {}
