package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated    = "OrderCreated"
	EventOrderPaid       = "OrderPaid"
	EventPaymentFailed   = "PaymentFailed"
	EventOrderCancelled  = "OrderCancelled"
	EventPaymentCallback = "PaymentCallback"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload types per event ----

type ItemQty struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID    string    `json:"order_id"`
	BuyerID    string    `json:"buyer_id"`
	Items      []ItemQty `json:"items"`
	TotalCents int       `json:"total_cents"`
}

type OrderPaidPayload struct {
	OrderID     string `json:"order_id"`
	ProviderRef string `json:"provider_ref"`
	AmountCents int    `json:"amount_cents"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"` // e.g., DECLINED, EXPIRED, NOT_FOUND
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
}

// PaymentCallbackPayload is the inbound provider notification forwarded by the
// webhook edge onto the callback topic. Signatures are verified upstream.
type PaymentCallbackPayload struct {
	OrderID     string `json:"order_id"`
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"` // provider wording; reconciliation re-queries anyway
}
