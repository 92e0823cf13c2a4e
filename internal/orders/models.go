package orders

import "time"

type Order struct {
	ID         string
	BuyerID    string
	Status     Status // see status.go
	TotalCents int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderItem carries the unit price snapshotted at creation time. Later catalog
// price changes never alter an existing order's total.
type OrderItem struct {
	OrderID        string
	VariantID      string
	Qty            int
	UnitPriceCents int
}

type Payment struct {
	OrderID           string
	Provider          string
	ProviderPaymentID string
	Status            PaymentStatus
	AmountCents       int
	PaidAt            *time.Time
}

type PaymentStatus string

const (
	PaymentCreated PaymentStatus = "created"
	PaymentSettled PaymentStatus = "settled"
	PaymentFailed  PaymentStatus = "failed"
)
