package orders

type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusProcessing      Status = "processing"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
	StatusPaymentFailed   Status = "payment_failed"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:         {StatusAwaitingPayment: true, StatusCancelled: true},
	StatusAwaitingPayment: {StatusPaid: true, StatusPaymentFailed: true, StatusCancelled: true},
	StatusPaid:            {StatusProcessing: true},
	StatusProcessing:      {StatusShipped: true},
	StatusShipped:         {StatusDelivered: true},
	StatusDelivered:       {},
	StatusCancelled:       {},
	StatusPaymentFailed:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible.
func Terminal(s Status) bool {
	return len(validNext[s]) == 0
}
