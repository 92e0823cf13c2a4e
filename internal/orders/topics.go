package orders

const (
	TopicOrderCreated    = "order.created"
	TopicOrderPaid       = "order.paid"
	TopicPaymentFailed   = "order.payment.failed"
	TopicOrderCancelled  = "order.cancelled"
	TopicPaymentCallback = "payment.callback"
)

// Partition key = order_id so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
