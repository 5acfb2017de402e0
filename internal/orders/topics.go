package orders

const (
	TopicOrderCreated    = "order.created"
	TopicOrderPaid       = "order.paid"
	TopicOrderExpired    = "order.expired"
	TopicOrderCancelled  = "order.cancelled"
	TopicOrderDelivered  = "order.delivered"
	TopicPaymentAnomaly  = "payment.anomaly"
	TopicPaymentObserved = "payment.observed"
)

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// TopicFor maps the status an order just reached to its topic.
func TopicFor(s Status) string {
	switch s {
	case StatusPaid:
		return TopicOrderPaid
	case StatusExpired:
		return TopicOrderExpired
	case StatusCancelled:
		return TopicOrderCancelled
	case StatusDelivered:
		return TopicOrderDelivered
	default:
		return TopicOrderCreated
	}
}
