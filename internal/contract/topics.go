package contract

const (
	TopicOrderCreated           = "order.created"
	TopicOrderCancelled         = "order.cancelled"
	TopicOrderTimeout           = "order.timeout"
	TopicPaymentRequested       = "payment.requested"
	TopicPaymentSucceeded       = "payment.succeeded"
	TopicPaymentFailed          = "payment.failed"
	TopicStockReservationFailed = "stock.reservation.failed"
)

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// DLQTopic names the dead-letter topic for a source topic.
func DLQTopic(topic string) string { return topic + ".dlq" }
