package orders

const (
	TopicPaymentReceived = "payment.received"
	TopicOrderCompleted  = "order.completed"
	TopicOrderFailed     = "order.failed"
	TopicTicketCheckedIn = "ticket.checked_in"
)

// Partition key = order_id so all events for one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
