package orders

const (
	TopicOrderEvents    = "order.lifecycle"
	TopicNotifications  = "order.notifications"
	NotifyConsumerGroup = "order-notifier"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
