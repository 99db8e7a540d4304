package redisx

import "time"

const (
	// Restock marker: restocked_order_{order_id} -> processed.
	// Guards against a redelivered OrderCancelledEvent double-restocking.
	KeyRestockedOrder = "restocked_order_%s"

	// Timeout scheduler: sorted set of tokens scored by fire time (ms).
	KeyTimeoutQueue = "timeout:queue"

	// Timeout scheduler: hash token -> order_id.
	KeyTimeoutOrders = "timeout:orders"

	// Fired marker: timeout:fired:{token} -> 1. Lets Cancel distinguish a
	// token that already fired from one that never existed.
	KeyTimeoutFired = "timeout:fired:%s"
)

var (
	// Long enough to outlast plausible redelivery windows.
	TTLRestockMarker = 24 * time.Hour
	TTLFiredMarker   = 24 * time.Hour
)
