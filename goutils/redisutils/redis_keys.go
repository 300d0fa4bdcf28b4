package redisutils

// Delivery cache keys, parameterized by the mech namespace and request id.
const (
	// hash: requestId -> delivered content URL
	REDIS_KEY_DELIVERED_URLS = "mech:%s:deliveredUrls"

	// string: delivered content body for one request id
	REDIS_KEY_DELIVERED_CONTENT = "mech:%s:deliveredContent:%s"

	// set: request ids handed to the deliver worker but not yet delivered
	REDIS_KEY_PENDING_DELIVERIES = "mech:%s:pendingDeliveries"
)
