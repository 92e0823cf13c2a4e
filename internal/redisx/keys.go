package redisx

import "time"

const (
	// Completed idempotency replay cache: idem:order:create:{key} -> response snapshot.
	// Postgres stays the source of truth; this only skips a round trip on replay.
	KeyIdemSnapshot = "idem:order:create:%s"

	// Cache payment status: payment_status:{order_id} -> {"order_id":...,"status":...}
	KeyPaymentStatus = "payment_status:%s"

	// Dedup callback processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdemSnapshot = 24 * time.Hour
	TTLStatusCache  = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
