package redisx

import (
	"fmt"
	"time"
)

const (
	// Order record: hash order:{order_id}
	KeyOrder = "order:%s"
	// Reverse index used by payment callbacks: amount:{micro_amount} -> order_id
	KeyAmount = "amount:%d"
	// Pending orders by expiry: zset orders:pending, score = expires_at (unix millis)
	KeyPendingOrders = "orders:pending"
	// Suffix binding: hash suffix:slot:{n} -> order_id, allocated_at, expires_at
	KeySuffixSlotPrefix = "suffix:slot:"
	// Dedup of consumed events: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
	// Lease held by the expiry sweeper while a pass runs
	KeySweepLock = "lock:expiry-sweep"
)

var (
	TTLDedup = 48 * time.Hour
)

func OrderKey(orderID string) string { return fmt.Sprintf(KeyOrder, orderID) }

func AmountKey(micro int64) string { return fmt.Sprintf(KeyAmount, micro) }

func SuffixSlotKey(n int) string { return fmt.Sprintf("%s%d", KeySuffixSlotPrefix, n) }

func DedupKey(service, id string) string { return fmt.Sprintf(KeyDedup, service, id) }
