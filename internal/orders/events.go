package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderExpired   = "OrderExpired"
	EventOrderCancelled = "OrderCancelled"
	EventOrderDelivered = "OrderDelivered"
	EventPaymentAnomaly = "PaymentAnomaly"
	// Published by the chain watcher, consumed by cmd/reconciler.
	EventPaymentObserved = "PaymentObserved"
)

type Envelope struct {
	EventID       string          `json:"event_id"` // uuid
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// EventFor names the event emitted when an order reaches s.
func EventFor(s Status) string {
	switch s {
	case StatusPaid:
		return EventOrderPaid
	case StatusExpired:
		return EventOrderExpired
	case StatusCancelled:
		return EventOrderCancelled
	case StatusDelivered:
		return EventOrderDelivered
	default:
		return EventOrderCreated
	}
}

// OrderPayload is the snapshot carried by every order.* event. Consumers must
// be idempotent on (order_id, status).
type OrderPayload struct {
	OrderID     string     `json:"order_id"`
	UserID      int64      `json:"user_id"`
	OrderType   string     `json:"order_type"`
	Status      Status     `json:"status"`
	FromStatus  Status     `json:"from_status,omitempty"`
	BaseMicro   int64      `json:"base_micro"`
	Suffix      int        `json:"suffix"`
	TotalMicro  int64      `json:"total_micro"`
	TotalAmount string     `json:"total_amount"`
	TxHash      string     `json:"tx_hash,omitempty"`
	Metadata    Metadata   `json:"metadata"`
	ExpiresAt   time.Time  `json:"expires_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

func NewOrderPayload(o Order, from Status) OrderPayload {
	return OrderPayload{
		OrderID:     o.ID,
		UserID:      o.UserID,
		OrderType:   o.Type,
		Status:      o.Status,
		FromStatus:  from,
		BaseMicro:   int64(o.BaseMicro),
		Suffix:      o.Suffix,
		TotalMicro:  int64(o.TotalMicro),
		TotalAmount: o.TotalMicro.Display(),
		TxHash:      o.TxHash,
		Metadata:    o.Metadata,
		ExpiresAt:   o.ExpiresAt,
		PaidAt:      o.PaidAt,
	}
}

type AnomalyPayload struct {
	Kind          AnomalyKind `json:"kind"`
	OrderID       string      `json:"order_id"`
	AmountMicro   int64       `json:"amount_micro"`
	TxHash        string      `json:"tx_hash"`
	FromStatus    Status      `json:"from_status,omitempty"`
	ToStatus      Status      `json:"to_status,omitempty"`
	CurrentStatus Status      `json:"current_status,omitempty"`
	Detail        string      `json:"detail,omitempty"`
}
