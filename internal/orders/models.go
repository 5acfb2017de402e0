package orders

import (
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
)

// Order types offered by the bot front-ends.
const (
	TypeDeposit     = "deposit"
	TypePremium     = "premium"
	TypeTRXExchange = "trx_exchange"
	TypeEnergy      = "energy"
)

type Order struct {
	ID         string
	UserID     int64
	Type       string
	BaseMicro  amount.Micro
	Suffix     int
	TotalMicro amount.Micro // BaseMicro + Suffix/1000, the amount the payer sends
	Status     Status       // see status.go
	TxHash     string       // set on PAID
	Metadata   Metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
	PaidAt     *time.Time
}

// Expired reports whether the payment window closed before now.
func (o Order) Expired(now time.Time) bool { return now.After(o.ExpiresAt) }

// Metadata is the product-specific side payload of an order.
type Metadata struct {
	Recipient string            `json:"recipient,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

type Change struct {
	TxHash string
	At     time.Time
}

type CASResult struct {
	Applied bool
	Status  Status // stored status; the blocker when !Applied
	TxHash  string
}

type AnomalyKind string

const (
	AnomalyLatePayment        AnomalyKind = "late_payment"
	AnomalyTransitionConflict AnomalyKind = "transition_conflict"
	AnomalyDuplicatePayment   AnomalyKind = "duplicate_payment"
	AnomalyOrderMismatch      AnomalyKind = "order_mismatch"
)

// Anomaly is a payment that needs a human: funds may have arrived against an
// order that can no longer accept them.
type Anomaly struct {
	Kind          AnomalyKind
	OrderID       string
	AmountMicro   amount.Micro
	TxHash        string
	FromStatus    Status
	ToStatus      Status
	CurrentStatus Status
	Detail        string
	ObservedAt    time.Time
}
