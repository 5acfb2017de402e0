package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrTransitionConflict = errors.New("order transition conflict")
	ErrInvalidTransition  = errors.New("transition not allowed")
)

// TransitionConflictError reports a transition whose source state no longer
// matches the stored order and whose target was not reached either, e.g.
// PENDING->PAID on an order that already EXPIRED.
type TransitionConflictError struct {
	OrderID string
	From    Status
	To      Status
	Current Status
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("order %s: transition %s->%s conflicts with current status %s", e.OrderID, e.From, e.To, e.Current)
}

func (e *TransitionConflictError) Unwrap() error { return ErrTransitionConflict }

// Listener observes committed transitions. It cannot veto them.
type Listener interface {
	OrderCreated(ctx context.Context, o Order) error
	OrderTransitioned(ctx context.Context, o Order, from Status) error
}

type statusWriter interface {
	UpdateStatus(ctx context.Context, id string, expected, next Status, c Change) (CASResult, error)
}

// Result of a transition request. Applied=false with a nil error means the
// order was already in the target state (replay).
type Result struct {
	Order   Order
	Applied bool
}

// Machine is the only path by which order status changes.
type Machine struct {
	Store     statusWriter
	Listeners []Listener
	Log       *slog.Logger
	Now       func() time.Time
}

func NewMachine(store statusWriter, log *slog.Logger, listeners ...Listener) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{Store: store, Listeners: listeners, Log: log, Now: time.Now}
}

// Transition moves order o from `from` to `to`, conditioned on the stored
// status still being `from`. o supplies the id and the snapshot handed to
// listeners; its Status field is not trusted.
func (m *Machine) Transition(ctx context.Context, o Order, from, to Status, txHash string) (Result, error) {
	if !CanTransition(from, to) {
		return Result{Order: o}, fmt.Errorf("order %s %s->%s: %w", o.ID, from, to, ErrInvalidTransition)
	}
	now := m.Now()
	res, err := m.Store.UpdateStatus(ctx, o.ID, from, to, Change{TxHash: txHash, At: now})
	if err != nil {
		return Result{Order: o}, err
	}

	if !res.Applied {
		o.Status, o.TxHash = res.Status, res.TxHash
		if res.Status == to {
			m.Log.Info("order_transition_noop", "order_id", o.ID, "from", from, "to", to)
			return Result{Order: o}, nil
		}
		return Result{Order: o}, &TransitionConflictError{OrderID: o.ID, From: from, To: to, Current: res.Status}
	}

	o.Status, o.TxHash, o.UpdatedAt = to, res.TxHash, now
	if to == StatusPaid {
		o.PaidAt = &now
	}
	m.Log.Info("order_transitioned", "order_id", o.ID, "from", from, "to", to, "tx_hash", o.TxHash)
	m.notify(ctx, o, from)
	return Result{Order: o, Applied: true}, nil
}

// Created fans a freshly stored order out to the listeners.
func (m *Machine) Created(ctx context.Context, o Order) {
	for _, l := range m.Listeners {
		if err := l.OrderCreated(ctx, o); err != nil {
			m.Log.Error("order_listener_failed", "order_id", o.ID, "event", "created", "err", err)
		}
	}
}

func (m *Machine) notify(ctx context.Context, o Order, from Status) {
	for _, l := range m.Listeners {
		if err := l.OrderTransitioned(ctx, o, from); err != nil {
			m.Log.Error("order_listener_failed", "order_id", o.ID, "event", "transitioned", "status", o.Status, "err", err)
		}
	}
}
