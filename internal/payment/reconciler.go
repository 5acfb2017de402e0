// Package payment matches incoming stablecoin transfers to pending orders.
//
// The chain only reports an amount and a transaction hash, so the amount
// index is the primary lookup; the order id in the callback is a cross-check.
// Every status change goes through the order machine's CAS, which is what
// makes replays, the expiry sweep and cancellations safe to race.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/validation"
	validatorv10 "github.com/go-playground/validator/v10"
)

type OrderLookup interface {
	Get(ctx context.Context, id string) (orders.Order, error)
	FindByAmount(ctx context.Context, micro amount.Micro) (orders.Order, error)
}

type Transitioner interface {
	Transition(ctx context.Context, o orders.Order, from, to orders.Status, txHash string) (orders.Result, error)
}

type SuffixReleaser interface {
	Release(ctx context.Context, suffix int, orderID string) (bool, error)
}

// Result of an accepted callback. Replay is true when the order was already
// paid by the same transaction and nothing changed.
type Result struct {
	OrderID string
	Status  orders.Status
	TxHash  string
	Replay  bool
}

type Reconciler struct {
	Orders    OrderLookup
	Machine   Transitioner
	Suffixes  SuffixReleaser
	Signer    *Signer
	Validate  *validatorv10.Validate
	Anomalies orders.AnomalySink
	// PayAddress, when set, must equal the callback's to_address.
	PayAddress string
	// Timeout bounds one Handle call against the store.
	Timeout time.Duration
	Log     *slog.Logger
	Now     func() time.Time
}

func NewReconciler(lookup OrderLookup, machine Transitioner, suffixes SuffixReleaser, signer *Signer,
	anomalies orders.AnomalySink, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		Orders:    lookup,
		Machine:   machine,
		Suffixes:  suffixes,
		Signer:    signer,
		Validate:  validation.New(),
		Anomalies: anomalies,
		Timeout:   5 * time.Second,
		Log:       log,
		Now:       time.Now,
	}
}

// Handle verifies cb and settles its order. Business rejections come back as
// *RejectError; anything else is an infrastructure error the caller should
// retry.
func (r *Reconciler) Handle(ctx context.Context, cb Callback, signature string) (Result, error) {
	log := r.Log.With("order_id", cb.OrderID, "tx_hash", cb.TxHash, "amount", cb.Amount.String())

	if !r.Signer.Verify(cb.OrderID, cb.Amount.String(), cb.TxHash, signature) {
		log.Warn("payment_signature_invalid", "event", "security", "block", cb.BlockNumber, "from", cb.FromAddress)
		return Result{}, &RejectError{Err: ErrInvalidSignature, OrderID: cb.OrderID, TxHash: cb.TxHash}
	}
	micro, err := r.check(cb)
	if err != nil {
		log.Warn("payment_payload_invalid", "err", err)
		return Result{}, &RejectError{Err: ErrInvalidPayload, OrderID: cb.OrderID, TxHash: cb.TxHash, Cause: err}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	o, err := r.Orders.FindByAmount(ctx, micro)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return r.unmatched(ctx, log, cb, micro)
	case err != nil:
		return Result{}, fmt.Errorf("find order by amount %s: %w", micro, err)
	}
	if o.ID != cb.OrderID {
		return r.mismatched(ctx, log, cb, micro, o)
	}

	if o.Status != orders.StatusPending {
		return r.settled(ctx, log, cb, micro, o)
	}
	if o.Expired(r.Now()) {
		return r.late(ctx, log, cb, micro, o)
	}

	res, err := r.Machine.Transition(ctx, o, orders.StatusPending, orders.StatusPaid, cb.TxHash)
	if err != nil && !errors.Is(err, orders.ErrTransitionConflict) {
		return Result{}, err
	}
	if !res.Applied {
		// lost the race to another callback, the sweeper or a cancellation
		return r.settled(ctx, log, cb, micro, res.Order)
	}

	r.release(ctx, log, res.Order)
	log.Info("payment_confirmed", "suffix", o.Suffix, "block", cb.BlockNumber, "from", cb.FromAddress)
	return Result{OrderID: o.ID, Status: orders.StatusPaid, TxHash: cb.TxHash}, nil
}

func (r *Reconciler) check(cb Callback) (amount.Micro, error) {
	if err := r.Validate.Struct(cb); err != nil {
		return 0, err
	}
	if r.PayAddress != "" && cb.ToAddress != r.PayAddress {
		return 0, fmt.Errorf("to_address %s is not the receiving address", cb.ToAddress)
	}
	return amount.Parse(cb.Amount.String())
}

// unmatched handles an amount no live order owns. The payload's order may
// still explain it: a replay of a payment that already aged out of the
// amount index, or a transfer of the wrong amount.
func (r *Reconciler) unmatched(ctx context.Context, log *slog.Logger, cb Callback, micro amount.Micro) (Result, error) {
	o, err := r.Orders.Get(ctx, cb.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("payment_unmatched", "reason", "no order")
		return Result{}, &RejectError{Err: ErrOrderNotFound, OrderID: cb.OrderID, AmountMicro: micro, TxHash: cb.TxHash}
	}
	if err != nil {
		return Result{}, fmt.Errorf("get order %s: %w", cb.OrderID, err)
	}
	if replayOf(o, cb.TxHash, micro) {
		return r.replay(ctx, log, o), nil
	}
	log.Warn("payment_unmatched", "reason", "amount mismatch", "expected", o.TotalMicro.String(), "status", o.Status)
	return Result{}, &RejectError{
		Err: ErrAmountMismatch, OrderID: o.ID, AmountMicro: micro, TxHash: cb.TxHash, Current: o.Status,
	}
}

// mismatched handles an amount owned by an order other than the one named in
// the callback.
func (r *Reconciler) mismatched(ctx context.Context, log *slog.Logger, cb Callback, micro amount.Micro, holder orders.Order) (Result, error) {
	// the amount may have been reissued after the named order was paid
	if named, err := r.Orders.Get(ctx, cb.OrderID); err == nil && replayOf(named, cb.TxHash, micro) {
		return r.replay(ctx, log, named), nil
	} else if err != nil && !errors.Is(err, orders.ErrNotFound) {
		return Result{}, fmt.Errorf("get order %s: %w", cb.OrderID, err)
	}
	rej := &RejectError{Err: ErrOrderMismatch, OrderID: cb.OrderID, AmountMicro: micro, TxHash: cb.TxHash, Current: holder.Status}
	detail := fmt.Sprintf("amount %s is held by order %s", micro, holder.ID)
	if err := r.flag(ctx, log, orders.AnomalyOrderMismatch, rej, detail); err != nil {
		return Result{}, err
	}
	return Result{}, rej
}

// late expires an order whose window closed before the payment was seen and
// rejects the payment for manual reconciliation.
func (r *Reconciler) late(ctx context.Context, log *slog.Logger, cb Callback, micro amount.Micro, o orders.Order) (Result, error) {
	res, err := r.Machine.Transition(ctx, o, orders.StatusPending, orders.StatusExpired, "")
	if err != nil && !errors.Is(err, orders.ErrTransitionConflict) {
		return Result{}, err
	}
	if res.Applied {
		r.release(ctx, log, res.Order)
	} else if res.Order.Status != orders.StatusExpired {
		return r.settled(ctx, log, cb, micro, res.Order)
	}
	rej := &RejectError{
		Err: ErrLatePayment, OrderID: o.ID, AmountMicro: micro, TxHash: cb.TxHash,
		From: orders.StatusPending, To: orders.StatusPaid, Current: orders.StatusExpired,
	}
	detail := fmt.Sprintf("expired at %s", o.ExpiresAt.UTC().Format(time.RFC3339))
	if err := r.flag(ctx, log, orders.AnomalyLatePayment, rej, detail); err != nil {
		return Result{}, err
	}
	return Result{}, rej
}

// settled decides a payment for an order that already left PENDING.
func (r *Reconciler) settled(ctx context.Context, log *slog.Logger, cb Callback, micro amount.Micro, o orders.Order) (Result, error) {
	if replayOf(o, cb.TxHash, micro) {
		return r.replay(ctx, log, o), nil
	}
	rej := &RejectError{
		OrderID: o.ID, AmountMicro: micro, TxHash: cb.TxHash,
		From: orders.StatusPending, To: orders.StatusPaid, Current: o.Status,
	}
	var (
		kind   orders.AnomalyKind
		detail string
	)
	switch o.Status {
	case orders.StatusPaid, orders.StatusDelivered:
		rej.Err, kind, detail = ErrDuplicatePayment, orders.AnomalyDuplicatePayment, "already paid by "+o.TxHash
	case orders.StatusExpired:
		rej.Err, kind, detail = ErrLatePayment, orders.AnomalyLatePayment, "order expired before payment"
	default:
		rej.Err, kind = orders.ErrTransitionConflict, orders.AnomalyTransitionConflict
		rej.Cause = &orders.TransitionConflictError{OrderID: o.ID, From: rej.From, To: rej.To, Current: o.Status}
		detail = "order is " + string(o.Status)
	}
	if err := r.flag(ctx, log, kind, rej, detail); err != nil {
		return Result{}, err
	}
	return Result{}, rej
}

func (r *Reconciler) replay(ctx context.Context, log *slog.Logger, o orders.Order) Result {
	log.Info("payment_replayed", "status", o.Status)
	// a previous attempt may have failed between the CAS and the release
	r.release(ctx, log, o)
	return Result{OrderID: o.ID, Status: o.Status, TxHash: o.TxHash, Replay: true}
}

// flag records rej as an anomaly. A sink failure is returned so the callback
// is retried; recording is idempotent per (kind, order, tx).
func (r *Reconciler) flag(ctx context.Context, log *slog.Logger, kind orders.AnomalyKind, rej *RejectError, detail string) error {
	log.Warn("payment_anomaly", "kind", kind, "current", rej.Current, "detail", detail)
	if r.Anomalies == nil {
		return nil
	}
	err := r.Anomalies.RecordAnomaly(ctx, orders.Anomaly{
		Kind:          kind,
		OrderID:       rej.OrderID,
		AmountMicro:   rej.AmountMicro,
		TxHash:        rej.TxHash,
		FromStatus:    rej.From,
		ToStatus:      rej.To,
		CurrentStatus: rej.Current,
		Detail:        detail,
		ObservedAt:    r.Now().UTC(),
	})
	if err != nil {
		log.Error("payment_anomaly_record_failed", "kind", kind, "err", err)
		return fmt.Errorf("record %s anomaly: %w", kind, err)
	}
	return nil
}

func (r *Reconciler) release(ctx context.Context, log *slog.Logger, o orders.Order) {
	ok, err := r.Suffixes.Release(ctx, o.Suffix, o.ID)
	if err != nil {
		// the binding TTL frees it eventually
		log.Warn("suffix_release_failed", "suffix", o.Suffix, "err", err)
		return
	}
	if ok {
		log.Info("suffix_released", "suffix", o.Suffix)
	}
}

// replayOf reports whether o was already paid by exactly this transfer.
func replayOf(o orders.Order, txHash string, micro amount.Micro) bool {
	paid := o.Status == orders.StatusPaid || o.Status == orders.StatusDelivered
	return paid && o.TxHash == txHash && amount.Match(o.TotalMicro, micro)
}
