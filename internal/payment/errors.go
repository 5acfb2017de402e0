package payment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
)

var (
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrInvalidPayload   = errors.New("invalid callback payload")
	ErrOrderNotFound    = errors.New("no order for payment")
	ErrAmountMismatch   = errors.New("paid amount does not match order")
	ErrOrderMismatch    = errors.New("amount belongs to a different order")
	ErrLatePayment      = errors.New("payment arrived after order expiry")
	ErrDuplicatePayment = errors.New("order already paid by another transaction")
)

// RejectError is a callback the reconciler refused. It keeps what a person
// needs to reconcile the payment by hand.
type RejectError struct {
	Err         error
	OrderID     string
	AmountMicro amount.Micro
	TxHash      string
	From        orders.Status
	To          orders.Status
	Current     orders.Status
	Cause       error
}

func (e *RejectError) Error() string {
	msg := fmt.Sprintf("%v: order=%s amount=%s tx=%s", e.Err, e.OrderID, e.AmountMicro, e.TxHash)
	if e.To != "" {
		msg += fmt.Sprintf(" transition=%s->%s", e.From, e.To)
	}
	if e.Current != "" {
		msg += " current=" + string(e.Current)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RejectError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// IsRejection reports whether err is a business decision rather than an
// infrastructure failure. Rejections must not be retried.
func IsRejection(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// HTTPStatus maps a Handle outcome to the webhook response code. Callers
// retry only on 5xx.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrOrderMismatch),
		errors.Is(err, ErrLatePayment),
		errors.Is(err, ErrDuplicatePayment),
		errors.Is(err, orders.ErrTransitionConflict):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
