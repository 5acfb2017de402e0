package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ghya66/tg-dgn-bot/internal/payment"
	"github.com/ghya66/tg-dgn-bot/internal/validation"
	"github.com/go-chi/chi/v5"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, order_id ∥ amount ∥ tx_hash)).
const SignatureHeader = "X-Signature"

const maxWebhookBody = 64 << 10

type CallbackReconciler interface {
	Handle(ctx context.Context, cb payment.Callback, signature string) (payment.Result, error)
}

type WebhookHandler struct {
	Reconciler CallbackReconciler
	Log        *slog.Logger
}

type WebhookResp struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message"`
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhook/trc20", h.trc20)
}

func (h *WebhookHandler) trc20(w http.ResponseWriter, r *http.Request) {
	var cb payment.Callback
	// the reconciler validates after the signature check
	if err := validation.DecodeAndValidate(http.MaxBytesReader(w, r.Body, maxWebhookBody), &cb, nil); err != nil {
		writeJSON(w, http.StatusBadRequest, WebhookResp{Message: "malformed payload"})
		return
	}

	res, err := h.Reconciler.Handle(r.Context(), cb, r.Header.Get(SignatureHeader))
	code := payment.HTTPStatus(err)
	switch {
	case err == nil:
		msg := "payment confirmed"
		if res.Replay {
			msg = "already processed"
		}
		writeJSON(w, code, WebhookResp{Success: true, OrderID: res.OrderID, Message: msg})
	case code == http.StatusInternalServerError:
		h.Log.Error("webhook_failed", "order_id", cb.OrderID, "tx_hash", cb.TxHash, "err", err)
		writeJSON(w, code, WebhookResp{OrderID: cb.OrderID, Message: "internal error"})
	default:
		writeJSON(w, code, WebhookResp{OrderID: cb.OrderID, Message: rejectReason(err)})
	}
}

// rejectReason exposes the rejection class, never the stored order details.
func rejectReason(err error) string {
	var rej *payment.RejectError
	if errors.As(err, &rej) {
		return rej.Err.Error()
	}
	return err.Error()
}
