package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/suffix"
	"github.com/ghya66/tg-dgn-bot/internal/validation"
	"github.com/go-chi/chi/v5"
	validatorv10 "github.com/go-playground/validator/v10"
)

type AnomalyLister interface {
	OpenAnomalies(ctx context.Context, limit int) ([]orders.Anomaly, error)
}

type OrdersHandler struct {
	Orders    *orders.Service
	Anomalies AnomalyLister
	Validate  *validatorv10.Validate
	Log       *slog.Logger
}

type CreateOrderReq struct {
	UserID         int64           `json:"user_id" validate:"required,gt=0"`
	OrderType      string          `json:"order_type" validate:"omitempty,oneof=deposit premium trx_exchange energy"`
	BaseAmount     json.Number     `json:"base_amount" validate:"required,decimal"`
	TimeoutMinutes int             `json:"timeout_minutes" validate:"gte=0,lte=1440"`
	Metadata       orders.Metadata `json:"metadata"`
}

type CreateOrderResp struct {
	OrderID        string    `json:"order_id"`
	PayAddress     string    `json:"pay_address"`
	PayAmount      string    `json:"pay_amount"`
	PayAmountMicro int64     `json:"pay_amount_micro"`
	Suffix         int       `json:"suffix"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type OrderView struct {
	OrderID     string          `json:"order_id"`
	UserID      int64           `json:"user_id"`
	OrderType   string          `json:"order_type"`
	Status      orders.Status   `json:"status"`
	BaseAmount  string          `json:"base_amount"`
	Suffix      int             `json:"suffix"`
	TotalAmount string          `json:"total_amount"`
	TotalMicro  int64           `json:"total_micro"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Metadata    orders.Metadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
}

func NewOrderView(o orders.Order) OrderView {
	return OrderView{
		OrderID:     o.ID,
		UserID:      o.UserID,
		OrderType:   o.Type,
		Status:      o.Status,
		BaseAmount:  o.BaseMicro.Display(),
		Suffix:      o.Suffix,
		TotalAmount: o.TotalMicro.Display(),
		TotalMicro:  int64(o.TotalMicro),
		TxHash:      o.TxHash,
		Metadata:    o.Metadata,
		CreatedAt:   o.CreatedAt,
		ExpiresAt:   o.ExpiresAt,
		PaidAt:      o.PaidAt,
	}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/stats", h.stats)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/delivered", h.markDelivered)
	r.Get("/anomalies", h.listAnomalies)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := validation.DecodeAndValidate(r.Body, &req, h.Validate); err != nil {
		writeJSON(w, http.StatusBadRequest, err)
		return
	}
	base, err := amount.Parse(req.BaseAmount.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	inv, err := h.Orders.Create(ctx, orders.CreateInput{
		UserID:   req.UserID,
		Type:     req.OrderType,
		Base:     base,
		Timeout:  time.Duration(req.TimeoutMinutes) * time.Minute,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateOrderResp{
		OrderID:        inv.OrderID,
		PayAddress:     inv.PayAddress,
		PayAmount:      inv.PayAmount.Display(),
		PayAmountMicro: int64(inv.PayAmount),
		Suffix:         inv.Suffix,
		ExpiresAt:      inv.ExpiresAt,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewOrderView(o))
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewOrderView(o))
}

// markDelivered is called by fulfilment once a PAID order was handed over.
func (h *OrdersHandler) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.MarkDelivered(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewOrderView(o))
}

func (h *OrdersHandler) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st, err := h.Orders.Stats(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_status":       st.ByStatus,
		"active_suffixes": st.ActiveSuffixes,
		"pool_size":       amount.MaxSuffix,
	})
}

func (h *OrdersHandler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Anomalies.OpenAnomalies(ctx, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, a := range list {
		out = append(out, map[string]any{
			"kind":           a.Kind,
			"order_id":       a.OrderID,
			"amount":         a.AmountMicro.Display(),
			"tx_hash":        a.TxHash,
			"from_status":    a.FromStatus,
			"to_status":      a.ToStatus,
			"current_status": a.CurrentStatus,
			"detail":         a.Detail,
			"observed_at":    a.ObservedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orders.ErrTransitionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, suffix.ErrPoolExhausted), errors.Is(err, orders.ErrAmountInUse):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "system busy, retry later")
	case errors.Is(err, amount.ErrInvalidBase), errors.Is(err, amount.ErrPrecision),
		errors.Is(err, amount.ErrBasePrecision),
		errors.Is(err, amount.ErrNegative), errors.Is(err, orders.ErrTimeoutTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Log.Error("http_request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
