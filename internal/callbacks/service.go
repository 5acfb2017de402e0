// Package callbacks feeds payment.observed events from the chain watcher into
// the reconciler, the same way the webhook does for HTTP callers.
package callbacks

import (
	"context"
	"encoding/json"
	"log/slog"

	kafkax "github.com/ghya66/tg-dgn-bot/internal/kafka"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/payment"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// ObservedPayment is the payload of a PaymentObserved event.
type ObservedPayment struct {
	Callback  payment.Callback `json:"callback"`
	Signature string           `json:"signature"`
}

type Reconciler interface {
	Handle(ctx context.Context, cb payment.Callback, signature string) (payment.Result, error)
}

type Service struct {
	Reconciler Reconciler
	Redis      redis.UniversalClient
	// Name namespaces the dedup keys of this consumer group.
	Name string
	Log  *slog.Logger
}

// HandlePaymentObserved is installed as the consumer handler. It returns an
// error only when the message must be retried.
func (s *Service) HandlePaymentObserved(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.Log.Warn("callback_envelope_invalid", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != orders.EventPaymentObserved {
		return nil
	}
	log := s.Log.With("event_id", env.EventID)

	dkey := redisx.DedupKey(s.Name, env.EventID)
	if seen, err := redisx.Exists(ctx, s.Redis, dkey); err == nil && seen {
		log.Debug("callback_duplicate")
		return nil
	}

	p, err := kafkax.UnwrapPayload[ObservedPayment](env.Payload)
	if err != nil {
		log.Warn("callback_payload_invalid", "err", err)
		s.markDone(ctx, log, dkey)
		return nil
	}

	res, err := s.Reconciler.Handle(ctx, p.Callback, p.Signature)
	switch {
	case err == nil:
		log.Info("callback_settled", "order_id", res.OrderID, "status", res.Status, "replay", res.Replay)
	case payment.IsRejection(err):
		// the reconciler already logged and flagged it; retrying cannot help
		log.Info("callback_rejected", "order_id", p.Callback.OrderID, "err", err)
	default:
		return err
	}
	s.markDone(ctx, log, dkey)
	return nil
}

// markDone is set only after terminal handling so a crash mid-way redelivers.
func (s *Service) markDone(ctx context.Context, log *slog.Logger, key string) {
	if err := s.Redis.Set(ctx, key, "1", redisx.TTLDedup).Err(); err != nil {
		log.Warn("callback_dedup_failed", "err", err)
	}
}
