package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrAmountInUse means another PENDING order already owns the total
	// amount; accepting the write would make payments ambiguous.
	ErrAmountInUse = errors.New("total amount held by another pending order")
)

// DefaultTTLBuffer keeps records readable for a while after the payment
// window closes, so late callbacks still find their order.
const DefaultTTLBuffer = 5 * time.Minute

// Writes the order hash, the amount index and the pending index in one step.
// Keys are built from ARGV for the holder lookup, so this needs a single
// Redis node (or sentinel), not a cluster.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local holder = redis.call('GET', KEYS[2])
if holder and holder ~= ARGV[1] then
  if redis.call('HGET', ARGV[4] .. holder, 'status') == ARGV[5] then
    return 0
  end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// Compare-and-swap on the status field. Returns {applied, status, tx_hash};
// applied is -1 when the order does not exist.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {-1, '', ''}
end
local tx = redis.call('HGET', KEYS[1], 'tx_hash') or ''
if cur ~= ARGV[1] then
  return {0, cur, tx}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[4])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'tx_hash', ARGV[5])
  tx = ARGV[5]
end
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'paid_at', ARGV[6])
end
redis.call('ZREM', KEYS[2], ARGV[3])
return {1, ARGV[2], tx}
`)

// Store keeps orders in Redis, the source of truth for order status.
type Store struct {
	Redis  redis.UniversalClient
	Buffer time.Duration
}

func NewStore(rdb redis.UniversalClient, buffer time.Duration) *Store {
	if buffer <= 0 {
		buffer = DefaultTTLBuffer
	}
	return &Store{Redis: rdb, Buffer: buffer}
}

// TTL is the storage lifetime of o: its payment window plus the buffer.
func (s *Store) TTL(o Order) time.Duration {
	return o.ExpiresAt.Sub(o.CreatedAt) + s.Buffer
}

// Create stores o under its id and indexes it by total amount.
func (s *Store) Create(ctx context.Context, o Order) error {
	ttl := s.TTL(o)
	if ttl < time.Second {
		return fmt.Errorf("create order %s: non-positive ttl", o.ID)
	}
	fields, err := encodeOrder(o)
	if err != nil {
		return err
	}
	args := make([]any, 0, 5+len(fields))
	args = append(args, o.ID, int64(ttl/time.Second), o.ExpiresAt.UnixMilli(), redisx.OrderKey(""), string(StatusPending))
	args = append(args, fields...)

	keys := []string{redisx.OrderKey(o.ID), redisx.AmountKey(int64(o.TotalMicro)), redisx.KeyPendingOrders}
	n, err := createScript.Run(ctx, s.Redis, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("create order %s: %w", o.ID, ErrDuplicateOrder)
	case 0:
		return fmt.Errorf("create order %s (amount %s): %w", o.ID, o.TotalMicro, ErrAmountInUse)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Order, error) {
	m, err := s.Redis.HGetAll(ctx, redisx.OrderKey(id)).Result()
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	if len(m) == 0 {
		return Order{}, ErrNotFound
	}
	return decodeOrder(m)
}

// FindByAmount resolves a paid amount to the order that owns it.
func (s *Store) FindByAmount(ctx context.Context, micro amount.Micro) (Order, error) {
	id, err := s.Redis.Get(ctx, redisx.AmountKey(int64(micro))).Result()
	if errors.Is(err, redis.Nil) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("find order by amount %s: %w", micro, err)
	}
	return s.Get(ctx, id)
}

// UpdateStatus moves order id from expected to next only if the stored status
// still equals expected. A lost race is reported as Applied=false, not as an
// error.
func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next Status, c Change) (CASResult, error) {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	paidAt := ""
	if next == StatusPaid {
		paidAt = formatTime(at)
	}
	keys := []string{redisx.OrderKey(id), redisx.KeyPendingOrders}
	vals, err := casScript.Run(ctx, s.Redis, keys,
		string(expected), string(next), id, formatTime(at), c.TxHash, paidAt,
	).Slice()
	if err != nil {
		return CASResult{}, fmt.Errorf("update order %s %s->%s: %w", id, expected, next, err)
	}
	if len(vals) != 3 {
		return CASResult{}, fmt.Errorf("update order %s: unexpected reply %v", id, vals)
	}
	code, _ := vals[0].(int64)
	if code == -1 {
		return CASResult{}, ErrNotFound
	}
	cur, _ := vals[1].(string)
	tx, _ := vals[2].(string)
	return CASResult{Applied: code == 1, Status: Status(cur), TxHash: tx}, nil
}

// ExpiredPending lists ids of pending orders whose window closed strictly
// before the given time, oldest first.
func (s *Store) ExpiredPending(ctx context.Context, before time.Time, limit int64) ([]string, error) {
	ids, err := s.Redis.ZRangeByScore(ctx, redisx.KeyPendingOrders, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired pending orders: %w", err)
	}
	return ids, nil
}

// DropPending removes id from the pending index. Used for members whose
// order record already aged out.
func (s *Store) DropPending(ctx context.Context, id string) error {
	return s.Redis.ZRem(ctx, redisx.KeyPendingOrders, id).Err()
}

func encodeOrder(o Order) ([]any, error) {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata of order %s: %w", o.ID, err)
	}
	paidAt := ""
	if o.PaidAt != nil {
		paidAt = formatTime(*o.PaidAt)
	}
	return []any{
		"order_id", o.ID,
		"user_id", o.UserID,
		"order_type", o.Type,
		"base_micro", int64(o.BaseMicro),
		"suffix", o.Suffix,
		"total_micro", int64(o.TotalMicro),
		"status", string(o.Status),
		"tx_hash", o.TxHash,
		"metadata", string(meta),
		"created_at", formatTime(o.CreatedAt),
		"updated_at", formatTime(o.UpdatedAt),
		"expires_at", formatTime(o.ExpiresAt),
		"paid_at", paidAt,
	}, nil
}

func decodeOrder(m map[string]string) (Order, error) {
	var (
		o   Order
		err error
	)
	o.ID = m["order_id"]
	o.Type = m["order_type"]
	o.Status = Status(m["status"])
	o.TxHash = m["tx_hash"]

	ints := []struct {
		field string
		dst   *int64
	}{
		{"user_id", &o.UserID},
		{"base_micro", (*int64)(&o.BaseMicro)},
		{"total_micro", (*int64)(&o.TotalMicro)},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.ParseInt(m[f.field], 10, 64); err != nil {
			return Order{}, fmt.Errorf("decode order %s field %s: %w", o.ID, f.field, err)
		}
	}
	if o.Suffix, err = strconv.Atoi(m["suffix"]); err != nil {
		return Order{}, fmt.Errorf("decode order %s field suffix: %w", o.ID, err)
	}
	if v := m["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &o.Metadata); err != nil {
			return Order{}, fmt.Errorf("decode order %s metadata: %w", o.ID, err)
		}
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"created_at", &o.CreatedAt},
		{"updated_at", &o.UpdatedAt},
		{"expires_at", &o.ExpiresAt},
	}
	for _, f := range times {
		if *f.dst, err = parseTime(m[f.field]); err != nil {
			return Order{}, fmt.Errorf("decode order %s field %s: %w", o.ID, f.field, err)
		}
	}
	if v := m["paid_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return Order{}, fmt.Errorf("decode order %s field paid_at: %w", o.ID, err)
		}
		o.PaidAt = &t
	}
	return o, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
