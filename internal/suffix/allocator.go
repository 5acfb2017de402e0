// Package suffix manages the bounded pool of amount suffixes (1..999). A slot
// is bound to at most one order at a time; the binding lives in Redis with a
// TTL so a crashed caller cannot leak a slot forever.
package suffix

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// ErrPoolExhausted means every slot is bound. Callers surface it as
// backpressure ("system busy, retry later").
var ErrPoolExhausted = errors.New("suffix pool exhausted")

// DefaultGrace is added to the order timeout to get the binding TTL.
const DefaultGrace = 5 * time.Minute

// Slot is the current binding of one suffix. OrderID is empty when free.
type Slot struct {
	ID          int
	OrderID     string
	AllocatedAt time.Time
	ExpiresAt   time.Time
}

func (s Slot) Free() bool { return s.OrderID == "" }

// Claims the first unbound slot walking from a start offset. The whole walk
// runs inside one script, so two callers can never claim the same slot.
var allocateScript = redis.NewScript(`
local size = tonumber(ARGV[1])
local start = tonumber(ARGV[2])
for i = 0, size - 1 do
  local n = ((start + i) % size) + 1
  local key = ARGV[3] .. n
  if redis.call('EXISTS', key) == 0 then
    redis.call('HSET', key, 'order_id', ARGV[4], 'allocated_at', ARGV[5], 'expires_at', ARGV[6])
    redis.call('EXPIRE', key, ARGV[7])
    return n
  end
end
return 0
`)

// Deletes the binding only while it still belongs to the caller's order.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'order_id') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

var inUseScript = redis.NewScript(`
local size = tonumber(ARGV[1])
local n = 0
for i = 1, size do
  n = n + redis.call('EXISTS', ARGV[2] .. i)
end
return n
`)

type Allocator struct {
	Redis redis.UniversalClient
	// Size of the pool, amount.MaxSuffix in production.
	Size  int
	Grace time.Duration
	// Pick returns the 0-based slot the walk starts from.
	Pick func(n int) int
	Now  func() time.Time
}

func New(rdb redis.UniversalClient, grace time.Duration) *Allocator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Allocator{
		Redis: rdb,
		Size:  amount.MaxSuffix,
		Grace: grace,
		Pick:  rand.IntN,
		Now:   time.Now,
	}
}

// Allocate binds a free suffix to orderID for timeout+grace.
func (a *Allocator) Allocate(ctx context.Context, orderID string, timeout time.Duration) (int, error) {
	if orderID == "" {
		return 0, errors.New("allocate suffix: empty order id")
	}
	now := a.Now()
	ttl := timeout + a.Grace
	n, err := allocateScript.Run(ctx, a.Redis, nil,
		a.Size,
		a.Pick(a.Size),
		redisx.KeySuffixSlotPrefix,
		orderID,
		now.Unix(),
		now.Add(ttl).Unix(),
		int64(ttl/time.Second),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("allocate suffix: %w", err)
	}
	if n == 0 {
		return 0, ErrPoolExhausted
	}
	return n, nil
}

// Release frees suffix if it is still bound to orderID. Releasing twice, or
// after the slot moved to another order, reports false and changes nothing.
func (a *Allocator) Release(ctx context.Context, suffix int, orderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, a.Redis, []string{redisx.SuffixSlotKey(suffix)}, orderID).Int()
	if err != nil {
		return false, fmt.Errorf("release suffix %d: %w", suffix, err)
	}
	return n == 1, nil
}

func (a *Allocator) Slot(ctx context.Context, n int) (Slot, error) {
	if n < 1 || n > a.Size {
		return Slot{}, fmt.Errorf("slot %d: %w", n, amount.ErrInvalidSuffix)
	}
	m, err := a.Redis.HGetAll(ctx, redisx.SuffixSlotKey(n)).Result()
	if err != nil {
		return Slot{}, fmt.Errorf("read slot %d: %w", n, err)
	}
	s := Slot{ID: n, OrderID: m["order_id"]}
	if v, err := strconv.ParseInt(m["allocated_at"], 10, 64); err == nil {
		s.AllocatedAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(m["expires_at"], 10, 64); err == nil {
		s.ExpiresAt = time.Unix(v, 0)
	}
	return s, nil
}

// InUse counts bound slots.
func (a *Allocator) InUse(ctx context.Context) (int, error) {
	n, err := inUseScript.Run(ctx, a.Redis, nil, a.Size, redisx.KeySuffixSlotPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("count bound suffixes: %w", err)
	}
	return n, nil
}
