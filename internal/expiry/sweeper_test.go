package expiry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/ghya66/tg-dgn-bot/internal/suffix"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type env struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	store   *orders.Store
	machine *orders.Machine
	alloc   *suffix.Allocator
	svc     *orders.Service
	sweeper *Sweeper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := &env{mr: mr, rdb: rdb}
	e.store = orders.NewStore(rdb, 5*time.Minute)
	e.machine = orders.NewMachine(e.store, log)
	e.alloc = suffix.New(rdb, 5*time.Minute)
	e.alloc.Pick = func(int) int { return 41 }
	e.svc = orders.NewService(e.store, e.machine, e.alloc, nil, "", log)
	e.svc.Now = func() time.Time { return t0 }
	e.sweeper = NewSweeper(e.store, e.machine, e.alloc, NewLease(rdb, redisx.KeySweepLock, time.Minute), 500, log)
	e.sweeper.Now = func() time.Time { return t0.Add(31 * time.Minute) }
	return e
}

func (e *env) create(t *testing.T, timeout time.Duration) orders.Invoice {
	t.Helper()
	inv, err := e.svc.Create(context.Background(), orders.CreateInput{UserID: 1, Base: 10 * amount.Unit, Timeout: timeout})
	require.NoError(t, err)
	return inv
}

func (e *env) status(t *testing.T, id string) orders.Status {
	t.Helper()
	o, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestSweep_ExpiresAndFreesSuffix(t *testing.T) {
	e := newEnv(t)
	inv := e.create(t, 30*time.Minute)
	require.Equal(t, 42, inv.Suffix)

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Expired: 1}, rep)
	assert.Equal(t, orders.StatusExpired, e.status(t, inv.OrderID))

	slot, err := e.alloc.Slot(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, slot.Free())

	// the next order may take suffix 42 again
	again := e.create(t, 30*time.Minute)
	assert.Equal(t, 42, again.Suffix)
}

func TestSweep_LeavesOpenWindowsAlone(t *testing.T) {
	e := newEnv(t)
	inv := e.create(t, time.Hour)

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Equal(t, orders.StatusPending, e.status(t, inv.OrderID))
}

func TestSweep_WindowOpenUntilTheMillisecond(t *testing.T) {
	e := newEnv(t)
	e.svc.Now = func() time.Time { return t0.Add(700 * time.Millisecond) }
	inv := e.create(t, 30*time.Minute)

	e.sweeper.Now = func() time.Time { return t0.Add(30*time.Minute + 200*time.Millisecond) }
	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Equal(t, orders.StatusPending, e.status(t, inv.OrderID))

	e.sweeper.Now = func() time.Time { return t0.Add(30*time.Minute + 701*time.Millisecond) }
	rep, err = e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, orders.StatusExpired, e.status(t, inv.OrderID))
}

// eagerIndex reports every pending order as expired, whatever its score.
type eagerIndex struct{ *orders.Store }

func (x eagerIndex) ExpiredPending(ctx context.Context, _ time.Time, limit int64) ([]string, error) {
	return x.Store.ExpiredPending(ctx, t0.Add(24*time.Hour), limit)
}

func TestSweep_RechecksWindowBeforeExpiring(t *testing.T) {
	e := newEnv(t)
	e.sweeper.Batch = 1
	inv := e.create(t, time.Hour)
	e.sweeper.Index = eagerIndex{Store: e.store}

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Early: 1}, rep)
	assert.Equal(t, orders.StatusPending, e.status(t, inv.OrderID))

	// still indexed for the sweep that comes after the window closes
	ids, err := e.store.ExpiredPending(context.Background(), t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{inv.OrderID}, ids)
}

// payingIndex lets a payment land between the sweeper's read and its CAS.
type payingIndex struct {
	*orders.Store
	pay func(orders.Order)
}

func (p payingIndex) Get(ctx context.Context, id string) (orders.Order, error) {
	o, err := p.Store.Get(ctx, id)
	if err == nil {
		p.pay(o)
	}
	return o, err
}

func TestSweep_LosesRaceToPayment(t *testing.T) {
	e := newEnv(t)
	inv := e.create(t, 30*time.Minute)

	e.sweeper.Index = payingIndex{Store: e.store, pay: func(o orders.Order) {
		_, err := e.machine.Transition(context.Background(), o, orders.StatusPending, orders.StatusPaid, "0xfeed")
		require.NoError(t, err)
	}}

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Expired)
	assert.Equal(t, orders.StatusPaid, e.status(t, inv.OrderID))
}

type stuckIndex struct{ payingIndex }

func (stuckIndex) DropPending(context.Context, string) error { return errors.New("redis down") }

func TestSweep_LogsFailedDropOfSkippedEntry(t *testing.T) {
	e := newEnv(t)
	var logs bytes.Buffer
	e.sweeper.Log = slog.New(slog.NewJSONHandler(&logs, nil))
	e.create(t, 30*time.Minute)

	e.sweeper.Index = stuckIndex{payingIndex{Store: e.store, pay: func(o orders.Order) {
		_, err := e.machine.Transition(context.Background(), o, orders.StatusPending, orders.StatusCancelled, "")
		require.NoError(t, err)
	}}}

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Contains(t, logs.String(), `"msg":"sweep_drop_failed"`)
	assert.Contains(t, logs.String(), "redis down")
}

func TestSweep_DropsOrphanedIndexEntries(t *testing.T) {
	e := newEnv(t)
	e.create(t, 30*time.Minute)
	// record and amount index age out, the pending zset entry does not
	e.mr.FastForward(36 * time.Minute)

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)

	ids, err := e.store.ExpiredPending(context.Background(), t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweep_PagesThroughBatches(t *testing.T) {
	e := newEnv(t)
	e.sweeper.Batch = 2
	next := 0
	e.alloc.Pick = func(int) int { next++; return next }
	for i := 0; i < 5; i++ {
		e.create(t, 30*time.Minute)
	}

	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Expired)

	n, err := e.alloc.InUse(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_OneReplicaAtATime(t *testing.T) {
	e := newEnv(t)
	e.create(t, 30*time.Minute)

	release, err := NewLease(e.rdb, redisx.KeySweepLock, time.Minute).Acquire(context.Background())
	require.NoError(t, err)

	_, err = e.sweeper.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, release(context.Background()))
	rep, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
}

func TestSchedule_RegistersJob(t *testing.T) {
	e := newEnv(t)
	c := NewCron(slog.New(slog.NewTextHandler(io.Discard, nil)))

	id, err := e.sweeper.Schedule(c, 5*time.Minute, time.Minute)
	require.NoError(t, err)
	entry := c.Entry(id)
	assert.True(t, entry.Valid())
	assert.Equal(t, t0.Add(5*time.Minute), entry.Schedule.Next(t0))
}
