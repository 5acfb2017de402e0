package orders

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/ghya66/tg-dgn-bot/internal/suffix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payAddress = "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"

type fakeMirror struct {
	orders map[string]Order
	counts map[Status]int
}

func (f *fakeMirror) GetOrder(_ context.Context, id string) (Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (f *fakeMirror) CountByStatus(context.Context) (map[Status]int, error) { return f.counts, nil }

// picks returns a Pick func yielding starts in order, repeating the last one.
func picks(starts ...int) func(int) int {
	i := 0
	return func(int) int {
		n := starts[min(i, len(starts)-1)]
		i++
		return n
	}
}

func newTestService(t *testing.T, mirror Mirror) (*Service, *suffix.Allocator, *miniredis.Miniredis) {
	t.Helper()
	rdb, mr := newTestRedis(t)
	store := NewStore(rdb, 5*time.Minute)
	alloc := suffix.New(rdb, 5*time.Minute)
	alloc.Pick = picks(41)
	svc := NewService(store, newTestMachine(store), alloc, mirror, payAddress, discardLogger())
	svc.Now = func() time.Time { return t0 }
	return svc, alloc, mr
}

func TestService_CreatePricesWithSuffix(t *testing.T) {
	svc, alloc, _ := newTestService(t, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, CreateInput{UserID: 7001, Base: 10 * amount.Unit, Timeout: 30 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 42, inv.Suffix)
	assert.Equal(t, amount.Micro(10_042_000), inv.PayAmount)
	assert.Equal(t, "10.042", inv.PayAmount.Display())
	assert.Equal(t, payAddress, inv.PayAddress)
	assert.Equal(t, t0.Add(30*time.Minute), inv.ExpiresAt)

	o, err := svc.Store.FindByAmount(ctx, inv.PayAmount)
	require.NoError(t, err)
	assert.Equal(t, inv.OrderID, o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, TypeDeposit, o.Type)

	slot, err := alloc.Slot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, inv.OrderID, slot.OrderID)
}

func TestService_CreateDefaultsAndLimits(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, CreateInput{UserID: 1, Base: amount.Unit})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(DefaultTimeout), inv.ExpiresAt)

	_, err = svc.Create(ctx, CreateInput{UserID: 1, Base: amount.Unit, Timeout: 25 * time.Hour})
	assert.ErrorIs(t, err, ErrTimeoutTooLong)
	_, err = svc.Create(ctx, CreateInput{UserID: 1, Base: 0})
	assert.ErrorIs(t, err, amount.ErrInvalidBase)
}

func TestService_CreateUsesConfiguredTimeout(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	svc.Timeout = 15 * time.Minute
	ctx := context.Background()

	inv, err := svc.Create(ctx, CreateInput{UserID: 1, Base: amount.Unit})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), inv.ExpiresAt)

	inv, err = svc.Create(ctx, CreateInput{UserID: 1, Base: 2 * amount.Unit, Timeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), inv.ExpiresAt)
}

func TestService_CreateRejectsBaseFinerThanSuffix(t *testing.T) {
	svc, alloc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{UserID: 1, Base: 10_000_500})
	assert.ErrorIs(t, err, amount.ErrBasePrecision)

	n, err := alloc.InUse(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_CreateSurfacesPoolExhaustion(t *testing.T) {
	svc, alloc, _ := newTestService(t, nil)
	alloc.Size = 1
	alloc.Pick = picks(0)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{UserID: 1, Base: amount.Unit})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{UserID: 2, Base: amount.Unit})
	assert.ErrorIs(t, err, suffix.ErrPoolExhausted)
}

func TestService_CreateRetriesWhenTotalIsTaken(t *testing.T) {
	svc, alloc, _ := newTestService(t, nil)
	ctx := context.Background()

	// 10.041 + suffix 1 occupies 10.042
	alloc.Pick = picks(0)
	first, err := svc.Create(ctx, CreateInput{UserID: 1, Base: 10_041_000})
	require.NoError(t, err)
	require.Equal(t, amount.Micro(10_042_000), first.PayAmount)

	// 10.000 + suffix 42 collides, suffix 43 does not
	alloc.Pick = picks(41, 42)
	second, err := svc.Create(ctx, CreateInput{UserID: 2, Base: 10 * amount.Unit})
	require.NoError(t, err)
	assert.Equal(t, 43, second.Suffix)
	assert.Equal(t, amount.Micro(10_043_000), second.PayAmount)

	slot, err := alloc.Slot(ctx, 42)
	require.NoError(t, err)
	assert.True(t, slot.Free(), "refused suffix must go back to the pool")
}

func TestService_CancelReleasesSuffix(t *testing.T) {
	svc, alloc, _ := newTestService(t, nil)
	ctx := context.Background()
	inv, err := svc.Create(ctx, CreateInput{UserID: 1, Base: 10 * amount.Unit})
	require.NoError(t, err)

	o, err := svc.Cancel(ctx, inv.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	slot, err := alloc.Slot(ctx, inv.Suffix)
	require.NoError(t, err)
	assert.True(t, slot.Free())

	// repeating the cancel is a no-op
	o, err = svc.Cancel(ctx, inv.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_CancelLosesToPayment(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	inv, err := svc.Create(ctx, CreateInput{UserID: 1, Base: 10 * amount.Unit})
	require.NoError(t, err)
	o, err := svc.Get(ctx, inv.OrderID)
	require.NoError(t, err)
	_, err = svc.Machine.Transition(ctx, o, StatusPending, StatusPaid, "0xaaa")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, inv.OrderID)
	assert.ErrorIs(t, err, ErrTransitionConflict)

	delivered, err := svc.MarkDelivered(ctx, inv.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, delivered.Status)
}

func TestService_GetFallsBackToMirror(t *testing.T) {
	archived := pendingOrder("ord-old", 5)
	archived.Status = StatusExpired
	svc, _, _ := newTestService(t, &fakeMirror{orders: map[string]Order{"ord-old": archived}})

	o, err := svc.Get(context.Background(), "ord-old")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, o.Status)

	_, err = svc.Get(context.Background(), "never")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Stats(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeMirror{counts: map[Status]int{StatusPaid: 4, StatusPending: 1}})
	_, err := svc.Create(context.Background(), CreateInput{UserID: 1, Base: amount.Unit})
	require.NoError(t, err)

	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.ByStatus[StatusPaid])
	assert.Equal(t, 1, st.ActiveSuffixes)
}
