package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	res   CASResult
	err   error
	calls int
}

func (f *fakeWriter) UpdateStatus(_ context.Context, _ string, _, _ Status, _ Change) (CASResult, error) {
	f.calls++
	return f.res, f.err
}

type recordingListener struct {
	created     []string
	transitions []Status
	err         error
}

func (l *recordingListener) OrderCreated(_ context.Context, o Order) error {
	l.created = append(l.created, o.ID)
	return l.err
}

func (l *recordingListener) OrderTransitioned(_ context.Context, o Order, _ Status) error {
	l.transitions = append(l.transitions, o.Status)
	return l.err
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestMachine(w statusWriter, ls ...Listener) *Machine {
	m := NewMachine(w, discardLogger(), ls...)
	m.Now = func() time.Time { return t0 }
	return m
}

func TestMachine_AppliedTransitionNotifiesListeners(t *testing.T) {
	l := &recordingListener{}
	m := newTestMachine(&fakeWriter{res: CASResult{Applied: true, Status: StatusPaid, TxHash: "0xaaa"}}, l)

	res, err := m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusPending, StatusPaid, "0xaaa")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusPaid, res.Order.Status)
	assert.Equal(t, "0xaaa", res.Order.TxHash)
	require.NotNil(t, res.Order.PaidAt)
	assert.Equal(t, t0, *res.Order.PaidAt)
	assert.Equal(t, []Status{StatusPaid}, l.transitions)
}

func TestMachine_TargetAlreadyReachedIsNoop(t *testing.T) {
	l := &recordingListener{}
	m := newTestMachine(&fakeWriter{res: CASResult{Status: StatusPaid, TxHash: "0xaaa"}}, l)

	res, err := m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusPending, StatusPaid, "0xaaa")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, StatusPaid, res.Order.Status)
	assert.Empty(t, l.transitions, "a replay must not repeat side effects")
}

func TestMachine_OtherStateIsConflict(t *testing.T) {
	m := newTestMachine(&fakeWriter{res: CASResult{Status: StatusExpired}})

	res, err := m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusPending, StatusPaid, "0xaaa")
	require.ErrorIs(t, err, ErrTransitionConflict)
	var conflict *TransitionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, StatusExpired, conflict.Current)
	assert.Equal(t, StatusPaid, conflict.To)
	assert.Equal(t, StatusExpired, res.Order.Status)
}

func TestMachine_IllegalEdgeNeverReachesStore(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMachine(w)

	_, err := m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusExpired, StatusPaid, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusPaid, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, w.calls)
}

func TestMachine_StoreErrorPassesThrough(t *testing.T) {
	boom := errors.New("redis down")
	m := newTestMachine(&fakeWriter{err: boom})

	_, err := m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusPending, StatusCancelled, "")
	assert.ErrorIs(t, err, boom)
}

func TestMachine_ListenerFailureDoesNotUndoTransition(t *testing.T) {
	l := &recordingListener{err: errors.New("kafka unavailable")}
	m := newTestMachine(&fakeWriter{res: CASResult{Applied: true, Status: StatusExpired}}, l)

	res, err := m.Transition(context.Background(), pendingOrder("ord-1", 42), StatusPending, StatusExpired, "")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Len(t, l.transitions, 1)

	m.Created(context.Background(), pendingOrder("ord-2", 43))
	assert.Equal(t, []string{"ord-2"}, l.created)
}
