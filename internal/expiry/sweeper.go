// Package expiry moves PENDING orders whose payment window closed to EXPIRED
// and hands their suffixes back to the pool.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/orders"
)

type PendingIndex interface {
	ExpiredPending(ctx context.Context, before time.Time, limit int64) ([]string, error)
	Get(ctx context.Context, id string) (orders.Order, error)
	DropPending(ctx context.Context, id string) error
}

type Transitioner interface {
	Transition(ctx context.Context, o orders.Order, from, to orders.Status, txHash string) (orders.Result, error)
}

type SuffixReleaser interface {
	Release(ctx context.Context, suffix int, orderID string) (bool, error)
}

type Leaser interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

// Report summarises one sweep.
type Report struct {
	Scanned int
	Expired int
	// Skipped orders left PENDING before the sweep reached them, usually
	// because a payment won the race.
	Skipped int
	// Dropped index entries whose order record had already aged out.
	Dropped int
	// Early orders still inside their window, left for a later sweep.
	Early  int
	Failed int
}

type Sweeper struct {
	Index    PendingIndex
	Machine  Transitioner
	Suffixes SuffixReleaser
	Lease    Leaser
	Batch    int64
	Log      *slog.Logger
	Now      func() time.Time
}

func NewSweeper(index PendingIndex, machine Transitioner, suffixes SuffixReleaser, lease Leaser, batch int, log *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		Index:    index,
		Machine:  machine,
		Suffixes: suffixes,
		Lease:    lease,
		Batch:    int64(batch),
		Log:      log,
		Now:      time.Now,
	}
}

// Sweep expires every order whose window closed before now. It reads the
// pending index in batches until it runs dry or a batch had failures.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if s.Lease != nil {
		release, err := s.Lease.Acquire(ctx)
		if err != nil {
			return rep, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.Log.Warn("sweep_lease_release_failed", "err", err)
			}
		}()
	}

	now := s.Now()
	for {
		ids, err := s.Index.ExpiredPending(ctx, now, s.Batch)
		if err != nil {
			return rep, err
		}
		failed, early := rep.Failed, rep.Early
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.Scanned++
			s.expire(ctx, id, now, &rep)
		}
		// entries that stay in the index would come back in the next page
		if int64(len(ids)) < s.Batch || rep.Failed > failed || rep.Early > early {
			break
		}
	}
	if rep.Failed > 0 {
		return rep, fmt.Errorf("sweep: %d orders failed", rep.Failed)
	}
	return rep, nil
}

func (s *Sweeper) expire(ctx context.Context, id string, now time.Time, rep *Report) {
	log := s.Log.With("order_id", id)
	o, err := s.Index.Get(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		if err := s.Index.DropPending(ctx, id); err != nil {
			rep.Failed++
			log.Warn("sweep_drop_failed", "err", err)
			return
		}
		rep.Dropped++
		return
	}
	if err != nil {
		rep.Failed++
		log.Warn("sweep_get_failed", "err", err)
		return
	}
	if !o.Expired(now) {
		rep.Early++
		log.Info("sweep_window_open", "expires_at", o.ExpiresAt)
		return
	}

	res, err := s.Machine.Transition(ctx, o, orders.StatusPending, orders.StatusExpired, "")
	switch {
	case errors.Is(err, orders.ErrTransitionConflict) || (err == nil && !res.Applied):
		rep.Skipped++
		log.Info("sweep_skipped", "status", res.Order.Status)
		// a stray index entry must not be rescanned forever
		if err := s.Index.DropPending(ctx, id); err != nil {
			log.Warn("sweep_drop_failed", "err", err)
		}
		return
	case err != nil:
		rep.Failed++
		log.Warn("sweep_expire_failed", "err", err)
		return
	}
	rep.Expired++

	ok, err := s.Suffixes.Release(ctx, o.Suffix, o.ID)
	if err != nil {
		log.Warn("suffix_release_failed", "suffix", o.Suffix, "err", err)
		return
	}
	log.Info("order_expired", "suffix", o.Suffix, "released", ok, "expires_at", o.ExpiresAt)
}
