package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld means another replica is sweeping right now.
var ErrLeaseHeld = errors.New("sweep lease held elsewhere")

// Lease keeps two sweeper replicas from walking the pending index at once.
// It is never taken by the reconciler; payments rely on the status CAS alone.
type Lease struct {
	rs   *redsync.Redsync
	name string
	ttl  time.Duration
}

func NewLease(rdb redis.UniversalClient, name string, ttl time.Duration) *Lease {
	return &Lease{rs: redsync.New(goredis.NewPool(rdb)), name: name, ttl: ttl}
}

// Acquire tries once. The returned func releases the lease.
func (l *Lease) Acquire(ctx context.Context) (func(context.Context) error, error) {
	m := l.rs.NewMutex(l.name, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("acquire %s: %w", l.name, err)
	}
	return func(ctx context.Context) error {
		if _, err := m.UnlockContext(ctx); err != nil {
			return fmt.Errorf("release %s: %w", l.name, err)
		}
		return nil
	}, nil
}
