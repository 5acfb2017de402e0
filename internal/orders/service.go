package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/google/uuid"
)

const (
	DefaultTimeout = 30 * time.Minute
	MaxTimeout     = 24 * time.Hour

	// A fresh suffix is tried this many times when the amount index refuses
	// the combined total.
	maxCreateAttempts = 3
)

var ErrTimeoutTooLong = errors.New("order timeout too long")

type SuffixPool interface {
	Allocate(ctx context.Context, orderID string, timeout time.Duration) (int, error)
	Release(ctx context.Context, suffix int, orderID string) (bool, error)
	InUse(ctx context.Context) (int, error)
}

// Mirror is the durable copy of orders that outlives the Redis TTL.
type Mirror interface {
	GetOrder(ctx context.Context, id string) (Order, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

type CreateInput struct {
	UserID   int64
	Type     string
	Base     amount.Micro
	Timeout  time.Duration
	Metadata Metadata
}

// Invoice tells the payer where to send exactly how much, and until when.
type Invoice struct {
	OrderID    string
	PayAddress string
	PayAmount  amount.Micro
	Suffix     int
	ExpiresAt  time.Time
}

type Stats struct {
	ByStatus       map[Status]int
	ActiveSuffixes int
}

type Service struct {
	Store      *Store
	Machine    *Machine
	Suffixes   SuffixPool
	Mirror     Mirror
	PayAddress string
	// Timeout applies to orders created without one of their own.
	Timeout time.Duration
	Log     *slog.Logger
	Now     func() time.Time
}

func NewService(store *Store, machine *Machine, suffixes SuffixPool, mirror Mirror, payAddress string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Store:      store,
		Machine:    machine,
		Suffixes:   suffixes,
		Mirror:     mirror,
		PayAddress: payAddress,
		Timeout:    DefaultTimeout,
		Log:        log,
		Now:        time.Now,
	}
}

// Create reserves a suffix, prices the order and stores it as PENDING.
func (s *Service) Create(ctx context.Context, in CreateInput) (Invoice, error) {
	base, err := amount.NewBase(in.Base)
	if err != nil {
		return Invoice{}, err
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = s.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		return Invoice{}, fmt.Errorf("%w: %s > %s", ErrTimeoutTooLong, timeout, MaxTimeout)
	}
	if in.Type == "" {
		in.Type = TypeDeposit
	}

	id := uuid.NewString()
	var refused []int
	defer func() {
		// held during the retries so the walk cannot hand them out again
		for _, n := range refused {
			if _, err := s.Suffixes.Release(ctx, n, id); err != nil {
				s.Log.Warn("suffix_release_failed", "order_id", id, "suffix", n, "err", err)
			}
		}
	}()

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		n, err := s.Suffixes.Allocate(ctx, id, timeout)
		if err != nil {
			return Invoice{}, fmt.Errorf("create order: %w", err)
		}
		total, err := amount.Generate(base, n)
		if err != nil {
			refused = append(refused, n)
			return Invoice{}, err
		}

		now := s.Now()
		o := Order{
			ID:         id,
			UserID:     in.UserID,
			Type:       in.Type,
			BaseMicro:  base,
			Suffix:     n,
			TotalMicro: total,
			Status:     StatusPending,
			Metadata:   in.Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(timeout),
		}
		err = s.Store.Create(ctx, o)
		if errors.Is(err, ErrAmountInUse) {
			s.Log.Warn("order_amount_in_use", "order_id", id, "suffix", n, "total", total.String())
			refused = append(refused, n)
			continue
		}
		if err != nil {
			// outcome unknown; the binding TTL reclaims the suffix if the
			// order was never written
			return Invoice{}, err
		}

		s.Log.Info("order_created",
			"order_id", o.ID, "user_id", o.UserID, "order_type", o.Type,
			"suffix", o.Suffix, "total", o.TotalMicro.String(), "expires_at", o.ExpiresAt)
		s.Machine.Created(ctx, o)
		return Invoice{
			OrderID:    o.ID,
			PayAddress: s.PayAddress,
			PayAmount:  o.TotalMicro,
			Suffix:     o.Suffix,
			ExpiresAt:  o.ExpiresAt,
		}, nil
	}
	return Invoice{}, fmt.Errorf("create order after %d attempts: %w", maxCreateAttempts, ErrAmountInUse)
}

// Get reads the live record, falling back to the mirror once Redis has
// dropped it.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	o, err := s.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) && s.Mirror != nil {
		return s.Mirror.GetOrder(ctx, id)
	}
	return o, err
}

// Cancel competes with payment and expiry through the same CAS.
func (s *Service) Cancel(ctx context.Context, id string) (Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	res, err := s.Machine.Transition(ctx, o, StatusPending, StatusCancelled, "")
	if err != nil {
		return res.Order, err
	}
	if res.Applied {
		s.release(ctx, res.Order)
	}
	return res.Order, nil
}

// MarkDelivered records downstream fulfilment of a PAID order.
func (s *Service) MarkDelivered(ctx context.Context, id string) (Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	res, err := s.Machine.Transition(ctx, o, StatusPaid, StatusDelivered, "")
	return res.Order, err
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[Status]int{}}
	if s.Mirror != nil {
		counts, err := s.Mirror.CountByStatus(ctx)
		if err != nil {
			return Stats{}, err
		}
		st.ByStatus = counts
	}
	n, err := s.Suffixes.InUse(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.ActiveSuffixes = n
	return st, nil
}

func (s *Service) release(ctx context.Context, o Order) {
	ok, err := s.Suffixes.Release(ctx, o.Suffix, o.ID)
	if err != nil {
		s.Log.Warn("suffix_release_failed", "order_id", o.ID, "suffix", o.Suffix, "err", err)
		return
	}
	s.Log.Info("suffix_released", "order_id", o.ID, "suffix", o.Suffix, "released", ok)
}
