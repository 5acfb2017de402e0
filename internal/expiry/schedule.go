package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// NewCron returns a scheduler whose jobs never overlap themselves and whose
// panics are logged instead of killing the process.
func NewCron(log *slog.Logger) *cron.Cron {
	l := cronLogger{log: log}
	return cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Schedule runs s.Sweep every interval, each run bounded by timeout.
func (s *Sweeper) Schedule(c *cron.Cron, interval, timeout time.Duration) (cron.EntryID, error) {
	id, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.runOnce(timeout) })
	if err != nil {
		return 0, fmt.Errorf("schedule sweep every %s: %w", interval, err)
	}
	return id, nil
}

func (s *Sweeper) runOnce(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	rep, err := s.Sweep(ctx)
	attrs := []any{
		"scanned", rep.Scanned, "expired", rep.Expired, "skipped", rep.Skipped,
		"dropped", rep.Dropped, "failed", rep.Failed, "took", time.Since(start),
	}
	switch {
	case errors.Is(err, ErrLeaseHeld):
		s.Log.Info("sweep_lease_busy")
	case err != nil:
		s.Log.Error("sweep_failed", append(attrs, "err", err)...)
	default:
		s.Log.Info("sweep_done", attrs...)
	}
}

type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron_"+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron_"+msg, append(kv, "err", err)...)
}
