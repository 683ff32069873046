package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/redis"
)

// Locker hands out a named exclusive lock. *redis.Leaser satisfies it.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// SweepReport counts what one sweep run changed.
type SweepReport struct {
	Renewed  int
	Expired  int
	Reverted int
	Skipped  bool
}

// Sweeper runs renewals, expiries and abandoned-switch recovery. Every step
// is idempotent; the lock only avoids duplicate work across replicas.
type Sweeper struct {
	engine  *Engine
	locker  Locker
	ttl     time.Duration
	metrics *Metrics
	log     *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

func WithLocker(l Locker, ttl time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.locker = l
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithSweepMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSweeper(engine *Engine, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{engine: engine, ttl: 10 * time.Minute, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("sweep"))
	return s
}

const sweepLockName = "subscription-sweep"

// Run performs one sweep: renew first so due rows are extended rather than
// expired, then expire, then revert abandoned switches.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, sweepLockName, s.ttl)
		if err != nil {
			if errors.Is(err, redis.ErrLeaseHeld) {
				s.log.DebugContext(ctx, "sweep skipped: another replica holds the lease")
			} else {
				s.log.WarnContext(ctx, "sweep skipped: lease unavailable", logger.Error(err))
			}
			report.Skipped = true
			s.observe("skipped", report)
			return report, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.WarnContext(ctx, "sweep lease release failed", logger.Error(err))
			}
		}()
	}

	start := time.Now()
	var errs []error
	var err error

	report.Renewed, err = s.engine.RenewDue(ctx)
	errs = append(errs, err)
	report.Expired, err = s.engine.ExpireDue(ctx)
	errs = append(errs, err)
	report.Reverted, err = s.engine.RevertAbandonedSwitches(ctx)
	errs = append(errs, err)

	err = errors.Join(errs...)
	result := "ok"
	if err != nil {
		result = "error"
		s.log.ErrorContext(ctx, "sweep finished with errors", logger.Error(err))
	}
	s.log.InfoContext(ctx, "sweep finished",
		slog.Int("renewed", report.Renewed),
		slog.Int("expired", report.Expired),
		slog.Int("reverted", report.Reverted),
		logger.Duration(time.Since(start)))
	s.observe(result, report)
	return report, err
}

// Schedule registers Run on c with the given cron spec.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		_, _ = s.Run(ctx)
	})
}

func (s *Sweeper) observe(result string, r SweepReport) {
	if s.metrics != nil {
		s.metrics.observeSweep(result, r.Renewed, r.Expired, r.Reverted)
	}
}
