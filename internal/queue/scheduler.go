package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/syncstorage/sync-engine/internal/apikey/store"
)

// Scheduler runs the spec's five recurring ticks (minute/hour/day/month
// quota resets, daily key-expiry sweep) plus the offline queue's own
// maintenance sweep, each on its own ticker goroutine so one tick's failure
// never blocks another (spec §4.F: "all ticks tolerate individual failures
// by logging without affecting other ticks"). Grounded on the teacher's
// gcWorker: a ticker loop with an immediate first run, graceful shutdown via
// context cancellation.
type Scheduler struct {
	keys    store.Store
	queue   *Manager
	logger  *slog.Logger
	metrics *Metrics

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewScheduler creates a Scheduler. queue may be nil to run only the quota
// scheduler without an offline-queue sweep (e.g. a lite deployment with no
// real-time fan-out).
func NewScheduler(keys store.Store, queue *Manager, logger *slog.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		keys:    keys,
		queue:   queue,
		logger:  logger.With("component", "scheduler"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run starts every tick goroutine and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runFixedInterval(ctx, "minute_quota_reset", time.Minute, s.resetMinuteQuota)
	s.runFixedInterval(ctx, "hour_quota_reset", time.Hour, s.resetHourQuota)
	s.runDailyAt(ctx, "day_quota_reset", 0, 0, s.resetDayQuota)
	s.runMonthlyAtMidnightDay1(ctx, "month_quota_reset", s.resetMonthQuota)
	s.runDailyAt(ctx, "key_expiry_sweep", 2, 0, s.deactivateExpiredKeys)
	if s.queue != nil {
		s.runFixedInterval(ctx, "queue_sweep", 5*time.Minute, s.sweepQueue)
	}
	<-ctx.Done()
	s.logger.Info("scheduler stopping")
}

// runFixedInterval spawns a goroutine ticking every interval, starting
// immediately, until ctx is cancelled.
func (s *Scheduler) runFixedInterval(ctx context.Context, kind string, interval time.Duration, tick func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.runTick(ctx, kind, tick)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runTick(ctx, kind, tick)
			}
		}
	}()
}

// runDailyAt spawns a goroutine firing once per day at hour:minute local
// time, re-arming a fresh timer after each fire (and after startup) rather
// than using a ticker, since the interval between local midnights is not
// always exactly 24h across DST transitions.
func (s *Scheduler) runDailyAt(ctx context.Context, kind string, hour, minute int, tick func(context.Context)) {
	go func() {
		for {
			wait := durationUntilNextDailyAt(s.now(), hour, minute)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runTick(ctx, kind, tick)
			}
		}
	}()
}

// runMonthlyAtMidnightDay1 spawns a goroutine firing at 00:00 on the first
// day of each local-time month.
func (s *Scheduler) runMonthlyAtMidnightDay1(ctx context.Context, kind string, tick func(context.Context)) {
	go func() {
		for {
			wait := durationUntilNextMonthStart(s.now())
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runTick(ctx, kind, tick)
			}
		}
	}()
}

func (s *Scheduler) runTick(ctx context.Context, kind string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "kind", kind, "panic", r)
			if s.metrics != nil {
				s.metrics.SchedulerTicksTotal.WithLabelValues(kind, "panic").Inc()
			}
		}
	}()
	tick(ctx)
}

func (s *Scheduler) resetMinuteQuota(ctx context.Context) { s.resetQuota(ctx, "minute_quota_reset", store.PeriodMinute) }
func (s *Scheduler) resetHourQuota(ctx context.Context)   { s.resetQuota(ctx, "hour_quota_reset", store.PeriodHour) }
func (s *Scheduler) resetDayQuota(ctx context.Context)    { s.resetQuota(ctx, "day_quota_reset", store.PeriodDay) }
func (s *Scheduler) resetMonthQuota(ctx context.Context)  { s.resetQuota(ctx, "month_quota_reset", store.PeriodMonth) }

func (s *Scheduler) resetQuota(ctx context.Context, kind string, period store.QuotaPeriod) {
	if err := s.keys.ResetQuota(ctx, period); err != nil {
		s.logger.Error("quota reset failed", "period", period, "error", err)
		if s.metrics != nil {
			s.metrics.SchedulerTicksTotal.WithLabelValues(kind, "error").Inc()
		}
		return
	}
	s.logger.Info("quota reset", "period", period)
	if s.metrics != nil {
		s.metrics.SchedulerTicksTotal.WithLabelValues(kind, "ok").Inc()
	}
}

func (s *Scheduler) deactivateExpiredKeys(ctx context.Context) {
	count, err := s.keys.DeactivateExpiredKeys(ctx, s.now())
	if err != nil {
		s.logger.Error("key expiry sweep failed", "error", err)
		if s.metrics != nil {
			s.metrics.SchedulerTicksTotal.WithLabelValues("key_expiry_sweep", "error").Inc()
		}
		return
	}
	s.logger.Info("key expiry sweep complete", "deactivated", count)
	if s.metrics != nil {
		s.metrics.SchedulerTicksTotal.WithLabelValues("key_expiry_sweep", "ok").Inc()
	}
}

func (s *Scheduler) sweepQueue(ctx context.Context) {
	evicted, emptied := s.queue.Sweep()
	s.logger.Info("offline queue sweep complete", "evicted", evicted, "emptied_queues", emptied)
	if s.metrics != nil {
		s.metrics.SchedulerTicksTotal.WithLabelValues("queue_sweep", "ok").Inc()
	}
}

func durationUntilNextDailyAt(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func durationUntilNextMonthStart(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next.Sub(now)
}
