// Package sweeper runs the broker's audit pass on a fixed interval.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/relay"
)

const defaultLockKey = "task-relay:sweeper"

type Target interface {
	Sweep(ctx context.Context) (*relay.SweepReport, error)
}

type Config struct {
	Interval time.Duration
	// Lock, when set, makes only one replica sweep per tick.
	Lock    domain.DistributedLock
	LockKey string
	Logger  *slog.Logger
}

type Scheduler struct {
	target   Target
	lock     domain.DistributedLock
	lockKey  string
	interval time.Duration
	logger   *slog.Logger

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(target Target, cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockKey := cfg.LockKey
	if lockKey == "" {
		lockKey = defaultLockKey
	}

	cronLogger := cronlib.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Scheduler{
		target:   target,
		lock:     cfg.Lock,
		lockKey:  lockKey,
		interval: interval,
		logger:   logger,
		cron: cronlib.New(cronlib.WithChain(
			cronlib.Recover(cronLogger),
			cronlib.SkipIfStillRunning(cronLogger),
		)),
	}
}

// Start sweeps once right away and then on every interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.RunOnce(ctx)
	}); err != nil {
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(ctx)
	}()

	s.cron.Start()
	s.logger.Info("sweeper started", "interval", s.interval, "leader_lock", s.lock != nil)
	return nil
}

// Stop cancels any running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// RunOnce performs a single sweep. It reports false when another replica holds the leader lock.
func (s *Scheduler) RunOnce(ctx context.Context) (*relay.SweepReport, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	if s.lock != nil {
		acquired, err := s.lock.Lock(ctx, s.lockKey, s.interval)
		if err != nil {
			s.logger.Error("sweeper: failed to take leader lock", "error", err)
			return nil, false
		}
		if !acquired {
			s.logger.Debug("sweeper: another replica is sweeping")
			return nil, false
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx), s.lockKey); err != nil {
				s.logger.Error("sweeper: failed to release leader lock", "error", err)
			}
		}()
	}

	started := time.Now()
	report, err := s.target.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweeper: pass finished with errors", "error", err)
	}
	if report != nil && changed(report) {
		s.logger.Info("sweeper: pass finished",
			"promoted", report.Promoted,
			"pending_timed_out", report.PendingTimedOut,
			"processing_timed_out", report.ProcessingTimedOut,
			"dead_consumers", report.DeadConsumers,
			"dead_lettered", report.DeadLettered,
			"lock_recovered", report.LockRecovered,
			"took", time.Since(started),
		)
	}
	return report, true
}

func changed(r *relay.SweepReport) bool {
	return r.Promoted+r.PendingTimedOut+r.ProcessingTimedOut+r.DeadConsumers > 0 || r.LockRecovered
}
