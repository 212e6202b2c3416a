// Package scheduler runs the periodic reconciliation jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler is implemented by service.Sweeper.
type Reconciler interface {
	Poll(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
	RetryActivations(ctx context.Context) (int, error)
}

// Config holds the cron specs of each job.
type Config struct {
	PollSchedule  string
	SweepSchedule string
	// ActivationSchedule re-emits listing activations whose publish failed.
	ActivationSchedule string
	// JobTimeout bounds a single run.
	JobTimeout time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	cfg        Config
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new scheduler. Overlapping runs of the same job are skipped.
func New(reconciler Reconciler, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollSchedule == "" {
		cfg.PollSchedule = "@every 30s"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.ActivationSchedule == "" {
		cfg.ActivationSchedule = "@every 1m"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers and starts all jobs.
func (s *Scheduler) Start() error {
	s.logger.Info("starting reconciliation scheduler",
		zap.String("poll", s.cfg.PollSchedule),
		zap.String("sweep", s.cfg.SweepSchedule),
		zap.String("activation", s.cfg.ActivationSchedule),
	)

	if _, err := s.cron.AddFunc(s.cfg.PollSchedule, s.poll); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, s.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ActivationSchedule, s.retryActivations); err != nil {
		return fmt.Errorf("schedule activation retry: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done when running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

func (s *Scheduler) poll() {
	s.run("poll", s.reconciler.Poll)
}

func (s *Scheduler) sweep() {
	s.run("sweep", s.reconciler.Sweep)
}

func (s *Scheduler) retryActivations() {
	s.run("activation", s.reconciler.RetryActivations)
}

func (s *Scheduler) run(name string, job func(ctx context.Context) (int, error)) {
	defer s.recoverFromPanic(name)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		s.logger.Error("reconciliation job failed", zap.String("job", name), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("reconciliation job finished",
			zap.String("job", name),
			zap.Int("resolved", n),
			zap.Duration("took", time.Since(start)),
		)
		return
	}
	s.logger.Debug("reconciliation job finished", zap.String("job", name))
}

func (s *Scheduler) recoverFromPanic(job string) {
	if r := recover(); r != nil {
		s.logger.Error("reconciliation job panicked", zap.String("job", job), zap.Any("panic", r))
	}
}
