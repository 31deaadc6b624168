package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scheduler drives the pipeline. Driven mode advances on a wall-clock
// ticker; stepped mode only advances when Step is called (test harnesses,
// operator consoles).
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration
	stepped  bool
	logger   *slog.Logger

	steps chan chan stepResult
}

type stepResult struct {
	tick int64
	err  error
}

// NewScheduler creates a scheduler around pipeline.
func NewScheduler(pipeline *Pipeline, interval time.Duration, stepped bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		interval: interval,
		stepped:  stepped,
		logger:   logger.With("component", "scheduler"),
		steps:    make(chan chan stepResult),
	}
}

// Run advances ticks until ctx is done. The tick in flight always
// completes before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	if s.stepped {
		s.logger.Info("scheduler running in stepped mode")
		s.runStepped(ctx)
		return
	}

	s.logger.Info("scheduler running", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			// The pipeline must finish cleanly even mid-shutdown, so it
			// gets its own context.
			if _, err := s.pipeline.Tick(context.Background()); err != nil {
				s.logger.Error("tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) runStepped(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case reply := <-s.steps:
			tick, err := s.pipeline.Tick(context.Background())
			reply <- stepResult{tick: tick, err: err}
		}
	}
}

// Step advances exactly one tick in stepped mode and returns the new tick
// number.
func (s *Scheduler) Step(ctx context.Context) (int64, error) {
	if !s.stepped {
		return 0, fmt.Errorf("scheduler is not in stepped mode")
	}
	reply := make(chan stepResult, 1)
	select {
	case s.steps <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.tick, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
