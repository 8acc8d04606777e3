package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner is one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context) error
}

// Scheduler runs the mandatory startup pass, then periodic passes on a fixed
// interval. A startup failure is returned to the caller and the loop never
// starts; a periodic failure is logged and the loop keeps going.
type Scheduler struct {
	rec      Runner
	interval time.Duration
	log      *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler builds a single-use scheduler. interval <= 0 disables the
// periodic loop.
func NewScheduler(rec Runner, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		rec:      rec,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs one blocking pass and, on success, begins the periodic loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.rec.RunOnce(ctx); err != nil {
		close(s.done)
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if s.interval <= 0 {
		s.log.Info("periodic reconciliation disabled")
		close(s.done)
		return nil
	}
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("periodic reconciliation started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.rec.RunOnce(ctx); err != nil {
				s.log.Error("periodic reconciliation failed", "error", err)
			}
		}
	}
}

// Stop halts the periodic loop and waits for an in-progress pass to finish.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
