package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a Scanner on a fixed interval.
type Scheduler struct {
	scanner *Scanner
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wraps scanner.
func NewScheduler(scanner *Scanner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{scanner: scanner, logger: logger}
}

// Start runs one cycle right away and then one per interval until Stop or
// until ctx is cancelled. Calling Start while running does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	interval := s.scanner.Config().Interval
	s.logger.Info("discovery started", zap.Duration("interval", interval), zap.Strings("endpoints", s.scanner.Table().Names()))
	go s.loop(loopCtx, interval, s.done)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	s.scanner.RunCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanner.RunCycle(ctx)
		}
	}
}

// Stop ends the timer, waits for an in-flight cycle, closes every tracked
// handle and clears the registry. It is safe to call before Start and more
// than once. When ctx ends first Stop returns ctx's error and the remaining
// work continues in the background.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	finished := make(chan error, 1)
	go func() {
		if cancel != nil {
			cancel()
			<-done
		}
		finished <- s.scanner.Shutdown(ctx)
	}()

	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return fmt.Errorf("discovery: stop: %w", ctx.Err())
	}
}

// ScanNow runs a cycle outside the schedule and reports whether it ran.
func (s *Scheduler) ScanNow(ctx context.Context) bool {
	return s.scanner.RunCycle(ctx)
}

// LastScanTime reports when the most recent cycle finished.
func (s *Scheduler) LastScanTime() (time.Time, bool) {
	return s.scanner.LastScanTime()
}

// Snapshot returns a copy of every endpoint's current status.
func (s *Scheduler) Snapshot() []InstanceStatus {
	return s.scanner.Snapshot()
}
