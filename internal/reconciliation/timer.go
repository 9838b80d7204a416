package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// startupDelay is how long Start waits before the first sweep, so a
// freshly booted server does not hammer providers while it warms up.
const startupDelay = 10 * time.Second

// Timer drives periodic reconciliation sweeps over escrows, top-ups
// and withdrawals.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// It blocks, so call it in a goroutine. The first sweep runs shortly
// after startup, then every interval.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	select {
	case <-ctx.Done():
		return
	case <-t.stopped:
		return
	case <-time.After(startupDelay):
	}
	t.sweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopped:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop terminates the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation sweep panicked", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	results, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err, "duration", time.Since(start))
		return
	}
	t.logger.Debug("reconciliation sweep finished", "jobs", len(results), "duration", time.Since(start))
}
