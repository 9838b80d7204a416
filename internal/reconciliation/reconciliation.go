// Package reconciliation sweeps pending resources against the external
// providers and repairs missed webhook deliveries. Each resource family
// (active escrows, pending top-ups, pending withdrawals) has its own job;
// the runner guarantees at most one active run per job and paces provider
// calls through a shared rate limiter.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/payrail/payrail/internal/events"
	"github.com/payrail/payrail/internal/ratelimit"
)

// ErrRunInProgress is returned when a job is asked to run while a
// previous run of the same job has not finished.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Stats summarizes one reconciliation run.
type Stats struct {
	Processed     int `json:"processed"`
	Synced        int `json:"synced"`
	Errors        int `json:"errors"`
	Discrepancies int `json:"discrepancies"`
}

// Job reconciles one resource family.
type Job interface {
	Name() string
	Run(ctx context.Context) (*Stats, error)
}

// Publisher receives alert events after a run finds discrepancies.
type Publisher interface {
	Publish(events.Payload)
}

// Runner executes reconciliation jobs.
type Runner struct {
	jobs   []Job
	bus    Publisher
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewRunner creates a runner over the given jobs.
func NewRunner(jobs []Job, bus Publisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:   jobs,
		bus:    bus,
		logger: logger,
		active: make(map[string]bool),
	}
}

// RunAll runs every job in sequence. Jobs already running are skipped;
// individual job failures do not stop the sweep.
func (r *Runner) RunAll(ctx context.Context) (map[string]*Stats, error) {
	results := make(map[string]*Stats, len(r.jobs))
	var firstErr error
	for _, job := range r.jobs {
		stats, err := r.RunJob(ctx, job.Name())
		if errors.Is(err, ErrRunInProgress) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[job.Name()] = stats
	}
	return results, firstErr
}

// RunJob runs one job by name, enforcing at most one active run per job.
func (r *Runner) RunJob(ctx context.Context, name string) (*Stats, error) {
	job := r.find(name)
	if job == nil {
		return nil, fmt.Errorf("unknown reconciliation job %q", name)
	}

	r.mu.Lock()
	if r.active[name] {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.active[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active[name] = false
		r.mu.Unlock()
	}()

	start := time.Now()
	stats, err := job.Run(ctx)
	reconcileRunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileErrorsTotal.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("reconcile %s: %w", name, err)
	}

	reconcileDiscrepancies.WithLabelValues(name).Set(float64(stats.Discrepancies))
	r.logger.Info("reconciliation run finished",
		"job", name,
		"processed", stats.Processed,
		"synced", stats.Synced,
		"errors", stats.Errors,
		"discrepancies", stats.Discrepancies,
	)

	if stats.Discrepancies > 0 && r.bus != nil {
		r.bus.Publish(events.ReconcileAlert{Job: name, Discrepancies: stats.Discrepancies})
	}
	return stats, nil
}

// Jobs returns the job names the runner knows.
func (r *Runner) Jobs() []string {
	names := make([]string, len(r.jobs))
	for i, job := range r.jobs {
		names[i] = job.Name()
	}
	return names
}

func (r *Runner) find(name string) Job {
	for _, job := range r.jobs {
		if job.Name() == name {
			return job
		}
	}
	return nil
}

// pace blocks until the limiter grants one provider call for the key.
func pace(ctx context.Context, limiter *ratelimit.Limiter, key string) error {
	if limiter == nil {
		return nil
	}
	for !limiter.Allow(key) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}
