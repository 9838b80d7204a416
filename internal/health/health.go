// Package health aggregates named subsystem probes for the /health
// endpoint. Checkers are registered at wire-up time and run on demand;
// one unhealthy subsystem degrades the aggregate.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// OK returns a healthy status, detail optional.
func OK(name, detail string) Status {
	return Status{Name: name, Healthy: true, Detail: detail}
}

// Fail returns an unhealthy status carrying the failure reason.
func Fail(name string, err error) Status {
	return Status{Name: name, Healthy: false, Detail: err.Error()}
}

// Checker probes one subsystem. It must honor ctx cancellation; CheckAll
// runs checkers sequentially under the caller's deadline.
type Checker func(ctx context.Context) Status

// Pinger is the slice of *sql.DB the database checker needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DBChecker probes a database connection by ping.
func DBChecker(name string, db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Fail(name, err)
		}
		return OK(name, "")
	}
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker. Registration order is report order.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// CheckAll runs every checker and reports the aggregate plus the
// individual results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, check := range checkers {
		statuses[i] = check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
