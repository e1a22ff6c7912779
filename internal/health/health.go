// Package health aggregates readiness probes over the service's
// critical dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is the aggregate of all probes.
type Report struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]Result `json:"checks"`
}

// Manager runs registered checkers with a per-check timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{timeout: timeout}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check runs every probe concurrently and aggregates the results.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	report := Report{Healthy: true, Checks: make(map[string]Result, len(checkers))}
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			result := Result{
				Healthy:   err == nil,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				result.Error = err.Error()
			}

			mu.Lock()
			report.Checks[c.Name()] = result
			if err != nil {
				report.Healthy = false
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return report
}
