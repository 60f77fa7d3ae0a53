// Package health aggregates component health checks for the keyboardlock
// daemon.
//
// Features:
//   - Readiness flag set once startup completes
//   - Concurrent component checks with per-check timeouts
//   - Panic recovery inside checks
//   - Aggregated status where only critical components can make the
//     daemon unhealthy
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMs  float64   `json:"duration_ms"`
}

// Check performs one health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name string
	// Critical components make the overall status unhealthy on failure;
	// others only degrade it.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
	now        func() time.Time
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
		now:        time.Now,
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 2 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered checks concurrently and returns their results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := c.run(ctx, comp)
			rmu.Lock()
			results[comp.Name] = result
			rmu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check. A check that overruns its timeout is left
// running and reported unhealthy.
func (c *Checker) run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.DurationMs = float64(c.now().Sub(start).Microseconds()) / 1000
	return result
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}
	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// ComponentReport is one entry of a Report.
type ComponentReport struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	CheckResult
}

// Report is the full health picture.
type Report struct {
	Status        Status            `json:"status"`
	Ready         bool              `json:"ready"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Components    []ComponentReport `json:"components"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Report runs every check and returns the aggregate, components sorted by
// name.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Check(ctx)

	c.mu.RLock()
	comps := make([]ComponentReport, 0, len(results))
	for name, r := range results {
		critical := false
		if comp := c.components[name]; comp != nil {
			critical = comp.Critical
		}
		comps = append(comps, ComponentReport{Name: name, Critical: critical, CheckResult: r})
	}
	ready := c.ready
	now := c.now()
	uptime := now.Sub(c.startTime)
	c.mu.RUnlock()

	sort.Slice(comps, func(i, j int) bool { return comps[i].Name < comps[j].Name })
	status := c.OverallStatus()
	if !ready && status == StatusHealthy {
		status = StatusUnknown
	}
	return Report{
		Status:        status,
		Ready:         ready,
		UptimeSeconds: uptime.Seconds(),
		Components:    comps,
		Timestamp:     now.UTC(),
	}
}

// Common checks.

// PingCheck reports unhealthy while ping fails.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// PermissionCheck reports degraded while input capture permission is
// missing. status returns the grant and a description.
func PermissionCheck(status func() (bool, string)) Check {
	return func(context.Context) CheckResult {
		ok, detail := status()
		if !ok {
			return CheckResult{Status: StatusDegraded, Message: detail}
		}
		return CheckResult{Status: StatusHealthy, Message: detail}
	}
}
