// Package health runs liveness checks against the service's dependencies
// and aggregates them into a single report.
package health

import (
	"context"
	"time"
)

// Status is the health verdict of one check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one checker run.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates all check results. The overall status is the worst
// individual verdict.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Run executes every checker and aggregates the results. With no checkers
// the service reports healthy.
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	}
	for _, checker := range checkers {
		result := checker.Check(ctx)
		report.Checks = append(report.Checks, result)
		if worse(result.Status, report.Status) {
			report.Status = result.Status
		}
	}
	return report
}

func worse(a, b Status) bool {
	return rank(a) > rank(b)
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// PingChecker probes a dependency exposing a Ping method, such as the
// postgres checkpoint store.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker around a ping function.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start.UTC(),
	}

	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "reachable"
	}
	result.Duration = time.Since(start)
	return result
}

// CheckFunc adapts a plain function into a Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	result := c.Fn(ctx)
	if result.Name == "" {
		result.Name = c.CheckName
	}
	return result
}
