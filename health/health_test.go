package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy with no checkers", func(t *testing.T) {
		report := Run(ctx)
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("overall status is the worst verdict", func(t *testing.T) {
		report := Run(ctx,
			CheckFunc{CheckName: "a", Fn: func(ctx context.Context) CheckResult {
				return CheckResult{Status: StatusHealthy}
			}},
			CheckFunc{CheckName: "b", Fn: func(ctx context.Context) CheckResult {
				return CheckResult{Status: StatusDegraded}
			}},
			CheckFunc{CheckName: "c", Fn: func(ctx context.Context) CheckResult {
				return CheckResult{Status: StatusHealthy}
			}},
		)

		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "b", report.Checks[1].Name)
	})

	t.Run("unhealthy beats degraded", func(t *testing.T) {
		report := Run(ctx,
			CheckFunc{CheckName: "a", Fn: func(ctx context.Context) CheckResult {
				return CheckResult{Status: StatusDegraded}
			}},
			CheckFunc{CheckName: "b", Fn: func(ctx context.Context) CheckResult {
				return CheckResult{Status: StatusUnhealthy}
			}},
		)
		assert.Equal(t, StatusUnhealthy, report.Status)
	})
}

func TestPingChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("reachable dependency is healthy", func(t *testing.T) {
		checker := NewPingChecker("store", func(ctx context.Context) error { return nil })

		result := checker.Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "store", result.Name)
		assert.Empty(t, result.Error)
	})

	t.Run("ping failure is unhealthy", func(t *testing.T) {
		checker := NewPingChecker("store", func(ctx context.Context) error {
			return errors.New("connection refused")
		})

		result := checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connection refused", result.Error)
	})
}
