package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("connection refused") }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoChecks(t *testing.T) {
	t.Parallel()
	response := NewChecker().Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		checks []Check
		want   Status
	}{
		{
			name:   "all healthy",
			checks: []Check{{Name: "registry", Checker: ReadinessFunc(ok), Critical: true}, {Name: "gateway", Checker: ReadinessFunc(ok)}},
			want:   StatusHealthy,
		},
		{
			name:   "non-critical failure degrades",
			checks: []Check{{Name: "registry", Checker: ReadinessFunc(ok), Critical: true}, {Name: "gateway", Checker: ReadinessFunc(fail)}},
			want:   StatusDegraded,
		},
		{
			name:   "critical failure",
			checks: []Check{{Name: "registry", Checker: ReadinessFunc(fail), Critical: true}, {Name: "gateway", Checker: ReadinessFunc(fail)}},
			want:   StatusUnhealthy,
		},
		{
			name:   "nil checker",
			checks: []Check{{Name: "registry", Critical: true}},
			want:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.checks...).Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("status = %s, want %s (%+v)", response.Status, tt.want, response.Checks)
			}
			if len(response.Checks) != len(tt.checks) {
				t.Errorf("checks = %d, want %d", len(response.Checks), len(tt.checks))
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	checker := NewChecker(Check{Name: "registry", Critical: true, Checker: ReadinessFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	})})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("check ran %d times, want 1", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Check{Name: "registry", Checker: ReadinessFunc(ok), Critical: true})
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.IsReady() {
		t.Error("expected not ready while shutting down")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("expected shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  Status
		healthy bool
		ready   bool
	}{
		{"healthy", StatusHealthy, true, true},
		{"unhealthy", StatusUnhealthy, false, false},
		{"degraded", StatusDegraded, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.healthy {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.healthy)
			}
			if response.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.ready)
			}
		})
	}
}
