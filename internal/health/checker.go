// Package health provides health check functionality for liveness and readiness checks.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the job service to verify it can start new jobs.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// BreakerReporter reports the callback destinations currently rejected by
// an open circuit.
type BreakerReporter interface {
	UnavailableDestinations() []string
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	supervisor ReadinessChecker
	callbacks  BreakerReporter
	timeout    time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(supervisor ReadinessChecker) *Checker {
	return &Checker{
		supervisor: supervisor,
		timeout:    5 * time.Second,
	}
}

// WithCallbacks adds callback delivery to the readiness report. Open
// breakers degrade readiness but never fail it.
func (c *Checker) WithCallbacks(r BreakerReporter) *Checker {
	c.callbacks = r
	return c
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on the filesystem.
// Failing this check should trigger a restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept jobs.
// Failing this check should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overallStatus := StatusHealthy

	supervisorCheck := c.checkSupervisor(ctx)
	checks["supervisor"] = supervisorCheck
	if supervisorCheck.Status != StatusHealthy {
		overallStatus = StatusUnhealthy
	}

	if c.callbacks != nil {
		callbackCheck := c.checkCallbacks()
		checks["callbacks"] = callbackCheck
		if callbackCheck.Status != StatusHealthy && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// checkSupervisor verifies new jobs can be started.
func (c *Checker) checkSupervisor(ctx context.Context) CheckResult {
	if c.supervisor == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "supervisor not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.supervisor.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

func (c *Checker) checkCallbacks() CheckResult {
	if hosts := c.callbacks.UnavailableDestinations(); len(hosts) > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("callback destinations unavailable: %s", strings.Join(hosts, ", ")),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless the overall status is unhealthy.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
