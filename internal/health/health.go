// Package health provides the checkers and aggregation behind the startup,
// liveness and readiness probes.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a single check or of a probe.
type Status string

const (
	StatusOK       Status = "ok"
	StatusStarting Status = "starting"
	StatusNotReady Status = "not-ready"
	StatusError    Status = "error"
)

// CheckResult is what a Checker reports.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker is implemented by anything the probes depend on.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// StartupResponse is the body of /healthz/startup.
type StartupResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks"`
}

// LivenessResponse is the body of /healthz/live.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the body of /healthz/ready.
type ReadinessResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Ready     bool              `json:"ready"`
	Checks    map[string]Status `json:"checks,omitempty"`
}
