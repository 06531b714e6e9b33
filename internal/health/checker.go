package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlowSource is the part of the flow registry the health checks observe.
type FlowSource interface {
	// Loaded reports whether at least one snapshot has been loaded.
	Loaded() bool
	// LastLoadError returns the error from the most recent (re)load, if any.
	LastLoadError() error
}

// IdentitySource exposes the identifier of this site.
type IdentitySource interface {
	Current() string
}

// FlowRegistryChecker checks that a flow registry snapshot is available.
type FlowRegistryChecker struct {
	logger *zap.Logger
	flows  FlowSource
}

// NewFlowRegistryChecker creates a new flow registry health checker.
func NewFlowRegistryChecker(logger *zap.Logger, flows FlowSource) *FlowRegistryChecker {
	return &FlowRegistryChecker{
		logger: logger,
		flows:  flows,
	}
}

// Name returns the name of the health check.
func (f *FlowRegistryChecker) Name() string {
	return "flows"
}

// Check performs the health check.
func (f *FlowRegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	result := CheckResult{
		Name:      f.Name(),
		Status:    StatusOK,
		Message:   "Flow registry loaded",
		Timestamp: time.Now(),
	}

	switch {
	case f.flows == nil || !f.flows.Loaded():
		result.Status = StatusError
		result.Message = "Flow registry not loaded"
	case f.flows.LastLoadError() != nil:
		// The previous snapshot keeps serving requests.
		result.Message = fmt.Sprintf("Flow registry reload failed, serving previous snapshot: %v", f.flows.LastLoadError())
		f.logger.Warn("Flow registry reload failed", zap.Error(f.flows.LastLoadError()))
	}

	result.Duration = time.Since(start)
	return result
}

// SiteIdentityChecker checks that the site identity has been resolved.
type SiteIdentityChecker struct {
	logger   *zap.Logger
	identity IdentitySource
}

// NewSiteIdentityChecker creates a new site identity health checker.
func NewSiteIdentityChecker(logger *zap.Logger, identity IdentitySource) *SiteIdentityChecker {
	return &SiteIdentityChecker{
		logger:   logger,
		identity: identity,
	}
}

// Name returns the name of the health check.
func (s *SiteIdentityChecker) Name() string {
	return "site-identity"
}

// Check performs the health check.
func (s *SiteIdentityChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      s.Name(),
		Status:    StatusOK,
		Timestamp: time.Now(),
	}

	if s.identity == nil || s.identity.Current() == "" {
		result.Status = StatusError
		result.Message = "Site identity not resolved"
		return result
	}

	result.Message = fmt.Sprintf("Site identity %s", s.identity.Current())
	return result
}

// PingFunc probes an external dependency.
type PingFunc func(ctx context.Context) error

// PingChecker reports the reachability of an external dependency such as the
// Redis entity store, the Postgres status store or the NATS connection.
type PingChecker struct {
	logger *zap.Logger
	name   string
	ping   PingFunc
}

// NewPingChecker creates a checker named name that calls ping.
func NewPingChecker(logger *zap.Logger, name string, ping PingFunc) *PingChecker {
	return &PingChecker{
		logger: logger,
		name:   name,
		ping:   ping,
	}
}

// Name returns the name of the health check.
func (p *PingChecker) Name() string {
	return p.name
}

// Check performs the health check.
func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	result := CheckResult{
		Name:      p.name,
		Status:    StatusOK,
		Message:   "Reachable",
		Timestamp: start,
	}

	if err := p.ping(ctx); err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("Ping failed: %v", err)
		p.logger.Warn("Dependency ping failed", zap.String("check", p.name), zap.Error(err))
	}

	result.Duration = time.Since(start)
	return result
}

// ServerChecker checks if the servers are running.
type ServerChecker struct {
	logger  *zap.Logger
	running atomic.Bool
}

// NewServerChecker creates a new server health checker.
func NewServerChecker(logger *zap.Logger) *ServerChecker {
	return &ServerChecker{logger: logger}
}

// Name returns the name of the health check.
func (s *ServerChecker) Name() string {
	return "servers"
}

// SetRunning marks the servers as running.
func (s *ServerChecker) SetRunning(running bool) {
	s.running.Store(running)
}

// Check performs the health check.
func (s *ServerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      s.Name(),
		Status:    StatusOK,
		Message:   "All servers running",
		Timestamp: time.Now(),
	}

	if !s.running.Load() {
		result.Status = StatusStarting
		result.Message = "Servers starting"
	}

	return result
}

// ReadinessChecker checks if the service is ready to handle requests.
type ReadinessChecker struct {
	logger       *zap.Logger
	shuttingDown atomic.Bool
	running      atomic.Bool
}

// NewReadinessChecker creates a new readiness health checker.
func NewReadinessChecker(logger *zap.Logger) *ReadinessChecker {
	return &ReadinessChecker{logger: logger}
}

// Name returns the name of the health check.
func (r *ReadinessChecker) Name() string {
	return "readiness"
}

// SetRunning marks the servers as running.
func (r *ReadinessChecker) SetRunning(running bool) {
	r.running.Store(running)
}

// SetShuttingDown marks the service as shutting down.
func (r *ReadinessChecker) SetShuttingDown(shutDown bool) {
	r.shuttingDown.Store(shutDown)
}

// Check performs the health check.
func (r *ReadinessChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      r.Name(),
		Status:    StatusOK,
		Message:   "Service ready",
		Timestamp: time.Now(),
	}

	if r.shuttingDown.Load() {
		result.Status = StatusNotReady
		result.Message = "Service shutting down"
	} else if !r.running.Load() {
		result.Status = StatusNotReady
		result.Message = "Service not ready"
	}

	return result
}
