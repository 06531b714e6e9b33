package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs the registered checkers with a per-check timeout and keeps
// each result for cacheDuration so that frequent probes stay cheap.
type Manager struct {
	logger        *zap.Logger
	cacheDuration time.Duration
	checkTimeout  time.Duration

	checkers     map[string]Checker
	dependencies []Checker
	server       *ServerChecker
	readiness    *ReadinessChecker

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	result    CheckResult
	expiresAt time.Time
}

// NewManager creates a Manager with no checkers.
func NewManager(logger *zap.Logger, cacheDuration, checkTimeout time.Duration) *Manager {
	return &Manager{
		logger:        logger,
		cacheDuration: cacheDuration,
		checkTimeout:  checkTimeout,
		checkers:      make(map[string]Checker),
		cache:         make(map[string]cacheEntry),
	}
}

// RegisterChecker adds a checker to the startup set. The server and
// readiness checkers are also remembered so their state can be toggled.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers[checker.Name()] = checker

	switch c := checker.(type) {
	case *ServerChecker:
		m.server = c
	case *ReadinessChecker:
		m.readiness = c
	}
}

// RegisterReadinessDependency adds a checker that must pass before the
// service reports ready.
func (m *Manager) RegisterReadinessDependency(checker Checker) {
	m.RegisterChecker(checker)
	m.dependencies = append(m.dependencies, checker)
}

// SetServersRunning flips the running state of the server and readiness
// checkers.
func (m *Manager) SetServersRunning(running bool) {
	if m.server != nil {
		m.server.SetRunning(running)
	}
	if m.readiness != nil {
		m.readiness.SetRunning(running)
	}
}

// SetShuttingDown makes readiness fail while the servers drain.
func (m *Manager) SetShuttingDown(shuttingDown bool) {
	if m.readiness != nil {
		m.readiness.SetShuttingDown(shuttingDown)
	}
}

// CheckAll runs every registered checker concurrently.
func (m *Manager) CheckAll(ctx context.Context) []CheckResult {
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	return results
}

func (m *Manager) runCheck(ctx context.Context, checker Checker) CheckResult {
	name := checker.Name()

	m.mu.RLock()
	entry, ok := m.cache[name]
	m.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.result
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()
	result := checker.Check(checkCtx)

	m.mu.Lock()
	m.cache[name] = cacheEntry{result: result, expiresAt: time.Now().Add(m.cacheDuration)}
	m.mu.Unlock()

	return result
}

// startupRank orders statuses for the startup probe. A not-ready check
// during startup means the service is still coming up.
func startupRank(s Status) (int, Status) {
	switch s {
	case StatusOK:
		return 0, StatusOK
	case StatusError:
		return 2, StatusError
	default:
		return 1, StatusStarting
	}
}

// GetStartupStatus reports the worst status across all checkers.
func (m *Manager) GetStartupStatus(ctx context.Context) StartupResponse {
	response := StartupResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
		Checks:    make(map[string]Status),
	}

	worst := 0
	for _, result := range m.CheckAll(ctx) {
		response.Checks[result.Name] = result.Status
		if rank, status := startupRank(result.Status); rank > worst {
			worst = rank
			response.Status = status
		}
	}

	return response
}

// GetLivenessStatus only confirms that the process can answer.
func (m *Manager) GetLivenessStatus() LivenessResponse {
	return LivenessResponse{Status: StatusOK, Timestamp: time.Now()}
}

// GetReadinessStatus reports ready once the servers run and every readiness
// dependency passes.
func (m *Manager) GetReadinessStatus(ctx context.Context) ReadinessResponse {
	result := CheckResult{Name: "readiness", Status: StatusOK, Timestamp: time.Now()}
	if m.readiness != nil {
		result = m.runCheck(ctx, m.readiness)
	}

	response := ReadinessResponse{Status: result.Status, Timestamp: result.Timestamp}
	if len(m.dependencies) > 0 {
		response.Checks = make(map[string]Status, len(m.dependencies))
	}

	for _, dep := range m.dependencies {
		r := m.runCheck(ctx, dep)
		response.Checks[r.Name] = r.Status
		if r.Status == StatusOK || response.Status != StatusOK {
			continue
		}
		response.Status = StatusNotReady
		m.logger.Warn("Readiness dependency failing",
			zap.String("check", r.Name),
			zap.String("message", r.Message),
		)
	}

	response.Ready = response.Status == StatusOK
	return response
}
