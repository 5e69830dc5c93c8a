package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/beaconproof/internal/errors"
)

// Check statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
	StatusDegraded  = "degraded"
)

const checkTimeout = 5 * time.Second

// HealthChecker reports whether one dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the checker for name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// HealthHandler runs every checker and reports the aggregate.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.write(w, HealthResponse{Status: StatusHealthy, Version: m.version, Timestamp: time.Now().UTC()})
}

// ReadinessHandler reports whether dependencies can take traffic.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler reports that initialization finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.write(w, HealthResponse{Status: StatusHealthy, Version: m.version, Timestamp: time.Now().UTC()})
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("service is unhealthy", map[string]any{
			"status": status,
			"checks": checks,
		}))
		return
	}
	m.write(w, HealthResponse{Status: status, Version: m.version, Timestamp: time.Now().UTC(), Checks: checks})
}

func (m *HealthManager) write(w http.ResponseWriter, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			status := StatusHealthy
			if err := checker.CheckHealth(checkCtx); err != nil {
				status = StatusUnhealthy
				if errors.Is(err, context.DeadlineExceeded) {
					status = StatusTimeout
				}
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, checkers[i])
	}
	wg.Wait()
	return results
}

// determineOverallStatus is unhealthy if any check failed, degraded if any
// timed out, healthy otherwise.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := StatusHealthy
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout:
			overall = StatusDegraded
		}
	}
	return overall
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailableError("health manager not initialized", nil))
			return
		}
		fn(m, w, r)
	}
}

var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)
