package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/relaybot/relaybot/internal/metrics"
)

// Probe names a health endpoint.
type Probe string

const (
	ProbeLive      Probe = "live"
	ProbeReady     Probe = "ready"
	ProbeStartup   Probe = "startup"
	ProbeAggregate Probe = "aggregate"
)

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
	StatusStarting  = "starting"
)

var probeTimeouts = map[Probe]time.Duration{
	ProbeLive:      2 * time.Second,
	ProbeReady:     5 * time.Second,
	ProbeStartup:   3 * time.Second,
	ProbeAggregate: 5 * time.Second,
}

// HealthResponse is returned by every probe that passes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Probe     Probe             `json:"probe"`
	Version   string            `json:"version,omitempty"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// DegradedError marks a check failure that should not fail the probe.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

type registeredChecker struct {
	checker HealthChecker
	probes  map[Probe]bool
}

// HealthManager runs named checkers for the live, ready, startup and
// aggregate probes. Liveness runs only checkers registered for it.
type HealthManager struct {
	version string
	clock   func() time.Time
	started atomic.Bool

	mu       sync.RWMutex
	checkers map[string]registeredChecker
	details  map[string]func() any
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		clock:    time.Now,
		checkers: make(map[string]registeredChecker),
		details:  make(map[string]func() any),
	}
}

// RegisterChecker adds a checker to the given probes. With no probes it
// joins readiness and the aggregate report. The aggregate report always
// includes every checker.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker, probes ...Probe) {
	if len(probes) == 0 {
		probes = []Probe{ProbeReady}
	}
	set := map[Probe]bool{ProbeAggregate: true}
	for _, p := range probes {
		set[p] = true
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = registeredChecker{checker: checker, probes: set}
}

// RegisterDetail adds a snapshot shown by the ready and aggregate probes.
func (hm *HealthManager) RegisterDetail(name string, detail func() any) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.details[name] = detail
}

// MarkStarted lets the startup probe pass once initialization is done.
func (hm *HealthManager) MarkStarted() {
	hm.started.Store(true)
}

// Started reports whether MarkStarted was called.
func (hm *HealthManager) Started() bool {
	return hm.started.Load()
}

func (hm *HealthManager) runChecks(ctx context.Context, probe Probe) map[string]string {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	selected := make(map[string]HealthChecker, len(hm.checkers))
	for name, reg := range hm.checkers {
		if reg.probes[probe] {
			names = append(names, name)
			selected[name] = reg.checker
		}
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = StatusTimeout
			continue
		}

		start := time.Now()
		err := selected[name].CheckHealth(ctx)
		var degraded *DegradedError
		switch {
		case err == nil:
			checks[name] = StatusHealthy
		case stderrors.As(err, &degraded):
			checks[name] = StatusDegraded
		default:
			checks[name] = StatusUnhealthy
		}
		metrics.RecordHealthCheck(name, err == nil, time.Since(start))
	}
	return checks
}

func (hm *HealthManager) collectDetails() map[string]any {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if len(hm.details) == 0 {
		return nil
	}
	out := make(map[string]any, len(hm.details))
	for name, detail := range hm.details {
		out[name] = detail()
	}
	return out
}

func overallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusTimeout:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Handler returns the handler for one probe.
func (hm *HealthManager) Handler(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm.serveProbe(w, r, probe)
	}
}

func (hm *HealthManager) serveProbe(w http.ResponseWriter, r *http.Request, probe Probe) {
	if probe == ProbeStartup && !hm.Started() {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "startup probe failed")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, StatusStarting, nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeouts[probe])
	defer cancel()

	checks := hm.runChecks(ctx, probe)
	status := overallStatus(checks)
	if status == StatusUnhealthy {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", string(probe)+" probe failed")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, status, checks))
		return
	}

	response := HealthResponse{
		Status:    status,
		Probe:     probe,
		Timestamp: hm.clock().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if probe == ProbeAggregate {
		response.Version = hm.version
	}
	if probe == ProbeReady || probe == ProbeAggregate {
		response.Details = hm.collectDetails()
	}

	respondJSON(w, http.StatusOK, response)
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe Probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	details := map[string]interface{}{
		"status": status,
		"probe":  string(probe),
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	var failing []string
	for name, result := range checks {
		if result != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	contextData := map[string]interface{}{"status": status, "probe": string(probe)}
	if len(failing) > 0 {
		contextData["unhealthy_checks"] = failing
	}
	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager served by the
// package-level probe handlers and returns it.
func InitHealthManager(version string) *HealthManager {
	hm := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = hm
	globalMu.Unlock()
	return hm
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func globalProbe(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := GetHealthManager(); hm != nil {
			hm.serveProbe(w, r, probe)
			return
		}
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, "unknown", nil))
	}
}

// Package-level probe handlers backed by the process-wide manager.
var (
	HealthHandler    = globalProbe(ProbeAggregate)
	LivenessHandler  = globalProbe(ProbeLive)
	ReadinessHandler = globalProbe(ProbeReady)
	StartupHandler   = globalProbe(ProbeStartup)
)
