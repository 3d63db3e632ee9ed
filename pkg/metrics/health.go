package metrics

import (
	"sync"
	"time"
)

// ProbeOutcome is the most recent health probe result for one backend.
// Backends record an outcome after every HealthCheck; the registry keeps
// only the latest per backend tag.
type ProbeOutcome struct {
	Backend string        `json:"backend"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
	At      time.Time     `json:"at"`
}

// HealthReport aggregates the latest probe outcome of every backend.
type HealthReport struct {
	Healthy     bool                    `json:"healthy"`
	Backends    map[string]ProbeOutcome `json:"backends"`
	Uptime      time.Duration           `json:"uptime"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

var probes = struct {
	mu       sync.RWMutex
	outcomes map[string]ProbeOutcome
	started  time.Time
}{
	outcomes: make(map[string]ProbeOutcome),
	started:  time.Now(),
}

// RecordProbe stores the latest probe outcome for a backend and mirrors it
// into the BackendUp gauge.
func RecordProbe(backend string, healthy bool, latency time.Duration, detail string) {
	probes.mu.Lock()
	probes.outcomes[backend] = ProbeOutcome{
		Backend: backend,
		Healthy: healthy,
		Latency: latency,
		Detail:  detail,
		At:      time.Now(),
	}
	probes.mu.Unlock()

	v := 0.0
	if healthy {
		v = 1.0
	}
	BackendUp.WithLabelValues(backend).Set(v)
}

// Snapshot returns the aggregate health of every backend probed so far.
// The report is healthy only while every backend's latest probe succeeded;
// a backend that has never been probed does not count against it.
func Snapshot() HealthReport {
	probes.mu.RLock()
	defer probes.mu.RUnlock()

	report := HealthReport{
		Healthy:     true,
		Backends:    make(map[string]ProbeOutcome, len(probes.outcomes)),
		Uptime:      time.Since(probes.started),
		GeneratedAt: time.Now(),
	}
	for tag, outcome := range probes.outcomes {
		report.Backends[tag] = outcome
		if !outcome.Healthy {
			report.Healthy = false
		}
	}
	return report
}

// ResetProbes clears all recorded outcomes. Intended for tests.
func ResetProbes() {
	probes.mu.Lock()
	defer probes.mu.Unlock()
	probes.outcomes = make(map[string]ProbeOutcome)
	probes.started = time.Now()
}
