package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Alert levels.
const (
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

// Check probes one component.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Latency     time.Duration  `json:"latency_ns"`
	Details     map[string]any `json:"details,omitempty"`
}

// SystemHealth aggregates every component; Status is the worst of them.
type SystemHealth struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime_ns"`
}

// Alert is raised when a component changes status.
type Alert struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// HealthMonitor runs registered checks and raises an alert through the
// sink whenever a component's status changes.
type HealthMonitor struct {
	mu      sync.RWMutex
	checks  map[string]Check
	results map[string]ComponentHealth
	started time.Time
	sink    *Sink
}

func NewHealthMonitor(sink *Sink) *HealthMonitor {
	return &HealthMonitor{
		checks:  make(map[string]Check),
		results: make(map[string]ComponentHealth),
		started: time.Now(),
		sink:    sink,
	}
}

// Register adds or replaces a named check.
func (m *HealthMonitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// RunChecks executes every check once and returns the aggregate.
func (m *HealthMonitor) RunChecks(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make(map[string]Check, len(m.checks))
	for name, fn := range m.checks {
		names = append(names, name)
		checks[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]ComponentHealth, len(checks))
	for _, name := range names {
		start := time.Now()
		res := checks[name](ctx)
		res.Name = name
		res.LastChecked = time.Now()
		res.Latency = time.Since(start)
		results[name] = res
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for _, name := range names {
		cur := results[name]
		old, seen := prev[name]
		// first healthy result is not news
		if (!seen && cur.Status != StatusHealthy) || (seen && old.Status != cur.Status) {
			m.alert(cur)
		}
	}
	return m.Snapshot()
}

func (m *HealthMonitor) alert(h ComponentHealth) {
	level := LevelInfo
	switch h.Status {
	case StatusUnhealthy:
		level = LevelCritical
	case StatusDegraded:
		level = LevelWarn
	}
	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}
	m.sink.Alert(level, h.Name, msg)
}

// Component returns the latest result for name.
func (m *HealthMonitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// Snapshot aggregates the latest results without running checks.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if severity(h.Status) > severity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.started),
	}
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
