// Package health aggregates component status for the health_data message.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/tweakagent/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	default:
		return false
	}
}

// Components reported by the agent.
const (
	ComponentChannel     = "channel"
	ComponentJournal     = "journal"
	ComponentAuditReport = "audit_report"
	ComponentWorkers     = "workers"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HostInfo identifies the machine in health reports.
type HostInfo struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernelVersion,omitempty"`
	UptimeSeconds uint64 `json:"uptimeSeconds,omitempty"`
}

// Report is the payload of a health_data message.
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
	Messages   map[string]string `json:"messages,omitempty"`
	Host       *HostInfo         `json:"host,omitempty"`
	Counters   map[string]int64  `json:"counters,omitempty"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]Check
	counters map[string]int64
	now      func() time.Time
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks:   make(map[string]Check),
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

// Update records the health status for a named component. An invalid status
// is stored as Unhealthy.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: m.now(),
	}
	m.mu.Unlock()

	if status != Healthy && (!existed || prev.Status != status) {
		log.Warn("health check degraded", "check", name, "status", string(status), "message", message)
	}
}

// Add increments a named counter, such as tweaks applied or reports failed.
func (m *Monitor) Add(counter string, delta int64) {
	m.mu.Lock()
	m.counters[counter] += delta
	m.mu.Unlock()
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks. With no
// checks registered it is Unknown.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// Summary builds a report under a single lock so the overall status always
// matches the component list.
func (m *Monitor) Summary() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{
		Status:     m.overallLocked(),
		Components: make(map[string]Status, len(m.checks)),
	}
	for _, c := range m.checks {
		r.Components[c.Name] = c.Status
		if c.Message != "" {
			if r.Messages == nil {
				r.Messages = make(map[string]string)
			}
			r.Messages[c.Name] = c.Message
		}
	}
	if len(m.counters) > 0 {
		r.Counters = make(map[string]int64, len(m.counters))
		for k, v := range m.counters {
			r.Counters[k] = v
		}
	}
	return r
}

// SummaryWithHost is Summary plus host identification. A host lookup
// failure leaves Host nil rather than failing the report.
func (m *Monitor) SummaryWithHost(ctx context.Context) Report {
	r := m.Summary()
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Debug("host info unavailable", logging.KeyError, err)
		return r
	}
	r.Host = &HostInfo{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      info.Platform,
		KernelVersion: info.KernelVersion,
		UptimeSeconds: info.Uptime,
	}
	return r
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 3
	}
}
