// Package metrics turns runtime bus events into Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/internal/eventbus"
)

// Metrics holds the runtime's Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal  *prometheus.CounterVec
	PluginsByState    *prometheus.GaugeVec
	RegistryEvents    *prometheus.CounterVec
	ViolationsTotal   *prometheus.CounterVec
	AuditEntriesTotal *prometheus.CounterVec
	PluginErrorsTotal *prometheus.CounterVec
	PermissionChanges *prometheus.CounterVec

	states map[string]entities.Status
	mu     sync.Mutex
}

// New creates the metrics and registers them with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reglet_lifecycle_transitions_total",
				Help: "Total number of plugin lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		PluginsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reglet_plugins",
				Help: "Number of plugins in each lifecycle state",
			},
			[]string{"state"},
		),
		RegistryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reglet_registry_events_total",
				Help: "Total number of registry changes",
			},
			[]string{"event"},
		),
		ViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reglet_security_violations_total",
				Help: "Total number of recorded security violations",
			},
			[]string{"type", "severity"},
		),
		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reglet_audit_entries_total",
				Help: "Total number of audit log entries",
			},
			[]string{"result", "unauthorized"},
		),
		PluginErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reglet_plugin_errors_total",
				Help: "Total number of plugin errors",
			},
			[]string{"kind"},
		),
		PermissionChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reglet_permission_changes_total",
				Help: "Total number of permission grants and revocations",
			},
			[]string{"action"},
		),
		states: make(map[string]entities.Status),
	}
	registry.MustRegister(
		m.TransitionsTotal,
		m.PluginsByState,
		m.RegistryEvents,
		m.ViolationsTotal,
		m.AuditEntriesTotal,
		m.PluginErrorsTotal,
		m.PermissionChanges,
	)
	return m
}

// Attach subscribes the metrics to every event on bus.
func (m *Metrics) Attach(bus *eventbus.Bus) (detach func()) {
	return bus.Subscribe(m.Observe)
}

// Observe updates the metrics for one event.
func (m *Metrics) Observe(ev entities.Event) {
	switch ev.Type {
	case entities.EventStateChanged:
		if sc, ok := ev.Payload.(entities.StateChange); ok {
			m.TransitionsTotal.WithLabelValues(sc.From.String(), sc.To.String()).Inc()
			m.setState(ev.PluginID, sc.To)
		}
	case entities.EventRegistered:
		m.RegistryEvents.WithLabelValues("registered").Inc()
	case entities.EventUpdated:
		m.RegistryEvents.WithLabelValues("updated").Inc()
	case entities.EventUnregistered:
		m.RegistryEvents.WithLabelValues("unregistered").Inc()
		m.forget(ev.PluginID)
	case entities.EventViolation:
		if v, ok := ev.Payload.(entities.Violation); ok {
			m.ViolationsTotal.WithLabelValues(string(v.Type), string(v.Severity)).Inc()
		}
	case entities.EventAudit:
		if e, ok := ev.Payload.(entities.AuditLogEntry); ok {
			m.AuditEntriesTotal.WithLabelValues(string(e.Result), strconv.FormatBool(e.Unauthorized)).Inc()
		}
	case entities.EventPluginError:
		if pe, ok := ev.Payload.(entities.PluginError); ok {
			m.PluginErrorsTotal.WithLabelValues(string(pe.Kind)).Inc()
		}
	case entities.EventPermissionGranted:
		m.PermissionChanges.WithLabelValues("granted").Inc()
	case entities.EventPermissionRevoked:
		m.PermissionChanges.WithLabelValues("revoked").Inc()
	}
}

func (m *Metrics) setState(pluginID string, to entities.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from, ok := m.states[pluginID]; ok {
		m.PluginsByState.WithLabelValues(from.String()).Dec()
	}
	m.states[pluginID] = to
	m.PluginsByState.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) forget(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from, ok := m.states[pluginID]; ok {
		m.PluginsByState.WithLabelValues(from.String()).Dec()
		delete(m.states, pluginID)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
