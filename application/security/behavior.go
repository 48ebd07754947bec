package security

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/internal/auditlog"
)

// Capability host API names the behavior matchers know about.
const (
	APIStorageClear = "storage.clear"
	APIStorageKeys  = "storage.keys"
	APINetworkFetch = "network.fetch"
)

var (
	dynamicEvalRe    = regexp.MustCompile(`\b(eval|Function|loadstring|dofile|setTimeout)\s*\(`)
	navigationHijack = regexp.MustCompile(`(?i)(window\.location|document\.location|top\.location|location\.href\s*=|javascript:)`)
)

// behaviorMatcher inspects trace[i] in the light of the records before it.
type behaviorMatcher struct {
	name     string
	severity entities.Severity
	match    func(trace []entities.BehaviorRecord, i int) (string, bool)
}

var behaviorMatchers = []behaviorMatcher{
	{
		name:     "storage-clear",
		severity: entities.SeverityHigh,
		match: func(trace []entities.BehaviorRecord, i int) (string, bool) {
			return "cleared all plugin storage", trace[i].API == APIStorageClear
		},
	},
	{
		name:     "dynamic-eval",
		severity: entities.SeverityCritical,
		match: func(trace []entities.BehaviorRecord, i int) (string, bool) {
			r := trace[i]
			if r.API == "eval" || strings.HasSuffix(r.API, ".eval") {
				return "evaluated dynamic code", true
			}
			return "passed dynamically evaluated code", dynamicEvalRe.MatchString(r.Detail)
		},
	},
	{
		name:     "navigation-hijack",
		severity: entities.SeverityHigh,
		match: func(trace []entities.BehaviorRecord, i int) (string, bool) {
			return "attempted to redirect the host", navigationHijack.MatchString(trace[i].Detail)
		},
	},
	{
		name:     "key-exfiltration",
		severity: entities.SeverityMedium,
		match: func(trace []entities.BehaviorRecord, i int) (string, bool) {
			if trace[i].API != APINetworkFetch {
				return "", false
			}
			for j := i - 1; j >= 0; j-- {
				switch trace[j].API {
				case APIStorageKeys:
					return "sent a network request after enumerating storage keys", true
				case APINetworkFetch:
					return "", false
				}
			}
			return "", false
		},
	},
	{
		name:     "raw-ip-target",
		severity: entities.SeverityMedium,
		match: func(trace []entities.BehaviorRecord, i int) (string, bool) {
			r := trace[i]
			if r.API != APINetworkFetch {
				return "", false
			}
			u, err := url.Parse(r.Detail)
			if err != nil {
				return "", false
			}
			return "contacted a raw IP address", net.ParseIP(u.Hostname()) != nil
		},
	},
}

// RecordCall appends a call to the plugin's bounded trace and checks it
// against the behavior matchers. Violations found are recorded and returned.
func (m *Manager) RecordCall(pluginID, api, detail string) []entities.Violation {
	rec := entities.BehaviorRecord{Timestamp: m.cfg.now(), API: api, Detail: detail}

	m.traceMu.Lock()
	log, ok := m.traces[pluginID]
	if !ok {
		log = auditlog.New[entities.BehaviorRecord](m.cfg.traceSize)
		m.traces[pluginID] = log
	}
	log.Append(rec)
	trace := log.Last(0)
	m.traceMu.Unlock()

	return m.record(pluginID, detect(trace, len(trace)-1))
}

// Trace returns the recorded calls of a plugin, oldest first.
func (m *Manager) Trace(pluginID string) []entities.BehaviorRecord {
	m.traceMu.Lock()
	log, ok := m.traces[pluginID]
	m.traceMu.Unlock()
	if !ok {
		return nil
	}
	return log.Last(0)
}

// AnalyzeBehavior runs every matcher over trace and records what it finds.
func (m *Manager) AnalyzeBehavior(pluginID string, trace []entities.BehaviorRecord) []entities.Violation {
	var found []entities.Violation
	for i := range trace {
		found = append(found, detect(trace, i)...)
	}
	return m.record(pluginID, found)
}

func detect(trace []entities.BehaviorRecord, i int) []entities.Violation {
	if i < 0 || i >= len(trace) {
		return nil
	}
	var out []entities.Violation
	for _, bm := range behaviorMatchers {
		desc, ok := bm.match(trace, i)
		if !ok {
			continue
		}
		out = append(out, entities.Violation{
			Type:        entities.ViolationBehavior,
			Severity:    bm.severity,
			RuleID:      bm.name,
			Subject:     trace[i].API,
			Description: desc,
		})
	}
	return out
}

func (m *Manager) record(pluginID string, found []entities.Violation) []entities.Violation {
	out := make([]entities.Violation, 0, len(found))
	for _, v := range found {
		v.PluginID = pluginID
		out = append(out, m.recordViolation(v))
	}
	return out
}
