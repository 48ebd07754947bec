package entities

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a plugin lifecycle state.
type Status int

const (
	StatusInstalling Status = iota
	StatusInstalled
	StatusRegistered
	StatusLoading
	StatusLoaded
	StatusRunning
	StatusPaused
	StatusUninstalling
	StatusError
)

var statusNames = map[Status]string{
	StatusInstalling:   "installing",
	StatusInstalled:    "installed",
	StatusRegistered:   "registered",
	StatusLoading:      "loading",
	StatusLoaded:       "loaded",
	StatusRunning:      "running",
	StatusPaused:       "paused",
	StatusUninstalling: "uninstalling",
	StatusError:        "error",
}

// String returns the lowercase state name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a state name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown plugin status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsActive reports whether the plugin holds a live sandbox in this state.
func (s Status) IsActive() bool {
	return s == StatusLoaded || s == StatusRunning || s == StatusPaused
}

// ResourceLimits bounds one isolated execution context.
type ResourceLimits struct {
	ExecutionTimeout time.Duration `json:"executionTimeout" yaml:"execution_timeout" validate:"gte=0"`
	MemoryLimitBytes uint64        `json:"memoryLimitBytes" yaml:"memory_limit_bytes"`
	MaxCallDepth     int           `json:"maxCallDepth" yaml:"max_call_depth" validate:"gte=0"`
}

// Default resource limits.
const (
	DefaultExecutionTimeout = 5 * time.Second
	DefaultMemoryLimitBytes = 16 << 20
	DefaultMaxCallDepth     = 200
)

// DefaultResourceLimits returns the limits applied when a plugin sets none.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout: DefaultExecutionTimeout,
		MemoryLimitBytes: DefaultMemoryLimitBytes,
		MaxCallDepth:     DefaultMaxCallDepth,
	}
}

// WithDefaults fills zero fields from the given defaults.
func (l ResourceLimits) WithDefaults(d ResourceLimits) ResourceLimits {
	if l.ExecutionTimeout == 0 {
		l.ExecutionTimeout = d.ExecutionTimeout
	}
	if l.MemoryLimitBytes == 0 {
		l.MemoryLimitBytes = d.MemoryLimitBytes
	}
	if l.MaxCallDepth == 0 {
		l.MaxCallDepth = d.MaxCallDepth
	}
	return l
}

// PluginConfig is the host-side configuration of a registered plugin.
type PluginConfig struct {
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
	Limits   ResourceLimits `json:"limits" yaml:"limits"`
	Priority int            `json:"priority" yaml:"priority"`
	Enabled  bool           `json:"enabled" yaml:"enabled"`
}

// PluginMetadata holds the mutable descriptive fields of a plugin.
// It starts as a copy of the manifest fields and may be edited afterwards.
type PluginMetadata struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// PluginMetrics accumulates per-plugin counters.
type PluginMetrics struct {
	LoadCount        int           `json:"loadCount"`
	StartCount       int           `json:"startCount"`
	InvokeCount      int           `json:"invokeCount"`
	ErrorCount       int           `json:"errorCount"`
	InstallCount     int           `json:"installCount"`
	LastLoadDuration time.Duration `json:"lastLoadDuration"`
}

// ErrorKind classifies a PluginError.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindDependency ErrorKind = "dependency"
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindSecurity   ErrorKind = "security"
	ErrorKindExecution  ErrorKind = "execution"
	ErrorKindLifecycle  ErrorKind = "lifecycle"
)

// PluginError is one entry of a plugin's error log.
type PluginError struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Operation   string    `json:"operation,omitempty"`
	Recoverable bool      `json:"recoverable"`
}

// MaxPluginErrors caps the per-plugin error log.
const MaxPluginErrors = 100

// Plugin is the registered unit of an installed plugin version.
type Plugin struct {
	RegisteredAt time.Time      `json:"registeredAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	LastUsedAt   time.Time      `json:"lastUsedAt,omitempty"`
	Manifest     *Manifest      `json:"manifest"`
	Source       Source         `json:"source"`
	Metadata     PluginMetadata `json:"metadata"`
	Config       PluginConfig   `json:"config"`
	Errors       []PluginError  `json:"errors,omitempty"`
	Metrics      PluginMetrics  `json:"metrics"`
	Status       Status         `json:"status"`
}

// NewPlugin wraps a manifest into a plugin record with metadata copied from it.
func NewPlugin(m *Manifest, src Source, cfg PluginConfig) *Plugin {
	return &Plugin{
		Manifest: m,
		Source:   src,
		Config:   cfg,
		Metadata: PluginMetadata{
			Description: m.Description,
			Category:    m.Category,
			Keywords:    append([]string(nil), m.Keywords...),
		},
		Status: StatusInstalled,
	}
}

// ID returns the plugin id.
func (p *Plugin) ID() string {
	if p.Manifest == nil {
		return ""
	}
	return p.Manifest.Name
}

// Version returns the installed version.
func (p *Plugin) Version() string {
	if p.Manifest == nil {
		return ""
	}
	return p.Manifest.Version
}

// LastError returns the most recent error, if any.
func (p *Plugin) LastError() (PluginError, bool) {
	if len(p.Errors) == 0 {
		return PluginError{}, false
	}
	return p.Errors[len(p.Errors)-1], true
}

// Clone returns a deep copy of the plugin.
func (p *Plugin) Clone() *Plugin {
	if p == nil {
		return nil
	}
	c := *p
	c.Manifest = p.Manifest.Clone()
	c.Errors = append([]PluginError(nil), p.Errors...)
	c.Metadata.Keywords = append([]string(nil), p.Metadata.Keywords...)
	c.Metadata.Tags = append([]string(nil), p.Metadata.Tags...)
	c.Config.Settings = cloneSettings(p.Config.Settings)
	return &c
}

func cloneSettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	// JSON round trip gives a deep copy of arbitrary nested settings.
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}
