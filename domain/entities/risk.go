package entities

import (
	"fmt"
	"slices"
	"strings"
)

// RiskLevel represents the security risk of a set of requested permissions.
type RiskLevel int

const (
	RiskLevelLow    RiskLevel = iota // Non-sensitive permissions only
	RiskLevelMedium                  // One sensitive permission
	RiskLevelHigh                    // Several sensitive or explicitly dangerous permissions
)

// String returns the human-readable name of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLevelLow:
		return "Low"
	case RiskLevelMedium:
		return "Medium"
	case RiskLevelHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// ParseRiskLevel parses "low", "medium" or "high" (case-insensitive).
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLevelLow, nil
	case "medium":
		return RiskLevelMedium, nil
	case "high", "":
		return RiskLevelHigh, nil
	default:
		return RiskLevelHigh, fmt.Errorf("unknown risk level %q", s)
	}
}

// riskAssessorConfig holds configuration for the RiskAssessor.
type riskAssessorConfig struct {
	dangerous          []string
	sensitiveThreshold int
}

func defaultRiskAssessorConfig() riskAssessorConfig {
	return riskAssessorConfig{
		sensitiveThreshold: 2,
	}
}

// RiskAssessorOption configures a RiskAssessor instance.
type RiskAssessorOption func(*riskAssessorConfig)

// WithDangerousPermissions marks permission ids that are High risk on their own.
func WithDangerousPermissions(ids ...string) RiskAssessorOption {
	return func(c *riskAssessorConfig) {
		c.dangerous = append(c.dangerous, ids...)
	}
}

// WithSensitiveThreshold sets how many sensitive permissions make a request High risk.
func WithSensitiveThreshold(n int) RiskAssessorOption {
	return func(c *riskAssessorConfig) {
		if n > 0 {
			c.sensitiveThreshold = n
		}
	}
}

// RiskAssessor evaluates the security risk of the permissions a manifest requests.
type RiskAssessor struct {
	config riskAssessorConfig
}

// NewRiskAssessor creates a new RiskAssessor with the given options.
func NewRiskAssessor(opts ...RiskAssessorOption) *RiskAssessor {
	cfg := defaultRiskAssessorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RiskAssessor{config: cfg}
}

// Assess returns the risk of the requested permissions. lookup resolves a
// permission id to its definition; unknown permissions count as High risk.
func (r *RiskAssessor) Assess(reqs []PermissionRequest, lookup func(id string) (Permission, bool)) RiskLevel {
	sensitive := 0
	for _, req := range reqs {
		if slices.Contains(r.config.dangerous, req.ID) {
			return RiskLevelHigh
		}
		def, ok := lookup(req.ID)
		if !ok {
			return RiskLevelHigh
		}
		if def.Sensitive {
			sensitive++
		}
	}
	switch {
	case sensitive >= r.config.sensitiveThreshold:
		return RiskLevelHigh
	case sensitive > 0:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// DescribeRisks returns a list of human-readable risk descriptions.
func (r *RiskAssessor) DescribeRisks(reqs []PermissionRequest, lookup func(id string) (Permission, bool)) []string {
	var risks []string
	for _, req := range reqs {
		def, ok := lookup(req.ID)
		switch {
		case !ok:
			risks = append(risks, fmt.Sprintf("Requests unknown permission %q (High Risk)", req.ID))
		case slices.Contains(r.config.dangerous, req.ID):
			risks = append(risks, fmt.Sprintf("%s (High Risk)", def.Description))
		case def.Sensitive:
			risks = append(risks, def.Description)
		}
	}
	return risks
}
