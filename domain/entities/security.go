package entities

import "time"

// RuleKind selects what a rule is matched against.
type RuleKind string

const (
	RuleKindAPI      RuleKind = "api"
	RuleKindResource RuleKind = "resource"
)

// RuleAction is the decision of a matching rule.
type RuleAction string

const (
	ActionAllow  RuleAction = "allow"
	ActionDeny   RuleAction = "deny"
	ActionPrompt RuleAction = "prompt"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule is one ordered pattern of a security policy.
// Pattern is a regular expression, or a doublestar glob when prefixed with "glob:".
type Rule struct {
	ID           string     `json:"id" yaml:"id" validate:"required"`
	Kind         RuleKind   `json:"kind" yaml:"kind" validate:"required,oneof=api resource"`
	ResourceType string     `json:"resourceType,omitempty" yaml:"resource_type,omitempty"`
	Pattern      string     `json:"pattern" yaml:"pattern" validate:"required"`
	Action       RuleAction `json:"action" yaml:"action" validate:"required,oneof=allow deny prompt"`
	Severity     Severity   `json:"severity,omitempty" yaml:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// SecurityPolicy is a named group of rules with per-plugin exceptions.
type SecurityPolicy struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	Rules      []Rule   `json:"rules" yaml:"rules" validate:"dive"`
	Exceptions []string `json:"exceptions,omitempty" yaml:"exceptions,omitempty"`
}

// ViolationType classifies a violation.
type ViolationType string

const (
	ViolationAPI      ViolationType = "api"
	ViolationResource ViolationType = "resource"
	ViolationBehavior ViolationType = "behavior"
)

// Violation is a detected breach of a rule or behavior heuristic.
type Violation struct {
	Timestamp   time.Time     `json:"timestamp"`
	ID          string        `json:"id"`
	PluginID    string        `json:"pluginId"`
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	RuleID      string        `json:"ruleId,omitempty"`
	Subject     string        `json:"subject"`
	Description string        `json:"description"`
}

// BehaviorRecord is one call observed from a plugin.
type BehaviorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	API       string    `json:"api"`
	Detail    string    `json:"detail,omitempty"`
}
