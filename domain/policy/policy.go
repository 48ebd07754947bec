// Package policy compiles security policies and matches API names and
// resource identifiers against their rules.
package policy

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// GlobPrefix marks a rule pattern as a doublestar glob instead of a regex.
const GlobPrefix = "glob:"

// matcher tests a subject against one rule pattern.
type matcher func(subject string) bool

type compiledRule struct {
	rule  entities.Rule
	match matcher
}

// Compiled is a policy whose patterns are ready to match.
type Compiled struct {
	policy entities.SecurityPolicy
	rules  []compiledRule

	mu         sync.RWMutex
	exceptions map[string]bool
}

// Compile checks every pattern of p and prepares it for matching.
func Compile(p entities.SecurityPolicy) (*Compiled, error) {
	c := &Compiled{
		policy:     p,
		exceptions: make(map[string]bool, len(p.Exceptions)),
	}
	for _, id := range p.Exceptions {
		c.exceptions[id] = true
	}
	for _, r := range p.Rules {
		m, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy %q rule %q: %w", p.Name, r.ID, err)
		}
		c.rules = append(c.rules, compiledRule{rule: r, match: m})
	}
	return c, nil
}

func compilePattern(pattern string) (matcher, error) {
	if glob, ok := strings.CutPrefix(pattern, GlobPrefix); ok {
		if !doublestar.ValidatePattern(glob) {
			return nil, fmt.Errorf("invalid glob %q", glob)
		}
		return func(s string) bool {
			matched, _ := doublestar.Match(glob, s)
			return matched
		}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// Name returns the policy name.
func (c *Compiled) Name() string {
	return c.policy.Name
}

// Policy returns the source policy including exceptions added later.
func (c *Compiled) Policy() entities.SecurityPolicy {
	p := c.policy
	p.Rules = slices.Clone(c.policy.Rules)
	p.Exceptions = c.Exceptions()
	return p
}

// AddException exempts a plugin from this policy.
func (c *Compiled) AddException(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptions[pluginID] = true
}

// Excepts reports whether the plugin is exempt.
func (c *Compiled) Excepts(pluginID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exceptions[pluginID]
}

// Exceptions returns the exempt plugin ids, sorted.
func (c *Compiled) Exceptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.exceptions))
	for id := range c.exceptions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// MatchAPI returns the first api rule matching the api name.
func (c *Compiled) MatchAPI(api string) (entities.Rule, bool) {
	for _, cr := range c.rules {
		if cr.rule.Kind == entities.RuleKindAPI && cr.match(api) {
			return cr.rule, true
		}
	}
	return entities.Rule{}, false
}

// MatchResource returns the first resource rule for resourceType matching
// resource. Rules without a resource type apply to every type.
func (c *Compiled) MatchResource(resourceType, resource string) (entities.Rule, bool) {
	for _, cr := range c.rules {
		if cr.rule.Kind != entities.RuleKindResource {
			continue
		}
		if cr.rule.ResourceType != "" && cr.rule.ResourceType != resourceType {
			continue
		}
		if cr.match(resource) {
			return cr.rule, true
		}
	}
	return entities.Rule{}, false
}

// SafeRelativePath reports whether p is a relative path that stays inside
// its root once cleaned.
func SafeRelativePath(p string) bool {
	if p == "" || strings.ContainsRune(p, '\\') || strings.ContainsRune(p, 0) {
		return false
	}
	if path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
