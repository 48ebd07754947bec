// Package resolver builds the dependency graph of registered manifests and
// computes install order, missing dependencies and conflicts.
package resolver

import (
	"fmt"
	"slices"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
)

// ManifestSource exposes registered manifests to the resolver.
type ManifestSource interface {
	Manifest(id string) (*entities.Manifest, bool)
	Manifests() []*entities.Manifest
}

// CapabilityPredicate reports whether the host provides a non-plugin dependency.
type CapabilityPredicate func(dep entities.Dependency) bool

// Resolution is the result of resolving one plugin.
type Resolution struct {
	// Resolved lists plugin ids in install order, dependencies first.
	Resolved  []string
	Missing   []entities.MissingDependency
	Conflicts []entities.Conflict
}

// Blocking reports whether the plugin cannot be installed as resolved.
func (r *Resolution) Blocking() bool {
	if len(r.Conflicts) > 0 {
		return true
	}
	for _, m := range r.Missing {
		if m.Required {
			return true
		}
	}
	return false
}

// RequiredMissing returns the missing dependencies that are required.
func (r *Resolution) RequiredMissing() []entities.MissingDependency {
	var out []entities.MissingDependency
	for _, m := range r.Missing {
		if m.Required {
			out = append(out, m)
		}
	}
	return out
}

// Err returns a DependencyError when the resolution is blocking.
func (r *Resolution) Err(pluginID string) error {
	if !r.Blocking() {
		return nil
	}
	return &errors.DependencyError{
		PluginID:  pluginID,
		Missing:   r.RequiredMissing(),
		Conflicts: r.Conflicts,
	}
}

// RemovalAnalysis tells whether a plugin can be removed.
type RemovalAnalysis struct {
	// Blocking lists plugins with a required dependency on the plugin.
	Blocking []string
	// Optional lists plugins with an optional dependency on the plugin.
	Optional []string
	Safe     bool
}

// Option configures a Resolver.
type Option func(*resolverConfig)

type resolverConfig struct {
	available CapabilityPredicate
}

func defaultResolverConfig() resolverConfig {
	return resolverConfig{
		available: func(entities.Dependency) bool { return false },
	}
}

// WithCapabilityPredicate sets the check for package and capability dependencies.
// The default predicate reports every such dependency as unavailable.
func WithCapabilityPredicate(p CapabilityPredicate) Option {
	return func(c *resolverConfig) {
		if p != nil {
			c.available = p
		}
	}
}

// Resolver computes dependency resolutions. It keeps no state of its own;
// every call reads the current manifests from the source.
type Resolver struct {
	source ManifestSource
	config resolverConfig
}

// New creates a Resolver over source.
func New(source ManifestSource, opts ...Option) *Resolver {
	cfg := defaultResolverConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{source: source, config: cfg}
}

// Resolve resolves a registered plugin.
func (r *Resolver) Resolve(pluginID string) (*Resolution, error) {
	m, ok := r.source.Manifest(pluginID)
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", pluginID, errors.ErrNotFound)
	}
	return r.ResolveManifest(m), nil
}

// ResolveManifest resolves a candidate manifest against the registered ones.
// The candidate takes precedence over a registered manifest with the same id.
func (r *Resolver) ResolveManifest(root *entities.Manifest) *Resolution {
	g := &graph{
		resolver: r,
		root:     root,
		color:    make(map[string]color),
		edges:    make(map[string][]string),
		missing:  make(map[string]bool),
		res:      &Resolution{},
	}
	g.visit(root, []string{root.Name})
	g.res.Resolved = g.order()
	return g.res
}

type color int

const (
	white color = iota
	gray
	black
)

type graph struct {
	resolver *Resolver
	root     *entities.Manifest
	color    map[string]color
	// nodes in discovery order
	nodes []string
	// edges maps a dependency to the plugins depending on it, in discovery order.
	edges   map[string][]string
	indeg   map[string]int
	missing map[string]bool
	res     *Resolution
}

func (g *graph) lookup(id string) (*entities.Manifest, bool) {
	if id == g.root.Name {
		return g.root, true
	}
	return g.resolver.source.Manifest(id)
}

func (g *graph) visit(m *entities.Manifest, path []string) {
	id := m.Name
	g.color[id] = gray
	g.nodes = append(g.nodes, id)

	for _, dep := range m.Dependencies {
		if dep.EffectiveKind() != entities.DependencyPlugin {
			if !g.resolver.config.available(dep) {
				g.addMissing(id, dep)
			}
			continue
		}

		depManifest, ok := g.lookup(dep.ID)
		if !ok {
			g.addMissing(id, dep)
			continue
		}
		if !semver.Satisfies(depManifest.Version, dep.VersionRange) {
			g.res.Conflicts = append(g.res.Conflicts, entities.Conflict{
				Dependent:    id,
				DependencyID: dep.ID,
				Reason:       entities.ConflictVersion,
				Required:     dep.VersionRange,
				Found:        depManifest.Version,
			})
			continue
		}

		g.edges[dep.ID] = append(g.edges[dep.ID], id)
		switch g.color[dep.ID] {
		case gray:
			g.res.Conflicts = append(g.res.Conflicts, entities.Conflict{
				Dependent:    id,
				DependencyID: dep.ID,
				Reason:       entities.ConflictCyclic,
				Cycle:        cyclePath(path, dep.ID),
			})
		case white:
			g.visit(depManifest, append(slices.Clone(path), dep.ID))
		}
	}

	g.color[id] = black
}

func (g *graph) addMissing(dependent string, dep entities.Dependency) {
	key := dependent + "\x00" + dep.ID
	if g.missing[key] {
		return
	}
	g.missing[key] = true
	g.res.Missing = append(g.res.Missing, entities.MissingDependency{
		Dependent:    dependent,
		ID:           dep.ID,
		VersionRange: dep.VersionRange,
		Kind:         dep.EffectiveKind(),
		Required:     dep.Required,
	})
}

// cyclePath returns the part of path starting at target, closed with target.
func cyclePath(path []string, target string) []string {
	i := slices.Index(path, target)
	if i < 0 {
		return []string{target}
	}
	cycle := slices.Clone(path[i:])
	return append(cycle, target)
}

// order runs Kahn's algorithm over the traversed nodes. Nodes on a cycle, and
// every node depending on one, never reach in-degree zero and are left out.
func (g *graph) order() []string {
	g.indeg = make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		g.indeg[n] += 0
	}
	for _, dependents := range g.edges {
		for _, d := range dependents {
			g.indeg[d]++
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		if g.indeg[n] == 0 {
			queue = append(queue, n)
		}
	}

	resolved := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		resolved = append(resolved, n)
		for _, d := range g.edges[n] {
			g.indeg[d]--
			if g.indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return resolved
}

// AnalyzeRemoval reports whether removing pluginID would break a registered
// plugin that requires it.
func (r *Resolver) AnalyzeRemoval(pluginID string) RemovalAnalysis {
	var a RemovalAnalysis
	for _, m := range r.source.Manifests() {
		if m.Name == pluginID {
			continue
		}
		for _, dep := range m.PluginDependencies() {
			if dep.ID != pluginID {
				continue
			}
			if dep.Required {
				a.Blocking = append(a.Blocking, m.Name)
			} else {
				a.Optional = append(a.Optional, m.Name)
			}
		}
	}
	slices.Sort(a.Blocking)
	a.Blocking = slices.Compact(a.Blocking)
	slices.Sort(a.Optional)
	a.Optional = slices.Compact(a.Optional)
	a.Safe = len(a.Blocking) == 0
	return a
}

// Dependents returns the registered plugins that declare any plugin
// dependency on pluginID, sorted.
func (r *Resolver) Dependents(pluginID string) []string {
	a := r.AnalyzeRemoval(pluginID)
	out := append(slices.Clone(a.Blocking), a.Optional...)
	slices.Sort(out)
	return slices.Compact(out)
}

// InstallOrder orders a set of manifests so that each comes after its plugin
// dependencies within the set. Manifests in a cycle are returned last in
// input order. Used when restoring a catalog.
func InstallOrder(manifests []*entities.Manifest) []*entities.Manifest {
	byID := make(map[string]*entities.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.Name] = m
	}
	indeg := make(map[string]int, len(manifests))
	dependents := make(map[string][]string)
	for _, m := range manifests {
		indeg[m.Name] += 0
		for _, dep := range m.PluginDependencies() {
			if _, ok := byID[dep.ID]; !ok || dep.ID == m.Name {
				continue
			}
			indeg[m.Name]++
			dependents[dep.ID] = append(dependents[dep.ID], m.Name)
		}
	}

	var queue []string
	for _, m := range manifests {
		if indeg[m.Name] == 0 {
			queue = append(queue, m.Name)
		}
	}
	out := make([]*entities.Manifest, 0, len(manifests))
	done := make(map[string]bool, len(manifests))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, byID[id])
		done[id] = true
		for _, d := range dependents[id] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	for _, m := range manifests {
		if !done[m.Name] {
			out = append(out, m)
		}
	}
	return out
}
