package registry

import (
	"sort"
	"strings"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
)

// SortField selects the ordering of search results.
type SortField string

const (
	SortByName         SortField = "name"
	SortByVersion      SortField = "version"
	SortByRegistered   SortField = "registered"
	SortByLastUsed     SortField = "lastUsed"
	SortByInstallCount SortField = "installCount"
	SortBySize         SortField = "size"
)

// Criteria filters and orders Search results. Zero values match everything.
type Criteria struct {
	Query      string
	Category   string
	Author     string
	Status     *entities.Status
	SortBy     SortField
	Descending bool
	Limit      int
}

// Search returns snapshots of the plugins matching c.
func (r *Registry) Search(c Criteria) []*entities.Plugin {
	query := strings.ToLower(strings.TrimSpace(c.Query))

	r.mu.RLock()
	var out []*entities.Plugin
	for _, id := range r.order {
		p := r.plugins[id]
		if matches(p, c, query) {
			out = append(out, p.Clone())
		}
	}
	r.mu.RUnlock()

	less := lessFunc(c.SortBy)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c.Descending {
			a, b = b, a
		}
		if cmp := less(a, b); cmp != 0 {
			return cmp < 0
		}
		return out[i].ID() < out[j].ID()
	})

	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out
}

func matches(p *entities.Plugin, c Criteria, query string) bool {
	if c.Category != "" && !strings.EqualFold(p.Metadata.Category, c.Category) {
		return false
	}
	if c.Author != "" && !strings.EqualFold(p.Manifest.Author, c.Author) {
		return false
	}
	if c.Status != nil && p.Status != *c.Status {
		return false
	}
	if query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(p.ID()), query) ||
		strings.Contains(strings.ToLower(p.Metadata.Description), query) {
		return true
	}
	for _, k := range p.Metadata.Keywords {
		if strings.Contains(strings.ToLower(k), query) {
			return true
		}
	}
	return false
}

func lessFunc(f SortField) func(a, b *entities.Plugin) int {
	switch f {
	case SortByVersion:
		return func(a, b *entities.Plugin) int {
			return semver.CompareStrings(a.Version(), b.Version())
		}
	case SortByRegistered:
		return func(a, b *entities.Plugin) int {
			return a.RegisteredAt.Compare(b.RegisteredAt)
		}
	case SortByLastUsed:
		return func(a, b *entities.Plugin) int {
			return a.LastUsedAt.Compare(b.LastUsedAt)
		}
	case SortByInstallCount:
		return func(a, b *entities.Plugin) int {
			return a.Metrics.InstallCount - b.Metrics.InstallCount
		}
	case SortBySize:
		return func(a, b *entities.Plugin) int {
			switch {
			case a.Manifest.Size < b.Manifest.Size:
				return -1
			case a.Manifest.Size > b.Manifest.Size:
				return 1
			}
			return 0
		}
	default:
		return func(a, b *entities.Plugin) int {
			return strings.Compare(a.ID(), b.ID())
		}
	}
}
