package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	reglet "github.com/reglet-dev/reglet-runtime"
	"github.com/reglet-dev/reglet-runtime/application/registry"
	"github.com/reglet-dev/reglet-runtime/application/security"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/infrastructure/fetcher"
)

func (a *app) listCmd() *cobra.Command {
	var (
		status string
		c      registry.Criteria
		sortBy string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed plugins",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				s, err := entities.ParseStatus(status)
				if err != nil {
					return err
				}
				c.Status = &s
			}
			c.SortBy = registry.SortField(sortBy)
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				a.printPlugins(rt.Registry().Search(c))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only plugins in this state")
	f.StringVar(&c.Category, "category", "", "only plugins in this category")
	f.StringVar(&sortBy, "sort", string(registry.SortByName), "sort field: name, version, registered, lastUsed, installCount, size")
	f.BoolVar(&c.Descending, "desc", false, "reverse the order")
	return cmd
}

func (a *app) printPlugins(plugins []*entities.Plugin) {
	if len(plugins) == 0 {
		_, _ = fmt.Fprintln(a.out, "No plugins found.")
		return
	}
	tw := newTable(a.out, "NAME", "VERSION", "STATUS", "SOURCE", "DESCRIPTION")
	for _, p := range plugins {
		row(tw, p.ID(), p.Version(), p.Status, p.Source.Kind, orDash(p.Metadata.Description))
	}
	_ = tw.Flush()
}

func (a *app) searchCmd() *cobra.Command {
	var (
		remote bool
		c      registry.Criteria
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search installed plugins, or the plugin registry with --remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return a.searchRemote(cmd, args[0])
			}
			c.Query = args[0]
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				a.printPlugins(rt.Registry().Search(c))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&remote, "remote", false, "look the name up in the configured registry")
	f.StringVar(&c.Author, "author", "", "only plugins by this author")
	f.IntVar(&c.Limit, "limit", 0, "maximum number of results")
	return cmd
}

func (a *app) searchRemote(cmd *cobra.Command, name string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if cfg.Registry.URL == "" {
		return fmt.Errorf("no registry configured")
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reg, err := fetcher.NewRegistryFetcher(cfg.Registry.URL, &http.Client{Timeout: timeout})
	if err != nil {
		return err
	}
	index, err := reg.Index(cmd.Context(), name)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.out, "%s: %s\n", index.Name, strings.Join(index.Versions, ", "))
	return nil
}

// pluginInfo is the YAML view printed by info.
type pluginInfo struct {
	Name         string                 `yaml:"name"`
	Version      string                 `yaml:"version"`
	Author       string                 `yaml:"author"`
	Description  string                 `yaml:"description,omitempty"`
	Status       entities.Status        `yaml:"status"`
	Source       entities.Source        `yaml:"source"`
	Main         string                 `yaml:"main,omitempty"`
	Permissions  []string               `yaml:"permissions,omitempty"`
	Dependencies []entities.Dependency  `yaml:"dependencies,omitempty"`
	Dependents   []string               `yaml:"dependents,omitempty"`
	Metrics      entities.PluginMetrics `yaml:"metrics"`
	LastError    string                 `yaml:"lastError,omitempty"`
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show details of an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				p, err := rt.Registry().Get(args[0])
				if err != nil {
					return err
				}
				info := pluginInfo{
					Name:         p.ID(),
					Version:      p.Version(),
					Author:       p.Manifest.Author,
					Description:  p.Metadata.Description,
					Status:       p.Status,
					Source:       p.Source,
					Main:         p.Manifest.Main,
					Permissions:  rt.Permissions().Granted(p.ID()),
					Dependencies: p.Manifest.Dependencies,
					Dependents:   rt.Resolver().Dependents(p.ID()),
					Metrics:      p.Metrics,
				}
				if last, ok := p.LastError(); ok {
					info.LastError = last.Message
				}
				return writeYAML(a.out, info)
			})
		},
	}
}

func (a *app) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve the dependency graph of an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				res, err := rt.Resolver().Resolve(args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.out, "Install order: %s\n", strings.Join(res.Resolved, " -> "))
				for _, m := range res.Missing {
					kind := "optional"
					if m.Required {
						kind = "required"
					}
					_, _ = fmt.Fprintf(a.out, "Missing %s %s %s (needed by %s)\n", kind, m.ID, orDash(m.VersionRange), m.Dependent)
				}
				for _, c := range res.Conflicts {
					detail := c.Required
					if len(c.Cycle) > 0 {
						detail = strings.Join(c.Cycle, " -> ")
					}
					_, _ = fmt.Fprintf(a.out, "Conflict %s: %s on %s %s\n", c.Reason, c.Dependent, c.DependencyID, detail)
				}
				if res.Blocking() {
					return res.Err(args[0])
				}
				return nil
			})
		},
	}
}

// runtimeReport is the YAML view printed by report.
type runtimeReport struct {
	Security    security.Report `yaml:"security"`
	Permissions any             `yaml:"permissions,omitempty"`
}

func (a *app) reportCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "report [id]",
		Short: "Print the security and permission report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				if id != "" && !rt.Registry().Has(id) {
					_, err := rt.Registry().Get(id)
					return err
				}
				r := runtimeReport{Security: rt.Security().Report(id, limit)}
				if id == "" {
					r.Permissions = rt.Permissions().Report()
				} else {
					r.Permissions = rt.Permissions().Granted(id)
				}
				return writeYAML(a.out, r)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum audit entries and violations listed")
	return cmd
}
