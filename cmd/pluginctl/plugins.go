package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	reglet "github.com/reglet-dev/reglet-runtime"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// sourceKind guesses where ref lives when --source is not given.
func sourceKind(ref string) entities.SourceKind {
	switch {
	case strings.HasSuffix(ref, ".git") || strings.HasPrefix(ref, "git@"):
		return entities.SourceGit
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return entities.SourceURL
	}
	if _, err := os.Stat(ref); err == nil {
		return entities.SourceFile
	}
	return entities.SourceRegistry
}

func (a *app) installCmd() *cobra.Command {
	var (
		source string
		opts   entities.InstallOptions
	)
	cmd := &cobra.Command{
		Use:   "install <ref>",
		Short: "Install a plugin from a directory, URL, git repository or registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Ref = args[0]
			opts.Source = entities.SourceKind(source)
			if source == "" {
				opts.Source = sourceKind(args[0])
			}
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				p, err := rt.Lifecycle().Install(cmd.Context(), opts)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.out, "Installed %s@%s (%s)\n", p.ID(), p.Version(), p.Status)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&source, "source", "", "source kind: file, url, git or registry")
	f.StringVar(&opts.Version, "version", "", "version or range to install")
	f.StringSliceVar(&opts.Permissions, "permission", nil, "extra permission to grant (repeatable)")
	f.BoolVar(&opts.AutoStart, "start", false, "start the plugin after install")
	f.BoolVar(&opts.Overwrite, "overwrite", false, "update the plugin if it is already installed")
	f.BoolVar(&opts.Validate, "validate", false, "run schema and signature checks")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var opts entities.UpdateOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a plugin from its original source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				p, err := rt.Lifecycle().Update(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.out, "Updated %s to %s\n", p.ID(), p.Version())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Version, "version", "", "version or range to update to")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	var (
		limits   entities.ResourceLimits
		priority int
		enabled  bool
		settings map[string]string
		reload   bool
	)
	cmd := &cobra.Command{
		Use:   "config <id>",
		Short: "Show or change a plugin's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				p, err := rt.Registry().Get(args[0])
				if err != nil {
					return err
				}
				cfg := p.Config
				flags := cmd.Flags()
				if !flags.Changed("timeout") && !flags.Changed("memory") && !flags.Changed("call-depth") &&
					!flags.Changed("priority") && !flags.Changed("enabled") && !flags.Changed("set") {
					return writeYAML(a.out, cfg)
				}
				if flags.Changed("timeout") {
					cfg.Limits.ExecutionTimeout = limits.ExecutionTimeout
				}
				if flags.Changed("memory") {
					cfg.Limits.MemoryLimitBytes = limits.MemoryLimitBytes
				}
				if flags.Changed("call-depth") {
					cfg.Limits.MaxCallDepth = limits.MaxCallDepth
				}
				if flags.Changed("priority") {
					cfg.Priority = priority
				}
				if flags.Changed("enabled") {
					cfg.Enabled = enabled
				}
				if len(settings) > 0 {
					merged := make(map[string]any, len(cfg.Settings)+len(settings))
					for k, v := range cfg.Settings {
						merged[k] = v
					}
					for k, v := range settings {
						merged[k] = v
					}
					cfg.Settings = merged
				}

				p, err = rt.Lifecycle().Configure(cmd.Context(), p.ID(), cfg)
				if err != nil {
					return err
				}
				if reload && p.Status.IsActive() {
					if err := rt.Lifecycle().Reload(cmd.Context(), p.ID()); err != nil {
						return err
					}
				}
				return writeYAML(a.out, p.Config)
			})
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&limits.ExecutionTimeout, "timeout", 0, "execution timeout per call")
	flags.Uint64Var(&limits.MemoryLimitBytes, "memory", 0, "memory limit in bytes")
	flags.IntVar(&limits.MaxCallDepth, "call-depth", 0, "maximum call depth")
	flags.IntVar(&priority, "priority", 0, "plugin priority")
	flags.BoolVar(&enabled, "enabled", true, "whether the plugin is enabled")
	flags.StringToStringVar(&settings, "set", nil, "plugin setting as key=value (repeatable)")
	flags.BoolVar(&reload, "reload", false, "reload an active plugin so new limits apply")
	return cmd
}

func (a *app) uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a plugin nothing depends on",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				if err := rt.Lifecycle().Uninstall(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.out, "Uninstalled %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id> <function> [json-payload]",
		Short: "Start a plugin and call one of its functions",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, function := args[0], args[1]
			var payload []byte
			if len(args) == 3 {
				payload = []byte(args[2])
			}
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				return invoke(cmd.Context(), rt, id, function, payload, a.out)
			})
		},
	}
}

func invoke(ctx context.Context, rt *reglet.Runtime, id, function string, payload []byte, out io.Writer) error {
	lc := rt.Lifecycle()
	if err := lc.Load(ctx, id); err != nil {
		return err
	}
	inst, err := lc.Start(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lc.StopInstance(context.WithoutCancel(ctx), inst.ID) }()

	result, err := lc.Invoke(ctx, id, function, payload)
	if err != nil {
		return err
	}
	if len(result) > 0 {
		_, _ = fmt.Fprintln(out, string(result))
	}
	return nil
}
