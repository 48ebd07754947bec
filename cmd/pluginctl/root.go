package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	reglet "github.com/reglet-dev/reglet-runtime"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/infrastructure/prompter"
)

// app holds the global flags and streams shared by every subcommand.
type app struct {
	configPath string
	dataDir    string
	logLevel   string
	yes        bool
	watch      bool

	in  io.Reader
	out io.Writer
	err io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, err: errOut}
	cmd := &cobra.Command{
		Use:           "pluginctl",
		Short:         "Manage reglet plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "runtime configuration file")
	flags.StringVar(&a.dataDir, "data-dir", "", "override the configured data directory")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.BoolVarP(&a.yes, "yes", "y", false, "approve every consent request")

	cmd.AddCommand(
		a.installCmd(),
		a.updateCmd(),
		a.listCmd(),
		a.searchCmd(),
		a.infoCmd(),
		a.resolveCmd(),
		a.configCmd(),
		a.uninstallCmd(),
		a.runCmd(),
		a.reportCmd(),
		a.serveCmd(),
	)

	// Errors are printed once here so SilenceErrors does not hide them.
	for _, sub := range cmd.Commands() {
		run := sub.RunE
		sub.RunE = func(c *cobra.Command, args []string) error {
			err := run(c, args)
			if err != nil {
				_, _ = fmt.Fprintln(a.err, "Error:", err)
				if strings.EqualFold(a.logLevel, "debug") {
					_ = writeYAML(a.err, rterrors.ToErrorDetail(err))
				}
			}
			return err
		}
	}
	return cmd
}

func (a *app) config() (reglet.Config, error) {
	cfg := reglet.DefaultConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = reglet.LoadConfig(a.configPath); err != nil {
			return cfg, err
		}
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.watch {
		cfg.Watch.Enabled = true
	}
	return cfg, nil
}

func (a *app) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", a.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(a.err, &slog.HandlerOptions{Level: level})), nil
}

// open builds a runtime and restores the catalog into it. Restore failures
// are logged; the plugins that did come back stay usable.
func (a *app) open(ctx context.Context) (*reglet.Runtime, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	log, err := a.logger()
	if err != nil {
		return nil, err
	}
	var popts []prompter.PrompterOption
	if a.yes {
		popts = append(popts, prompter.WithNonInteractiveAnswer(true))
	}
	p := prompter.NewCliPrompter(a.in, a.out, popts...)

	rt, err := reglet.New(cfg,
		reglet.WithLogger(log),
		reglet.WithConsentProvider(p),
		reglet.WithUI(p),
	)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		log.WarnContext(ctx, "some plugins could not be restored", "error", err)
	}
	return rt, nil
}

// withRuntime opens a runtime for the duration of fn.
func (a *app) withRuntime(ctx context.Context, fn func(*reglet.Runtime) error) (err error) {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
