package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	reglet "github.com/reglet-dev/reglet-runtime"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the runtime up, hot-reload file plugins and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch {
				a.watch = true
			}
			return a.withRuntime(cmd.Context(), func(rt *reglet.Runtime) error {
				return serveMetrics(cmd.Context(), rt, addr, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "127.0.0.1:9464", "listen address for /metrics")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload file-source plugins when they change")
	return cmd
}

func serveMetrics(ctx context.Context, rt *reglet.Runtime, addr string, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics().Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(a.out, "Serving %d plugins, metrics on http://%s/metrics\n", rt.Registry().Len(), addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
