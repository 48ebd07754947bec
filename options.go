package reglet

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/infrastructure/fetcher"
)

type runtimeConfig struct {
	logger     *slog.Logger
	consent    ports.ConsentProvider
	ui         ports.UI
	httpClient *http.Client
	gitOpener  fetcher.RepositoryOpener
	prometheus *prometheus.Registry
	engines    []ports.Engine
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: fetcher.DefaultHTTPTimeout},
	}
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *runtimeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConsentProvider sets who answers sensitive permission requests and
// prompt rules. Without one they are refused.
func WithConsentProvider(p ports.ConsentProvider) Option {
	return func(c *runtimeConfig) {
		c.consent = p
	}
}

// WithUI backs the ui.* capability. Without one the capability is absent.
func WithUI(ui ports.UI) Option {
	return func(c *runtimeConfig) {
		c.ui = ui
	}
}

// WithHTTPClient sets the client used by the url and registry sources.
func WithHTTPClient(client *http.Client) Option {
	return func(c *runtimeConfig) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithGitOpener overrides how git sources are cloned.
func WithGitOpener(open fetcher.RepositoryOpener) Option {
	return func(c *runtimeConfig) {
		c.gitOpener = open
	}
}

// WithPrometheusRegistry registers the runtime metrics with r instead of a
// private registry.
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(c *runtimeConfig) {
		c.prometheus = r
	}
}

// WithEngines adds isolation engines next to the configured ones.
func WithEngines(engines ...ports.Engine) Option {
	return func(c *runtimeConfig) {
		c.engines = append(c.engines, engines...)
	}
}
