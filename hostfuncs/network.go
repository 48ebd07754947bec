package hostfuncs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FetchRequest is the payload of network.fetch.
type FetchRequest struct {
	Headers   map[string]string `json:"headers,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

// FetchResponse is the result of network.fetch.
type FetchResponse struct {
	Headers   map[string]string `json:"headers,omitempty"`
	Error     *FetchError       `json:"error,omitempty"`
	Body      string            `json:"body,omitempty"`
	Status    int               `json:"status"`
	LatencyMs int64             `json:"latency_ms"`
	Truncated bool              `json:"truncated,omitempty"`
}

// FetchError describes why a fetch failed.
type FetchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FetchError) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPOption configures network.fetch.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	timeout        time.Duration
	maxBodySize    int
	maxRedirects   int
	ssrfProtection bool
	netfilter      []NetfilterOption
	userAgent      string
}

func defaultHTTPConfig() httpConfig {
	return httpConfig{
		timeout:        30 * time.Second,
		maxBodySize:    DefaultMaxBodySize,
		maxRedirects:   5,
		ssrfProtection: true,
		userAgent:      "reglet-runtime",
	}
}

// WithHTTPRequestTimeout sets the upper bound of a fetch; requests may ask for less.
func WithHTTPRequestTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPMaxBodySize sets the maximum response body size.
func WithHTTPMaxBodySize(n int) HTTPOption {
	return func(c *httpConfig) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// WithHTTPMaxRedirects sets how many redirects are followed; 0 disables them.
func WithHTTPMaxRedirects(n int) HTTPOption {
	return func(c *httpConfig) {
		if n >= 0 {
			c.maxRedirects = n
		}
	}
}

// WithHTTPSSRFProtection enables/disables address filtering and DNS pinning.
// Default is enabled.
func WithHTTPSSRFProtection(enabled bool, opts ...NetfilterOption) HTTPOption {
	return func(c *httpConfig) {
		c.ssrfProtection = enabled
		c.netfilter = append(c.netfilter, opts...)
	}
}

// dnsPinningTransport resolves and validates the host once per request and
// dials the validated address, which defeats DNS rebinding.
type dnsPinningTransport struct {
	base      *http.Transport
	netfilter []NetfilterOption
}

func (t *dnsPinningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	hostname := req.URL.Hostname()
	result := ValidateHost(req.Context(), hostname, t.netfilter...)
	if !result.Allowed {
		return nil, &FetchError{Code: "SSRF_BLOCKED", Message: result.Reason}
	}

	port := req.URL.Port()
	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}

	pinned := t.base.Clone()
	pinned.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort(result.ResolvedIP, port))
	}
	if req.URL.Scheme == "https" {
		if pinned.TLSClientConfig == nil {
			pinned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		pinned.TLSClientConfig.ServerName = hostname
	}
	return pinned.RoundTrip(req)
}

// PerformFetch runs one network.fetch request. Only http and https URLs are
// accepted and the body is capped at the configured size.
func PerformFetch(ctx context.Context, req FetchRequest, opts ...HTTPOption) FetchResponse {
	cfg := defaultHTTPConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	u, ferr := parseFetchURL(req.URL)
	if ferr != nil {
		return FetchResponse{Error: ferr}
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := cfg.timeout
	if req.TimeoutMs > 0 && time.Duration(req.TimeoutMs)*time.Millisecond < timeout {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return FetchResponse{Error: &FetchError{Code: "INVALID_REQUEST", Message: err.Error()}}
	}
	httpReq.Header.Set("User-Agent", cfg.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := newHTTPClient(cfg).Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return FetchResponse{LatencyMs: latency.Milliseconds(), Error: classifyFetchError(ctx, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	buf := NewBoundedBuffer(cfg.maxBodySize)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return FetchResponse{
			Status:    resp.StatusCode,
			LatencyMs: latency.Milliseconds(),
			Error:     &FetchError{Code: "READ_BODY_FAILED", Message: err.Error()},
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return FetchResponse{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      buf.String(),
		Truncated: buf.Truncated,
		LatencyMs: latency.Milliseconds(),
	}
}

func parseFetchURL(raw string) (*url.URL, *FetchError) {
	if raw == "" {
		return nil, &FetchError{Code: "INVALID_REQUEST", Message: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &FetchError{Code: "INVALID_REQUEST", Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &FetchError{Code: "UNSUPPORTED_SCHEME", Message: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &FetchError{Code: "INVALID_REQUEST", Message: "url has no host"}
	}
	return u, nil
}

func newHTTPClient(cfg httpConfig) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	var rt http.RoundTripper = transport
	if cfg.ssrfProtection {
		rt = &dnsPinningTransport{base: transport, netfilter: cfg.netfilter}
	}
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if cfg.maxRedirects == 0 {
				return http.ErrUseLastResponse
			}
			if len(via) > cfg.maxRedirects {
				return &FetchError{Code: "TOO_MANY_REDIRECTS", Message: fmt.Sprintf("stopped after %d redirects", cfg.maxRedirects)}
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return &FetchError{Code: "UNSUPPORTED_SCHEME", Message: "redirect to " + req.URL.Scheme}
			}
			return nil
		},
	}
}

func classifyFetchError(ctx context.Context, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	code := "REQUEST_FAILED"
	var dnsErr *net.DNSError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = "TIMEOUT"
	case errors.As(err, &dnsErr):
		code = "HOST_NOT_FOUND"
	case strings.Contains(err.Error(), "connection refused"):
		code = "CONNECTION_REFUSED"
	}
	return &FetchError{Code: code, Message: err.Error()}
}
