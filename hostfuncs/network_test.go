package hostfuncs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLookup(addrs ...string) NetfilterOption {
	return WithLookup(func(context.Context, string) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	})
}

func TestValidateHost(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		opts    []NetfilterOption
		allowed bool
		reason  string
	}{
		{name: "public literal", host: "93.184.216.34", allowed: true},
		{name: "loopback literal", host: "127.0.0.1", reason: "loopback"},
		{name: "bracketed ipv6 loopback", host: "[::1]", reason: "loopback"},
		{name: "private literal", host: "10.1.2.3", reason: "private"},
		{name: "link-local metadata", host: "169.254.169.254", reason: "link-local"},
		{name: "unspecified always blocked", host: "0.0.0.0", opts: []NetfilterOption{WithBlockPrivate(false)}, reason: "unspecified"},
		{name: "private allowed when disabled", host: "192.168.1.1", opts: []NetfilterOption{WithBlockPrivate(false)}, allowed: true},
		{name: "name resolving to public", host: "api.example.com", opts: []NetfilterOption{staticLookup("93.184.216.34")}, allowed: true},
		{name: "name with one private address", host: "rebind.example.com", opts: []NetfilterOption{staticLookup("93.184.216.34", "10.0.0.1")}, reason: "private"},
		{name: "allowlisted internal host", host: "svc.internal.example.com", opts: []NetfilterOption{staticLookup("10.0.0.7"), WithAllowedHosts("*.internal.example.com")}, allowed: true},
		{name: "blocklisted host", host: "tracker.ads.example", opts: []NetfilterOption{staticLookup("93.184.216.34"), WithBlockedHosts("*.ads.example")}, reason: "blocked"},
		{name: "empty host", host: "", reason: "empty"},
		{
			name: "dns failure",
			host: "nowhere.invalid",
			opts: []NetfilterOption{WithLookup(func(context.Context, string) ([]netip.Addr, error) {
				return nil, errors.New("no such host")
			})},
			reason: "DNS resolution failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateHost(context.Background(), tt.host, tt.opts...)
			assert.Equal(t, tt.allowed, res.Allowed, res.Reason)
			if tt.allowed {
				assert.NotEmpty(t, res.ResolvedIP)
			} else {
				assert.Contains(t, res.Reason, tt.reason)
			}
		})
	}
}

func TestPerformFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.Header().Set("X-Token", r.Header.Get("X-Token"))
			_, _ = w.Write(body)
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("a", 64)))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		case "/redirect":
			http.Redirect(w, r, "/echo", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	local := WithHTTPSSRFProtection(true, WithBlockPrivate(false))

	t.Run("post with headers", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{
			URL:     srv.URL + "/echo",
			Method:  "post",
			Body:    "ping",
			Headers: map[string]string{"X-Token": "abc"},
		}, local)
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "ping", resp.Body)
		assert.Equal(t, "POST", resp.Headers["X-Method"])
		assert.Equal(t, "abc", resp.Headers["X-Token"])
	})

	t.Run("non-2xx is not an error", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{URL: srv.URL + "/missing"}, local)
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	})

	t.Run("body truncated", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{URL: srv.URL + "/big"}, local, WithHTTPMaxBodySize(10))
		require.Nil(t, resp.Error)
		assert.True(t, resp.Truncated)
		assert.Len(t, resp.Body, 10)
	})

	t.Run("request timeout", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{URL: srv.URL + "/slow", TimeoutMs: 50}, local)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "TIMEOUT", resp.Error.Code)
	})

	t.Run("redirect followed", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{URL: srv.URL + "/redirect"}, local)
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusOK, resp.Status)
	})

	t.Run("redirects disabled", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{URL: srv.URL + "/redirect"}, local, WithHTTPMaxRedirects(0))
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusFound, resp.Status)
	})

	t.Run("loopback blocked by default", func(t *testing.T) {
		resp := PerformFetch(context.Background(), FetchRequest{URL: srv.URL + "/echo"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, "SSRF_BLOCKED", resp.Error.Code)
	})
}

func TestPerformFetch_InvalidRequests(t *testing.T) {
	tests := []struct {
		url  string
		code string
	}{
		{"", "INVALID_REQUEST"},
		{"file:///etc/passwd", "UNSUPPORTED_SCHEME"},
		{"javascript:alert(1)", "UNSUPPORTED_SCHEME"},
		{"http://", "INVALID_REQUEST"},
		{"http://%zz", "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			resp := PerformFetch(context.Background(), FetchRequest{URL: tt.url})
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}
