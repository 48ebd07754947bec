package hostfuncs

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// NetfilterResult is the outcome of an address check.
type NetfilterResult struct {
	Reason     string `json:"reason,omitempty"`
	ResolvedIP string `json:"resolved_ip,omitempty"`
	Allowed    bool   `json:"allowed"`
}

// NetfilterOption configures ValidateHost.
type NetfilterOption func(*netfilterConfig)

type netfilterConfig struct {
	lookup       func(ctx context.Context, host string) ([]netip.Addr, error)
	allowedHosts []string // doublestar patterns that skip address checks
	blockedHosts []string // doublestar patterns always refused
	blockPrivate bool     // RFC 1918, loopback, link-local, ULA
}

func defaultNetfilterConfig() netfilterConfig {
	return netfilterConfig{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		blockPrivate: true,
	}
}

// WithAllowedHosts lets hosts matching any glob bypass the private-range
// checks, for example "*.internal.example.com".
func WithAllowedHosts(patterns ...string) NetfilterOption {
	return func(c *netfilterConfig) {
		c.allowedHosts = append(c.allowedHosts, patterns...)
	}
}

// WithBlockedHosts refuses hosts matching any glob.
func WithBlockedHosts(patterns ...string) NetfilterOption {
	return func(c *netfilterConfig) {
		c.blockedHosts = append(c.blockedHosts, patterns...)
	}
}

// WithBlockPrivate enables/disables blocking of non-public addresses. Default is true.
func WithBlockPrivate(block bool) NetfilterOption {
	return func(c *netfilterConfig) {
		c.blockPrivate = block
	}
}

// WithLookup replaces DNS resolution, mostly for tests.
func WithLookup(fn func(ctx context.Context, host string) ([]netip.Addr, error)) NetfilterOption {
	return func(c *netfilterConfig) {
		if fn != nil {
			c.lookup = fn
		}
	}
}

// ValidateHost decides whether an outbound connection to host is allowed
// and returns the address to pin the connection to. Every resolved address
// must pass, so a name cannot smuggle in an internal address.
func ValidateHost(ctx context.Context, host string, opts ...NetfilterOption) NetfilterResult {
	cfg := defaultNetfilterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return NetfilterResult{Reason: "empty host"}
	}
	if matchesAny(cfg.blockedHosts, host) {
		return NetfilterResult{Reason: "host is blocked"}
	}
	skipRanges := !cfg.blockPrivate || matchesAny(cfg.allowedHosts, host)

	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = cfg.lookup(ctx, host)
		if err != nil {
			return NetfilterResult{Reason: "DNS resolution failed: " + err.Error()}
		}
		if len(addrs) == 0 {
			return NetfilterResult{Reason: "no addresses for host"}
		}
	}

	for _, a := range addrs {
		a = a.Unmap()
		if reason := blockedRange(a); reason != "" && !skipRanges {
			return NetfilterResult{Reason: fmt.Sprintf("%s address %s blocked", reason, a)}
		}
		if a.IsUnspecified() {
			return NetfilterResult{Reason: "unspecified address blocked"}
		}
	}
	return NetfilterResult{Allowed: true, ResolvedIP: addrs[0].Unmap().String()}
}

func blockedRange(a netip.Addr) string {
	switch {
	case a.IsLoopback():
		return "loopback"
	case a.IsPrivate():
		return "private"
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return "link-local"
	case a.IsMulticast(), a.IsInterfaceLocalMulticast():
		return "multicast"
	}
	return ""
}

func matchesAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
	}
	return false
}
