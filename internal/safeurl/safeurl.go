// Package safeurl classifies outbound webhook URLs as safe or unsafe and
// resolves them to a pinned IP set, closing the DNS-rebinding window between
// validation and delivery.
package safeurl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Rejection reasons, used for logs and metrics labels.
const (
	ReasonScheme       = "scheme"
	ReasonEmptyHost    = "empty_host"
	ReasonLocalLiteral = "local_literal"
	ReasonDNS          = "dns"
	ReasonBlockedRange = "blocked_range"
)

// Error is returned when a URL is rejected. Reason is one of the Reason*
// constants; Detail carries the offending value.
type Error struct {
	Reason string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("unsafe url (%s): %s", e.Reason, e.Detail)
}

// builtinBlockedCIDRs covers loopback, RFC1918, link-local (including the
// cloud metadata range), CGNAT, benchmarking, documentation, multicast,
// reserved and the IPv6 unique-local and link-local ranges.
var builtinBlockedCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// localLiterals are hostnames rejected before any DNS lookup.
var localLiterals = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
	"::":        true,
	"::1":       true,
}

// LookupIPFunc resolves a hostname to its addresses.
type LookupIPFunc func(ctx context.Context, host string) ([]net.IP, error)

// Validator checks candidate URLs against a blocked address set.
type Validator struct {
	blocked  []*net.IPNet
	lookupIP LookupIPFunc
}

// Option configures a Validator.
type Option func(*Validator)

// WithLookupIP overrides DNS resolution. Used by tests and by callers that
// want a caching resolver.
func WithLookupIP(fn LookupIPFunc) Option {
	return func(v *Validator) { v.lookupIP = fn }
}

// WithoutBuiltinRanges drops the built-in blocklist so only the extra CIDRs
// passed to New apply. Development use only.
func WithoutBuiltinRanges() Option {
	return func(v *Validator) { v.blocked = nil }
}

// New builds a Validator from the built-in blocklist plus extraCIDRs.
// Options are applied after the blocklist is assembled, so
// WithoutBuiltinRanges clears the built-ins but keeps nothing else.
func New(extraCIDRs []string, opts ...Option) (*Validator, error) {
	v := &Validator{
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
	for _, c := range builtinBlockedCIDRs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("builtin cidr %q: %w", c, err)
		}
		v.blocked = append(v.blocked, ipnet)
	}

	for _, opt := range opts {
		opt(v)
	}

	for _, c := range extraCIDRs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("blocked cidr %q: %w", c, err)
		}
		v.blocked = append(v.blocked, ipnet)
	}
	return v, nil
}

// Result is a validated URL together with its pinned address set. Callers
// must connect to one of IPs directly rather than re-resolving the hostname.
type Result struct {
	URL *url.URL
	IPs []net.IP
}

// ValidateAndResolve parses and validates rawURL. It rejects non-http(s)
// schemes, empty or known-local hostnames, unresolvable names, and any name
// where at least one resolved address falls in a blocked range.
func (v *Validator) ValidateAndResolve(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Reason: ReasonScheme, Detail: rawURL}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &Error{Reason: ReasonScheme, Detail: u.Scheme}
	}

	host := u.Hostname()
	if host == "" {
		return nil, &Error{Reason: ReasonEmptyHost, Detail: rawURL}
	}
	if localLiterals[strings.ToLower(host)] {
		return nil, &Error{Reason: ReasonLocalLiteral, Detail: host}
	}

	ips, err := v.resolve(ctx, host)
	if err != nil {
		return nil, &Error{Reason: ReasonDNS, Detail: fmt.Sprintf("%s: %v", host, err)}
	}
	if len(ips) == 0 {
		return nil, &Error{Reason: ReasonDNS, Detail: host + ": no addresses"}
	}

	// Every resolved address must be clean. A single internal address taints
	// the whole name: an attacker controls which record the dialer would use.
	for _, ip := range ips {
		if blocked, _ := v.isBlocked(ip); blocked {
			return nil, &Error{Reason: ReasonBlockedRange, Detail: ip.String()}
		}
	}

	return &Result{URL: u, IPs: ips}, nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]net.IP, error) {
	// IP literals skip DNS entirely.
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return v.lookupIP(ctx, host)
}

func (v *Validator) isBlocked(ip net.IP) (bool, *net.IPNet) {
	for _, ipnet := range v.blocked {
		if ipnet.Contains(ip) {
			return true, ipnet
		}
	}
	return false, nil
}
