package proxy

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/spaceavenue/ngfw/internal/config"
)

// privateRanges covers loopback, RFC 1918, link-local, CGN, and their IPv6
// counterparts. Resolved backend addresses are checked against these when the
// policy denies private networks.
var privateRanges = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}()

// ValidateBackendURL checks the configured backend URL against the SSRF
// policy before the proxy is built. Called once at startup and again on
// config reload.
func ValidateBackendURL(rawURL string, policy config.BackendURLPolicy) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("backend URL does not parse: %w", err)
	}

	if u.Host == "" {
		return fmt.Errorf("backend URL %q has no host", rawURL)
	}

	schemes := policy.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("backend URL scheme %q not allowed (allowed: %s)",
			u.Scheme, strings.Join(schemes, ", "))
	}

	host := u.Hostname()

	if len(policy.AllowedHosts) > 0 && !slices.Contains(policy.AllowedHosts, host) {
		return fmt.Errorf("backend host %q is not on the allowlist", host)
	}

	if policy.DenyPrivateNetworksEnabled() {
		if err := checkNotPrivate(host); err != nil {
			return err
		}
	}

	return nil
}

// checkNotPrivate resolves the host and rejects it when any resolved address
// falls inside a private range. Resolution happens at validation time only;
// a backend whose DNS later flips to a private address is out of scope.
func checkNotPrivate(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("backend address %s is in a private range", ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("backend host %q does not resolve: %w", host, err)
	}
	for _, ip := range addrs {
		if IsPrivateIP(ip) {
			return fmt.Errorf("backend host %q resolves to private address %s", host, ip)
		}
	}
	return nil
}

// IsPrivateIP reports whether ip falls inside a loopback, private, link-local,
// or carrier-grade NAT range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
