package actions

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateOutboundURL rejects outbound targets that could reach
// internal infrastructure: non-HTTP schemes, loopback and internal
// hostnames, hosts resolving to private ranges, and hosts outside the
// configured allowlist.
func ValidateOutboundURL(rawURL string, allowlist []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if host == "localhost" || host == "0.0.0.0" ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("internal hostname %q not allowed", host)
	}

	if len(allowlist) > 0 && !hostAllowed(host, allowlist) {
		return fmt.Errorf("host %q not in outbound allowlist", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("private/internal IP %s not allowed", host)
		}
		return nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ipStr)
		}
	}
	return nil
}

func hostAllowed(host string, allowlist []string) bool {
	for _, d := range allowlist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
