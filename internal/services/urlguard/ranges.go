package urlguard

import (
	"net"
	"strings"
)

// blockedCIDRs is the authoritative SSRF blocklist. IPv4-mapped IPv6
// addresses collapse to their IPv4 form before matching, so the v4 list
// covers them too.
var blockedCIDRs = []string{
	// RFC 1918 private ranges
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	// Loopback, link-local, unspecified
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	// Carrier-grade NAT
	"100.64.0.0/10",
	// IETF protocol assignments and documentation ranges
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	// Multicast, reserved, broadcast
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	// IPv6: loopback, unique-local, link-local, multicast
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

var blockedNets []*net.IPNet

func init() {
	blockedNets = make([]*net.IPNet, 0, len(blockedCIDRs))
	for _, cidr := range blockedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("urlguard: invalid blocklist CIDR " + cidr)
		}
		blockedNets = append(blockedNets, ipNet)
	}
}

// IsBlockedIP reports whether the address falls inside any blocked range.
func IsBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	// To4 unmaps ::ffff:a.b.c.d so mapped addresses hit the IPv4 ranges.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames are rejected before any resolution: localhost variants,
// cloud metadata endpoints, and cluster-internal service names.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"0.0.0.0":                  {},
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
	"metadata":                 {},
	"kubernetes.default":       {},
	"kubernetes.default.svc":   {},
}

// blockedHostSuffixes match cluster-internal and mDNS names.
var blockedHostSuffixes = []string{
	".localhost",
	".local",
	".internal",
	".svc",
	".cluster.local",
}

// IsBlockedHostname reports whether the (lowercased) hostname is on the
// hard-coded block list.
func IsBlockedHostname(host string) bool {
	if _, ok := blockedHostnames[host]; ok {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
