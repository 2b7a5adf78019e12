// Package addrpolicy decides which peer addresses may use the bridge.
// Only local-network peers are served; anything routable from the open
// internet is dropped before a single protocol byte is read.
package addrpolicy

import (
	"net"
	"net/netip"
	"strings"
)

var allowed4 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// Allowed reports whether a peer at addr may negotiate with the bridge.
// Accepted: IPv4 private, link-local and loopback ranges; IPv6 link-local
// and loopback. Everything else is rejected.
func Allowed(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		for _, p := range allowed4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return addr.IsLinkLocalUnicast() || addr.IsLoopback()
}

// AllowedHostPort applies Allowed to a "host:port" remote address as
// returned by net.Conn.RemoteAddr. Unparseable addresses are rejected.
func AllowedHostPort(remote string) bool {
	host := hostFromAddr(remote)
	if host == "" {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return Allowed(addr)
}

// PeerIP extracts the bare IP (no port, no zone) from a remote address.
// Returns "" when the address cannot be parsed.
func PeerIP(remote string) string {
	host := hostFromAddr(remote)
	if host == "" {
		return ""
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func hostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}
	return strings.Trim(a, "[]")
}
