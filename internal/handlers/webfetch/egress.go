package webfetch

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"syscall"
)

var ErrEgressBlocked = errors.New("egress policy blocked target")

// Policy limits which hosts and ports a fetch may reach. The zero value
// allows any port and host but still refuses private networks.
type Policy struct {
	// AllowedPorts empty means any port.
	AllowedPorts []int
	// DeniedHosts holds path.Match patterns such as "*.internal".
	DeniedHosts  []string
	AllowPrivate bool
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedPorts: []int{80, 443},
		DeniedHosts:  []string{"localhost", "127.0.0.1", "::1"},
	}
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

func blockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// checkURL applies the parts of the policy that need no DNS lookup.
func (p Policy) checkURL(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if raw := u.Port(); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: bad port %q", ErrEgressBlocked, raw)
		}
		port = n
	}
	if len(p.AllowedPorts) > 0 && !slices.Contains(p.AllowedPorts, port) {
		return fmt.Errorf("%w: port %d", ErrEgressBlocked, port)
	}
	for _, pattern := range p.DeniedHosts {
		if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
			return fmt.Errorf("%w: host %s", ErrEgressBlocked, host)
		}
	}
	if ip, err := netip.ParseAddr(host); err == nil && !p.AllowPrivate && blockedAddr(ip) {
		return fmt.Errorf("%w: private address %s", ErrEgressBlocked, ip)
	}
	return nil
}

// control runs on every dial after name resolution, so a hostname that
// resolves to a private address is refused too.
func (p Policy) control(_, address string, _ syscall.RawConn) error {
	if p.AllowPrivate {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEgressBlocked, err)
	}
	if blockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: private address %s", ErrEgressBlocked, ap.Addr())
	}
	return nil
}
