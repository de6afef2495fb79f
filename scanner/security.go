package scanner

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	ErrPrivateIP   = errors.New("target resolves to a private or reserved IP address")
	ErrBlockedHost = errors.New("this host is not allowed")
)

// blockedHosts contains hostnames that should never be scanned from the API
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("fd00:ec2::254"), // AWS IPv6 metadata
}

// CheckHost rejects blocked hostnames and literal private IPs before any
// network activity. Hostnames are checked again at dial time, see
// denyPrivateControl.
func CheckHost(host string) error {
	hostLower := strings.ToLower(strings.TrimSuffix(host, "."))
	if blockedHosts[hostLower] {
		return ErrBlockedHost
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return validateIP(ip)
	}
	return nil
}

// validateIP checks if an IP address is safe to connect to.
// Returns an error if the IP is private, loopback, or otherwise reserved.
func validateIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() {
		return ErrPrivateIP
	}

	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return ErrPrivateIP
	}

	if ip.IsUnspecified() || ip.IsMulticast() {
		return ErrPrivateIP
	}

	for _, metaIP := range metadataIPs {
		if ip.Equal(metaIP) {
			return ErrPrivateIP
		}
	}

	// IPv4-mapped IPv6 addresses could be used to bypass the checks above
	if ip4 := ip.To4(); ip4 != nil {
		if ip4.IsLoopback() || ip4.IsPrivate() || ip4.IsLinkLocalUnicast() {
			return ErrPrivateIP
		}
	}

	return nil
}

// IsPrivateIP is exported for use in other packages
func IsPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return validateIP(ip) != nil
}

// denyPrivateControl runs after DNS resolution, so it also covers hostnames
// that resolve to internal addresses.
func denyPrivateControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial %s: %w", address, ErrPrivateIP)
	}
	if err := validateIP(ip); err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	return nil
}
