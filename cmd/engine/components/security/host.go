package security

import (
	"fmt"
	"net"
	"strings"
)

// blockedHostnames are literal spellings of the local machine that must
// be rejected before any DNS work happens
var blockedHostnames = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"::1",
	"::",
	"::ffff:127.0.0.1",
	"[::1]",
	"[::ffff:127.0.0.1]",
	"metadata.google.internal",
}

// HostValidator rejects hostnames that resolve anywhere inside the
// perimeter: loopback, RFC 1918, link-local (cloud metadata services
// live there), multicast and unspecified addresses.
type HostValidator struct {
	allowPrivate bool
}

// NewHostValidator creates a host validator with the default rules
func NewHostValidator() *HostValidator {
	return &HostValidator{}
}

// Validate checks the hostname and every address it resolves to.
// Unresolvable names pass; the request itself will fail and DNS outages
// should not look like policy violations.
func (v *HostValidator) Validate(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if v.allowPrivate {
		return nil
	}

	normalized := strings.ToLower(strings.TrimSpace(hostname))
	for _, blocked := range blockedHostnames {
		if normalized == blocked {
			return fmt.Errorf("host %q is blocked", hostname)
		}
	}

	if ip := net.ParseIP(normalized); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", hostname, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("ip %s is a loopback address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("ip %s is in a private range", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("ip %s is link-local", ip)
	case ip.IsMulticast():
		return fmt.Errorf("ip %s is a multicast address", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("ip %s is unspecified", ip)
	}
	return nil
}
