// Package security validates outbound request URLs before the engine
// touches the network. Workflow configs are user-supplied, so every
// http_request target is treated as hostile until the scheme, port,
// host and path all pass.
package security

import (
	"fmt"
	"net/url"
	"strings"
)

// allowedSchemes is the closed set of protocols the engine will speak.
// Everything else (file, gopher, dict, redis, ...) is an exfiltration
// or SSRF vector.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// blockedPorts are well-known internal service ports that have no
// business being workflow HTTP targets
var blockedPorts = map[string]string{
	"22":    "ssh",
	"23":    "telnet",
	"25":    "smtp",
	"111":   "rpcbind",
	"135":   "msrpc",
	"445":   "smb",
	"1433":  "mssql",
	"2375":  "docker",
	"2376":  "docker",
	"3306":  "mysql",
	"5432":  "postgres",
	"6379":  "redis",
	"9200":  "elasticsearch",
	"11211": "memcached",
	"27017": "mongodb",
}

// blockedPathPatterns catch file-access and traversal attempts riding
// in paths or query values
var blockedPathPatterns = []string{
	"file://",
	"../",
	"..\\",
	"/etc/",
	"/proc/",
	"/sys/",
	"%2e%2e/",
	"%2e%2e%2f",
	"..%2f",
	"%2e%2e%5c",
	"..%5c",
}

// URLValidator performs full SSRF validation of one URL: scheme, port,
// resolved host addresses, and path.
type URLValidator struct {
	hosts *HostValidator
}

// NewURLValidator creates a validator with the default deny rules
func NewURLValidator() *URLValidator {
	return &URLValidator{hosts: NewHostValidator()}
}

// NewURLValidatorAllowingPrivate creates a validator that skips the
// private-address checks. For deployments whose workflows legitimately
// target in-cluster services; never the default.
func NewURLValidatorAllowingPrivate() *URLValidator {
	return &URLValidator{hosts: &HostValidator{allowPrivate: true}}
}

// Validate returns an error describing the first rule the URL violates
func (v *URLValidator) Validate(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedSchemes[scheme] {
		return fmt.Errorf("scheme %q is not allowed (http/https only)", parsed.Scheme)
	}

	if port := parsed.Port(); port != "" {
		if service, blocked := blockedPorts[port]; blocked {
			return fmt.Errorf("port %s is blocked (%s)", port, service)
		}
	}

	if err := v.hosts.Validate(parsed.Hostname()); err != nil {
		return err
	}

	if err := validatePath(parsed.Path); err != nil {
		return err
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := validatePath(value); err != nil {
				return fmt.Errorf("query parameter %q: %w", key, err)
			}
		}
	}

	return nil
}

func validatePath(path string) error {
	if path == "" {
		return nil
	}
	lowered := strings.ToLower(path)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(lowered, pattern) {
			return fmt.Errorf("path contains blocked pattern %q", pattern)
		}
	}
	return nil
}
