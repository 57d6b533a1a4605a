package artifact

import (
	"fmt"
	"net"
	"strings"
)

// hostGuard blocks SSRF-favorite destinations: loopback, link-local, and
// other non-routable hosts a sink destination URI should never name.
// Ported from the teacher's HostValidator/IPValidator pair.
type hostGuard struct {
	blockedHostnames []string
}

func newHostGuard() *hostGuard {
	return &hostGuard{
		blockedHostnames: []string{
			"localhost",
			"127.0.0.1",
			"::1",
			"0.0.0.0",
			"::",
			"::ffff:127.0.0.1",
		},
	}
}

func (g *hostGuard) validate(hostname string) error {
	if hostname == "" {
		return nil // file:// destinations have no host
	}

	normalized := strings.ToLower(strings.TrimSpace(hostname))
	for _, blocked := range g.blockedHostnames {
		if normalized == blocked {
			return fmt.Errorf("artifact: host %q is blocked (loopback destination)", hostname)
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return g.validateIP(ip)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// DNS failure isn't a security verdict; the write itself will
		// fail if the host genuinely doesn't resolve.
		return nil
	}
	for _, ip := range ips {
		if err := g.validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func (g *hostGuard) validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("artifact: IP %s is blocked (loopback)", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("artifact: IP %s is blocked (link-local)", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("artifact: IP %s is blocked (unspecified)", ip)
	}
	return nil
}
