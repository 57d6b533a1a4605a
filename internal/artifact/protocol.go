package artifact

import (
	"fmt"
	"strings"
)

// protocolGuard restricts artifact destination URIs to an allowed scheme
// whitelist, adapted from the teacher's HTTP worker protocol allowlist.
type protocolGuard struct {
	allowed map[string]bool
}

func newProtocolGuard() *protocolGuard {
	return &protocolGuard{
		allowed: map[string]bool{
			"http":     true,
			"https":    true,
			"postgres": true,
			"s3":       true,
			"file":     true,
		},
	}
}

func (g *protocolGuard) validate(scheme string) error {
	normalized := strings.ToLower(strings.TrimSpace(scheme))
	if normalized == "" {
		return fmt.Errorf("artifact: scheme is required")
	}
	if !g.allowed[normalized] {
		return fmt.Errorf("artifact: scheme %q is not an allowed destination protocol", scheme)
	}
	return nil
}

func (g *protocolGuard) blocked() []string {
	return []string{
		"ftp://",
		"jdbc://",
		"mysql://",
		"mongodb://",
		"redis://",
		"ssh://",
		"telnet://",
		"ldap://",
		"dict://",
		"gopher://",
	}
}
