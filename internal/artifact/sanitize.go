// Package artifact sanitizes and validates the destination URIs that
// database and webhook sinks accept for the path_or_uri column recorded
// in the audit trail (spec.md §6). Grounded on the teacher's
// cmd/http-worker/security validators, adapted from "is this HTTP
// worker target safe to call" to "is this sink destination safe to
// persist and write to."
package artifact

import (
	"fmt"
	"net/url"
)

// Validator bundles the destination checks a configurable sink URI must
// pass before the orchestrator ever writes the artifact row.
type Validator struct {
	protocol *protocolGuard
	host     *hostGuard
	path     *pathGuard
}

// NewValidator builds a Validator with the default allowlist/blocklist.
func NewValidator() *Validator {
	return &Validator{
		protocol: newProtocolGuard(),
		host:     newHostGuard(),
		path:     newPathGuard(),
	}
}

// Validate checks uri's scheme, host, and path against the destination
// allow/block rules. It does not perform network I/O beyond an optional
// DNS lookup of the host.
func (v *Validator) Validate(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("artifact: invalid URI: %w", err)
	}

	if err := v.protocol.validate(parsed.Scheme); err != nil {
		return err
	}
	if err := v.host.validate(parsed.Hostname()); err != nil {
		return err
	}
	if err := v.path.validate(parsed.Path); err != nil {
		return err
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := v.path.validate(value); err != nil {
				return fmt.Errorf("artifact: query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

// Report summarizes the active rule set, for diagnostics or an admin
// surface that wants to display why a destination was rejected.
type Report struct {
	AllowedProtocols []string
	BlockedProtocols []string
	BlockedHosts     []string
}

// Report returns the current validator's rule summary.
func (v *Validator) Report() Report {
	return Report{
		AllowedProtocols: []string{"http", "https", "postgres", "s3", "file"},
		BlockedProtocols: v.protocol.blocked(),
		BlockedHosts:     v.host.blockedHostnames,
	}
}

// Sanitize strips userinfo (credentials embedded as user:pass@host) from
// uri before it is persisted to artifacts.path_or_uri, so a connection
// string's secret never lands in the audit trail.
func Sanitize(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("artifact: invalid URI: %w", err)
	}
	if parsed.User != nil {
		parsed.User = nil
	}
	return parsed.String(), nil
}

// Validate is the package-level convenience entry point, equivalent to
// NewValidator().Validate(uri). Sinks with no need to inspect or reuse
// validator state should call this directly.
func Validate(uri string) error {
	return NewValidator().Validate(uri)
}
