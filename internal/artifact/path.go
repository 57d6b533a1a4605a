package artifact

import (
	"fmt"
	"strings"
)

// pathGuard blocks path-traversal and raw system-file access inside an
// artifact URI's path component. Ported from the teacher's PathValidator.
type pathGuard struct {
	blockedPatterns []string
	encodedPatterns []string
}

func newPathGuard() *pathGuard {
	return &pathGuard{
		blockedPatterns: []string{
			"../",
			"..\\",
			"/etc/",
			"/proc/",
			"/sys/",
			"c:/",
			"c:\\",
			`\\.\pipe\`,
		},
		encodedPatterns: []string{
			"%2e%2e/",
			"%2e%2e%2f",
			"..%2f",
			"%2e%2e\\",
			"%2e%2e%5c",
			"..%5c",
		},
	}
}

func (g *pathGuard) validate(path string) error {
	if path == "" {
		return nil
	}
	normalized := strings.ToLower(path)
	for _, pattern := range g.blockedPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("artifact: path contains blocked pattern %q", pattern)
		}
	}
	for _, pattern := range g.encodedPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("artifact: path contains an encoded traversal pattern")
		}
	}
	return nil
}
