package main

import (
	"context"
	"strings"

	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

// uppercaseTransform upper-cases the string value of one configured
// field, passing every other field through unchanged. It is the
// transform cmd/elspeth-runner wires in when -upper-field is set, enough to exercise
// the transform chain of a real run without requiring a plugin registry
// for a CLI that is explicitly out of scope.
type uppercaseTransform struct {
	field string
}

func newUppercaseTransform(field string) *uppercaseTransform {
	return &uppercaseTransform{field: field}
}

func (t *uppercaseTransform) Name() string                    { return "uppercase" }
func (t *uppercaseTransform) InputSchema() *schema.Contract    { return nil }
func (t *uppercaseTransform) OutputSchema() *schema.Contract   { return nil }
func (t *uppercaseTransform) Determinism() plugin.Determinism { return plugin.Deterministic }
func (t *uppercaseTransform) PluginVersion() string            { return "v1" }
func (t *uppercaseTransform) IsBatchAware() bool                { return false }
func (t *uppercaseTransform) CreatesTokens() bool               { return false }
func (t *uppercaseTransform) OnStart(ctx context.Context) error    { return nil }
func (t *uppercaseTransform) OnComplete(ctx context.Context) error { return nil }
func (t *uppercaseTransform) Close() error                         { return nil }

func (t *uppercaseTransform) Process(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
	src := rows[0]
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	if v, ok := out[t.field]; ok {
		if s, ok := v.(string); ok {
			out[t.field] = strings.ToUpper(s)
		}
	}
	return plugin.TransformResult{Kind: plugin.ResultSuccess, Row: out}, nil
}
