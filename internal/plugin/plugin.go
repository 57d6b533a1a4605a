// Package plugin defines the four contracts the execution core consumes
// plugins through: Source, Transform, Sink, and the shared value types
// (SourceRow, TransformResult, ArtifactDescriptor) that cross the
// boundary between plugin code and the row processor.
package plugin

import (
	"context"

	"github.com/elspeth-dev/elspeth/internal/schema"
)

// Determinism classifies how reproducible a plugin's output is, so
// replay/verify tooling (out of scope here) knows what it can and can't
// check bit-for-bit.
type Determinism string

const (
	Deterministic  Determinism = "deterministic"
	Seeded         Determinism = "seeded"
	IORead         Determinism = "io_read"
	IOWrite        Determinism = "io_write"
	ExternalCall   Determinism = "external_call"
	NonDeterministic Determinism = "non_deterministic"
)

// SourceRow is the result of pulling one row from a Source: either a
// valid row ready to enter the graph, or a quarantined row that failed
// the source's own validation and should be routed to its declared
// quarantine destination (a sink name, or "discard").
type SourceRow struct {
	Valid bool

	Row      map[string]interface{}
	Contract *schema.Contract // only meaningful when Valid

	RawRow      map[string]interface{} // only meaningful when !Valid
	Error       error                  // only meaningful when !Valid
	Destination string                 // sink name, or "discard" — only meaningful when !Valid
}

// Source is the pull-based row producer contract.
type Source interface {
	Name() string
	OutputSchema() *schema.Contract
	Determinism() Determinism
	PluginVersion() string

	OnStart(ctx context.Context) error
	Load(ctx context.Context) (<-chan SourceRow, error)
	OnComplete(ctx context.Context) error
	Close() error
}

// TransformResultKind discriminates TransformResult's variants.
type TransformResultKind int

const (
	ResultSuccess TransformResultKind = iota
	ResultSuccessMulti
	ResultError
)

// TransformResult is a transform invocation's outcome: success with one
// row, success with N rows (only meaningful when the transform or the
// owning aggregation creates tokens), or a declared error.
type TransformResult struct {
	Kind TransformResultKind

	Row          map[string]interface{} // ResultSuccess
	Rows         []map[string]interface{} // ResultSuccessMulti
	Contract     *schema.Contract
	SuccessReason string

	ErrorReason string // ResultError
	Retryable   bool
}

// Transform is the row-shaping contract. A transform that sets
// CreatesTokens may legitimately return ResultSuccessMulti to expand one
// input row into several output tokens (handled by the row processor's
// expand_token step); one that does not is a plugin bug if it does so
// outside an aggregation's passthrough flush.
type Transform interface {
	Name() string
	InputSchema() *schema.Contract
	OutputSchema() *schema.Contract
	Determinism() Determinism
	PluginVersion() string
	IsBatchAware() bool
	CreatesTokens() bool

	OnStart(ctx context.Context) error
	Process(ctx context.Context, rows []map[string]interface{}) (TransformResult, error)
	OnComplete(ctx context.Context) error
	Close() error
}

// ArtifactType classifies what kind of durable thing a sink wrote.
type ArtifactType string

const (
	ArtifactFile     ArtifactType = "file"
	ArtifactDatabase ArtifactType = "database"
	ArtifactWebhook  ArtifactType = "webhook"
)

// ArtifactDescriptor records what a sink wrote, for the audit trail.
// ContentHash rules: files hash the on-disk bytes; databases hash the
// canonical JSON payload pre-insert; webhooks hash the request body.
// Database and webhook URIs in PathOrURI must already be sanitised
// (credentials stripped) by the time they reach this struct — see
// internal/artifact.
type ArtifactDescriptor struct {
	ArtifactType ArtifactType
	PathOrURI    string
	ContentHash  string // SHA-256 hex
	SizeBytes    int64
	Metadata     map[string]interface{}
}

// Sink is the row-consuming contract.
type Sink interface {
	Name() string
	InputSchema() *schema.Contract
	Idempotent() bool
	SupportsResume() bool

	OnStart(ctx context.Context) error
	Write(ctx context.Context, rows []map[string]interface{}) (ArtifactDescriptor, error)
	// Flush is a durable barrier: it must return only once every prior
	// Write is guaranteed to survive a crash. The release queue calls
	// this before recording a checkpoint.
	Flush(ctx context.Context) error
	Close() error

	// Resume support, only meaningful when SupportsResume() is true.
	ConfigureForResume(ctx context.Context, lastReleasedSeq int64) error
	ValidateOutputTarget(ctx context.Context) error
}
