package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/elspeth-dev/elspeth/internal/artifact"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

// csvSink appends every row it's handed to an in-process buffer and
// flushes the whole thing to disk as a CSV file on Flush — Flush is the
// durable barrier the release queue calls before checkpointing, so
// nothing here can claim durability before that call happens.
type csvSink struct {
	name string
	uri  string
	path string

	mu   sync.Mutex
	rows []map[string]interface{}
}

// newCSVSink validates destinationURI (file://...) through
// internal/artifact before accepting it, the same guard a database or
// webhook sink applies to a configurable destination.
func newCSVSink(name, destinationURI string) (*csvSink, error) {
	if err := artifact.Validate(destinationURI); err != nil {
		return nil, fmt.Errorf("csv-sink %s: destination rejected: %w", name, err)
	}
	sanitized, err := artifact.Sanitize(destinationURI)
	if err != nil {
		return nil, fmt.Errorf("csv-sink %s: %w", name, err)
	}
	path := sanitized
	const filePrefix = "file://"
	if len(path) >= len(filePrefix) && path[:len(filePrefix)] == filePrefix {
		path = path[len(filePrefix):]
	}
	return &csvSink{name: name, uri: sanitized, path: path}, nil
}

func (s *csvSink) Name() string                                                        { return s.name }
func (s *csvSink) InputSchema() *schema.Contract                                        { return nil }
func (s *csvSink) Idempotent() bool                                                     { return false }
func (s *csvSink) SupportsResume() bool                                                 { return false }
func (s *csvSink) OnStart(ctx context.Context) error                                    { return nil }
func (s *csvSink) Close() error                                                         { return nil }
func (s *csvSink) ConfigureForResume(ctx context.Context, lastReleasedSeq int64) error  { return nil }
func (s *csvSink) ValidateOutputTarget(ctx context.Context) error                      { return artifact.Validate(s.uri) }

func (s *csvSink) Write(ctx context.Context, rows []map[string]interface{}) (plugin.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return plugin.ArtifactDescriptor{
		ArtifactType: plugin.ArtifactFile,
		PathOrURI:    s.uri,
	}, nil
}

// Flush writes every buffered row to disk as CSV, column order taken
// from the first row's sorted keys.
func (s *csvSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) == 0 {
		return nil
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("csv-sink %s: create %s: %w", s.name, s.path, err)
	}
	defer f.Close()

	columns := make([]string, 0, len(s.rows[0]))
	for k := range s.rows[0] {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("csv-sink %s: write header: %w", s.name, err)
	}
	for _, row := range s.rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = fmt.Sprintf("%v", row[col])
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("csv-sink %s: write row: %w", s.name, err)
		}
	}
	w.Flush()
	return w.Error()
}
