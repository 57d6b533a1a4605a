package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

// csvSource loads every row of a CSV file into memory at OnStart and
// emits them on Load, using the header row as field names. It exists to
// give cmd/elspeth-runner a real Source plugin to drive an end-to-end
// run; it is not meant to be a production-grade CSV reader.
type csvSource struct {
	path string
	rows []map[string]interface{}
}

func newCSVSource(path string) *csvSource {
	return &csvSource{path: path}
}

func (s *csvSource) Name() string                       { return "csv-source" }
func (s *csvSource) OutputSchema() *schema.Contract      { return nil }
func (s *csvSource) Determinism() plugin.Determinism     { return plugin.IORead }
func (s *csvSource) PluginVersion() string               { return "v1" }
func (s *csvSource) Close() error                        { return nil }
func (s *csvSource) OnComplete(ctx context.Context) error { return nil }

func (s *csvSource) OnStart(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("csv-source: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("csv-source: read %s: %w", s.path, err)
	}
	if len(records) == 0 {
		return nil
	}

	header := records[0]
	s.rows = make([]map[string]interface{}, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		s.rows = append(s.rows, row)
	}
	return nil
}

func (s *csvSource) Load(ctx context.Context) (<-chan plugin.SourceRow, error) {
	ch := make(chan plugin.SourceRow, len(s.rows))
	for _, row := range s.rows {
		ch <- plugin.SourceRow{Valid: true, Row: row}
	}
	close(ch)
	return ch, nil
}
