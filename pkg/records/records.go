// Package records is the schema-level entry point of the library: bulk
// creation through the ingest pipeline, cursor iteration and the plain
// entity calls around them.
package records

import (
	"context"
	"iter"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/janrain/datalib/pkg/ingest"
	"github.com/janrain/datalib/pkg/logging"
	"github.com/janrain/datalib/pkg/pagination"
	"github.com/rs/zerolog"
)

// Remote is the part of the Capture API a Schema needs. *capture.Client
// implements it.
type Remote interface {
	ingest.BulkCreator
	pagination.Finder
	Count(ctx context.Context, schema, filter string) (int64, error)
	Purge(ctx context.Context, schema string) error
}

// Schema gives access to the records of one entity type.
type Schema struct {
	remote Remote
	name   string
	logger zerolog.Logger
}

// Open returns the records of schema name.
func Open(remote Remote, name string) *Schema {
	return &Schema{
		remote: remote,
		name:   name,
		logger: logging.NewLogger("records").With().Str("schema", name).Logger(),
	}
}

// WithLogger returns a copy of s that logs to logger.
func (s *Schema) WithLogger(logger zerolog.Logger) *Schema {
	out := *s
	out.logger = logger
	return &out
}

// Name returns the schema name.
func (s *Schema) Name() string {
	return s.name
}

// CreateOptions control a bulk creation. Zero values select smart mode, a
// batch size derived from the first record and one worker.
type CreateOptions struct {
	Mode        capture.CommitMode
	BatchSize   int
	Concurrency int
}

// Create creates records and yields one outcome per record, in input order.
// A run that aborts yields an error wrapping ingest.ErrPipelineAborted last.
func (s *Schema) Create(ctx context.Context, records iter.Seq[capture.Record], opts CreateOptions) iter.Seq2[capture.Outcome, error] {
	cfg := ingest.DefaultConfig(s.name)
	if opts.Mode != "" {
		cfg.Mode = opts.Mode
	}
	if opts.BatchSize != 0 {
		cfg.BatchSize = opts.BatchSize
	}
	if opts.Concurrency != 0 {
		cfg.Concurrency = opts.Concurrency
	}
	return ingest.Run(ctx, s.remote, records, cfg, s.logger)
}

// IterateOptions control an iteration. Zero values select all attributes,
// the server's page size and no filter.
type IterateOptions struct {
	Attributes []string
	BatchSize  int
	Filter     string
}

// Iterate yields every record matching opts.Filter in ascending id order.
func (s *Schema) Iterate(ctx context.Context, opts IterateOptions) iter.Seq2[capture.Record, error] {
	return pagination.Iterate(ctx, s.remote, s.name, pagination.Config{
		Attributes: opts.Attributes,
		BatchSize:  opts.BatchSize,
		Filter:     opts.Filter,
	}, s.logger)
}

// Find runs a single entity.find call.
func (s *Schema) Find(ctx context.Context, q capture.FindQuery) ([]capture.Record, error) {
	return s.remote.Find(ctx, s.name, q)
}

// Count returns the number of records matching filter.
func (s *Schema) Count(ctx context.Context, filter string) (int64, error) {
	return s.remote.Count(ctx, s.name, filter)
}

// Delete removes every record of the schema.
func (s *Schema) Delete(ctx context.Context) error {
	s.logger.Warn().Msg("Purging all records")
	return s.remote.Purge(ctx, s.name)
}
