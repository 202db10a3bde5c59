package ingest

import (
	"fmt"

	"github.com/janrain/datalib/pkg/capture"
)

// Config holds pipeline configuration.
type Config struct {
	// Schema is the entity type records are created in (REQUIRED)
	Schema string

	// Mode selects how records of a batch commit
	Mode capture.CommitMode

	// BatchSize is the number of records per bulkCreate call.
	// 0 derives it from the first record with BatchSizeFor.
	BatchSize int

	// Concurrency is the number of parallel bulkCreate calls
	Concurrency int
}

// DefaultConfig returns the default configuration for schema.
func DefaultConfig(schema string) Config {
	return Config{
		Schema:      schema,
		Mode:        capture.ModeSmart,
		BatchSize:   0,
		Concurrency: 1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown commit mode %q", c.Mode)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0 (got %d)", c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency)
	}
	return nil
}
