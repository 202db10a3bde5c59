package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/rs/zerolog"
)

// Batch size limits of a bulkCreate call.
const (
	// MaxBatchBytes is the serialized size a derived batch aims to stay under.
	MaxBatchBytes = 1_000_000

	// MaxBatchRecords caps a derived batch size.
	MaxBatchRecords = 2000
)

// Seq is the 1-based position of a record in the input.
type Seq int64

// Batch is a contiguous run of input records starting at Start.
type Batch struct {
	Start   Seq
	Records []capture.Record
}

// BatchSizeFor derives a batch size from the serialized size of record.
// The size is that of the record encoded with ", " and ": " separators
// and ASCII-only escapes.
func BatchSizeFor(record capture.Record) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return 0, fmt.Errorf("serialize first record: %w", err)
	}
	return min(MaxBatchRecords, 1+MaxBatchBytes/serializedLen(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))), nil
}

// serializedLen returns the length of compact JSON once a space follows
// every separator and non-ASCII characters are escaped.
func serializedLen(compact []byte) int {
	n := 0
	inString, escaped := false, false
	for _, r := range string(compact) {
		switch {
		case r >= 0x10000:
			n += 12
		case r >= 0x80:
			n += 6
		default:
			n++
		}
		switch {
		case inString && escaped:
			escaped = false
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case !inString && (r == ',' || r == ':'):
			n++
		}
	}
	return n
}

// Assembler cuts a record stream into batches.
type Assembler struct {
	size   atomic.Int64
	next   Seq
	logger zerolog.Logger
}

// NewAssembler creates an assembler. A size of 0 is derived from the first record.
func NewAssembler(size int, logger zerolog.Logger) *Assembler {
	a := &Assembler{next: 1, logger: logger}
	a.size.Store(int64(size))
	return a
}

// BatchSize returns the batch size in use, 0 until it has been derived.
// It is safe to call while Run is in progress.
func (a *Assembler) BatchSize() int {
	return int(a.size.Load())
}

// Run reads records and sends full batches to queue, flushing the partial
// tail at the end. It blocks while queue is full and closes queue when it
// returns. If ctx ends first the error is an *AbortError wrapping ctx.Err().
func (a *Assembler) Run(ctx context.Context, records iter.Seq[capture.Record], queue chan<- Batch) error {
	defer close(queue)

	size := a.BatchSize()
	var batch Batch
	for record := range records {
		if size == 0 {
			derived, err := BatchSizeFor(record)
			if err != nil {
				return &AbortError{Start: a.next, Cause: err}
			}
			size = derived
			a.size.Store(int64(size))
			a.logger.Debug().Int("batch_size", size).Msg("Derived batch size from first record")
		}

		if len(batch.Records) == 0 {
			batch = Batch{Start: a.next, Records: make([]capture.Record, 0, size)}
		}
		batch.Records = append(batch.Records, record)
		a.next++

		if len(batch.Records) == size {
			if err := a.emit(ctx, queue, batch); err != nil {
				return &AbortError{Start: batch.Start, Cause: err}
			}
			batch = Batch{}
		}
	}

	if len(batch.Records) > 0 {
		if err := a.emit(ctx, queue, batch); err != nil {
			return &AbortError{Start: batch.Start, Cause: err}
		}
	}
	return nil
}

func (a *Assembler) emit(ctx context.Context, queue chan<- Batch, batch Batch) error {
	select {
	case queue <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
