package ingest

import (
	"errors"
	"fmt"
)

// ErrPipelineAborted matches every *AbortError.
var ErrPipelineAborted = errors.New("ingest pipeline aborted")

// AbortError ends an outcome sequence when a batch submission fails.
// Start is the sequence number of the first record of the failed batch,
// or 0 when the run was cancelled from outside with no call in flight.
type AbortError struct {
	Start Seq
	Cause error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	return fmt.Sprintf("ingest pipeline aborted at record %d: %v", e.Start, e.Cause)
}

// Unwrap returns the cause.
func (e *AbortError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrPipelineAborted) true.
func (e *AbortError) Is(target error) bool {
	return target == ErrPipelineAborted
}
