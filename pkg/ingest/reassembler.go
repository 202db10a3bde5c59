package ingest

import (
	"fmt"
	"io"

	"github.com/janrain/datalib/pkg/capture"
)

// Reassembler turns out-of-order batch results into outcomes in input
// order. Only the goroutine calling Next touches its state.
type Reassembler struct {
	results <-chan BatchResult
	failed  <-chan struct{}
	cause   func() error

	next    Seq
	pending map[Seq]capture.Outcome
	err     error
}

// NewReassembler reads results until the channel is closed. Once failed
// is closed, Next returns the error reported by cause and drops whatever
// is still pending.
func NewReassembler(results <-chan BatchResult, failed <-chan struct{}, cause func() error) *Reassembler {
	return &Reassembler{
		results: results,
		failed:  failed,
		cause:   cause,
		next:    1,
		pending: make(map[Seq]capture.Outcome),
	}
}

// Delivered returns the number of outcomes returned so far.
func (r *Reassembler) Delivered() int64 {
	return int64(r.next - 1)
}

// Next returns the outcome of the next record in input order. It blocks
// until that outcome is available. At the end of the input it returns
// io.EOF; after a failure it returns the abort error. Both are sticky.
func (r *Reassembler) Next() (capture.Outcome, error) {
	if r.err != nil {
		return capture.Outcome{}, r.err
	}

	for {
		select {
		case <-r.failed:
			return capture.Outcome{}, r.abort()
		default:
		}

		if outcome, ok := r.pending[r.next]; ok {
			delete(r.pending, r.next)
			r.next++
			return outcome, nil
		}

		select {
		case <-r.failed:
			return capture.Outcome{}, r.abort()
		case result, ok := <-r.results:
			if !ok {
				return capture.Outcome{}, r.finish()
			}
			for i, outcome := range result.Outcomes {
				r.pending[result.Start+Seq(i)] = outcome
			}
		}
	}
}

func (r *Reassembler) abort() error {
	r.pending = nil
	r.err = r.cause()
	return r.err
}

// finish runs once every producer is done.
func (r *Reassembler) finish() error {
	select {
	case <-r.failed:
		return r.abort()
	default:
	}
	if len(r.pending) > 0 {
		r.err = &AbortError{Start: r.next, Cause: fmt.Errorf("no outcome for record %d", r.next)}
		r.pending = nil
		return r.err
	}
	r.err = io.EOF
	return r.err
}
