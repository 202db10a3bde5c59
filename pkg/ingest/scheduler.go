package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch submission.
var (
	ingestBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_ingest_batches_total",
		Help: "Total bulkCreate batch submissions by status",
	}, []string{"status"})

	ingestRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_ingest_records_total",
		Help: "Total records submitted by per-record result",
	}, []string{"result"})

	ingestBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_ingest_batch_duration_seconds",
		Help:    "Batch submission duration in seconds, smart fallback included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ingestSmartFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_ingest_smart_fallbacks_total",
		Help: "Total smart mode batches resubmitted with per-record commit",
	})
)

// BulkCreator submits one batch to the remote store. *capture.Client
// implements it.
type BulkCreator interface {
	BulkCreate(ctx context.Context, schema string, records []capture.Record, commitEach bool) ([]capture.Outcome, error)
}

// BatchResult holds the outcomes of one batch, in record order.
type BatchResult struct {
	Start    Seq
	Outcomes []capture.Outcome
}

// Scheduler submits queued batches with a fixed number of workers.
type Scheduler struct {
	creator BulkCreator
	schema  string
	mode    capture.CommitMode
	logger  zerolog.Logger
}

// NewScheduler creates a scheduler submitting to schema in mode.
func NewScheduler(creator BulkCreator, schema string, mode capture.CommitMode, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		creator: creator,
		schema:  schema,
		mode:    mode,
		logger:  logger,
	}
}

// Worker processes batches from queue until it is closed or ctx ends.
// A failed submission is returned as *AbortError after fail has been
// called with it; batches still queued at that point are left unsent.
func (s *Scheduler) Worker(ctx context.Context, workerID int, queue <-chan Batch, results chan<- BatchResult, fail func(error)) error {
	batchesProcessed := 0

	for batch := range queue {
		// Check context cancellation
		if ctx.Err() != nil {
			s.logger.Debug().
				Int("worker_id", workerID).
				Int("batches_processed", batchesProcessed).
				Msg("Worker stopping (context cancelled)")
			return nil
		}

		outcomes, err := s.submit(ctx, batch)
		if err != nil {
			abort := &AbortError{Start: batch.Start, Cause: err}
			fail(abort)
			s.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int64("start", int64(batch.Start)).
				Int("records", len(batch.Records)).
				Msg("Batch submission failed")
			return abort
		}

		select {
		case results <- BatchResult{Start: batch.Start, Outcomes: outcomes}:
		case <-ctx.Done():
			s.logger.Debug().
				Int("worker_id", workerID).
				Int("batches_processed", batchesProcessed).
				Msg("Worker stopping (context cancelled after submit)")
			return nil
		}

		batchesProcessed++
	}

	if batchesProcessed > 0 {
		s.logger.Debug().
			Int("worker_id", workerID).
			Int("batches_processed", batchesProcessed).
			Msg("Worker completed")
	}
	return nil
}

// submit sends one batch according to the commit mode. In smart mode a
// batch whose atomic submission reports any failed record is sent once
// more with per-record commit, and the outcomes of that call are used.
func (s *Scheduler) submit(ctx context.Context, batch Batch) ([]capture.Outcome, error) {
	start := time.Now()
	defer func() {
		ingestBatchDuration.Observe(time.Since(start).Seconds())
	}()

	outcomes, err := s.create(ctx, batch, s.mode == capture.ModeEach)
	if err != nil {
		ingestBatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if s.mode == capture.ModeSmart && anyFailed(outcomes) {
		ingestSmartFallbacksTotal.Inc()
		s.logger.Warn().
			Int64("start", int64(batch.Start)).
			Int("records", len(batch.Records)).
			Msg("Atomic batch rejected - resubmitting with per-record commit")

		outcomes, err = s.create(ctx, batch, true)
		if err != nil {
			ingestBatchesTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	ingestBatchesTotal.WithLabelValues("ok").Inc()
	for _, o := range outcomes {
		if o.OK() {
			ingestRecordsTotal.WithLabelValues("success").Inc()
		} else {
			ingestRecordsTotal.WithLabelValues("failure").Inc()
		}
	}

	s.logger.Debug().
		Int64("start", int64(batch.Start)).
		Int("records", len(batch.Records)).
		Dur("duration", time.Since(start)).
		Msg("Batch submitted")

	return outcomes, nil
}

func (s *Scheduler) create(ctx context.Context, batch Batch, commitEach bool) ([]capture.Outcome, error) {
	outcomes, err := s.creator.BulkCreate(ctx, s.schema, batch.Records, commitEach)
	if err != nil {
		return nil, err
	}
	if len(outcomes) != len(batch.Records) {
		return nil, fmt.Errorf("bulk create returned %d outcomes for %d records", len(outcomes), len(batch.Records))
	}
	return outcomes, nil
}

func anyFailed(outcomes []capture.Outcome) bool {
	for _, o := range outcomes {
		if !o.OK() {
			return true
		}
	}
	return false
}
