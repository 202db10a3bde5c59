package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Pipeline is one running ingest. Outcomes are pulled with Next or ranged
// over with All; both are single-pass.
type Pipeline struct {
	assembler   *Assembler
	reassembler *Reassembler
	config      Config
	logger      zerolog.Logger
	startTime   time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	failOnce sync.Once
	failed   chan struct{}
	cause    error

	finishOnce sync.Once
}

// Start validates cfg and starts the assembler and cfg.Concurrency
// workers. The caller must drain the pipeline or call Close.
func Start(ctx context.Context, creator BulkCreator, records iter.Seq[capture.Record], cfg Config, logger zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest config: %w", err)
	}

	logger = logger.With().Str("schema", cfg.Schema).Str("mode", string(cfg.Mode)).Logger()
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	queue := make(chan Batch, 2*cfg.Concurrency)
	results := make(chan BatchResult, cfg.Concurrency)

	p := &Pipeline{
		assembler: NewAssembler(cfg.BatchSize, logger),
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
	}
	p.reassembler = NewReassembler(results, p.failed, func() error { return p.cause })

	logger.Info().
		Int("batch_size", cfg.BatchSize).
		Int("concurrency", cfg.Concurrency).
		Msg("Starting ingest")

	g.Go(func() error {
		if err := p.assembler.Run(gctx, records, queue); err != nil {
			p.fail(err)
			return err
		}
		return nil
	})

	scheduler := NewScheduler(creator, cfg.Schema, cfg.Mode, logger)
	for i := 0; i < cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return scheduler.Worker(gctx, workerID, queue, results, p.fail)
		})
	}

	go func() {
		err := g.Wait()
		if err == nil && ctx.Err() != nil {
			// cancelled from outside while no call was in flight
			p.fail(&AbortError{Cause: ctx.Err()})
		}
		close(results)
		close(p.done)
	}()

	return p, nil
}

// fail records the first failure and cancels the run.
func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.cause = err
		close(p.failed)
		p.cancel()
	})
}

// BatchSize returns the batch size of the run, 0 until it has been derived.
func (p *Pipeline) BatchSize() int {
	return p.assembler.BatchSize()
}

// Next returns the next outcome in input order. It returns io.EOF after
// the last outcome and an *AbortError if the run failed.
func (p *Pipeline) Next() (capture.Outcome, error) {
	outcome, err := p.reassembler.Next()
	if err != nil {
		p.finish(err)
	}
	return outcome, err
}

func (p *Pipeline) finish(err error) {
	p.finishOnce.Do(func() {
		delivered := p.reassembler.Delivered()
		if errors.Is(err, io.EOF) {
			p.logger.Info().
				Int64("records", delivered).
				Int("batch_size", p.BatchSize()).
				Dur("duration", time.Since(p.startTime)).
				Msg("Ingest complete")
			return
		}
		p.logger.Error().
			Err(err).
			Int64("delivered", delivered).
			Dur("duration", time.Since(p.startTime)).
			Msg("Ingest aborted")
	})
}

// Close stops the run and waits for its goroutines. It is safe to call
// more than once and after the pipeline has been drained. A records
// sequence that blocks without yielding delays Close until it yields.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
	})
	return nil
}

// All returns the remaining outcomes as a sequence. A failure is yielded
// once as the final element. Breaking out of the loop closes the pipeline.
func (p *Pipeline) All() iter.Seq2[capture.Outcome, error] {
	return func(yield func(capture.Outcome, error) bool) {
		defer p.Close()
		for {
			outcome, err := p.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(capture.Outcome{}, err)
				return
			}
			if !yield(outcome, nil) {
				return
			}
		}
	}
}

// Run creates records in cfg.Schema and yields one outcome per record in
// input order. Each range over the result starts a new run.
func Run(ctx context.Context, creator BulkCreator, records iter.Seq[capture.Record], cfg Config, logger zerolog.Logger) iter.Seq2[capture.Outcome, error] {
	return func(yield func(capture.Outcome, error) bool) {
		p, err := Start(ctx, creator, records, cfg, logger)
		if err != nil {
			yield(capture.Outcome{}, err)
			return
		}
		for outcome, err := range p.All() {
			if !yield(outcome, err) {
				return
			}
		}
	}
}
