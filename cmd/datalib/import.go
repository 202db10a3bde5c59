package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/janrain/datalib/pkg/records"
	"github.com/spf13/cobra"
)

func newImportCommand(a *app) *cobra.Command {
	var (
		mode        string
		batchSize   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "import SCHEMA [FILE]",
		Short: "Create records from JSON lines.",
		Long: `Reads one JSON object per line from FILE (standard input when omitted
or "-") and creates them in SCHEMA. Writes one outcome per input record to
standard output, in input order: {"id":..,"uuid":..} for created records,
{"failure":{..}} for rejected ones.

Exits non-zero when the import aborts. Outcomes written before the abort
are final; records after them were not created.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			commitMode, err := capture.ParseCommitMode(mode)
			if err != nil {
				return err
			}

			in := a.stdin
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx := cmd.Context()
			client, release, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer release()

			schema := records.Open(client, args[0])
			input, readErr := readRecords(in)

			out := json.NewEncoder(a.stdout)
			var created, failed int
			opts := records.CreateOptions{Mode: commitMode, BatchSize: batchSize, Concurrency: concurrency}
			for outcome, err := range schema.Create(ctx, input, opts) {
				if err != nil {
					return err
				}
				if outcome.OK() {
					created++
				} else {
					failed++
				}
				if err := out.Encode(outcome); err != nil {
					return fmt.Errorf("write outcome: %w", err)
				}
			}
			if err := readErr(); err != nil {
				return err
			}

			a.logger.Info().
				Str("schema", args[0]).
				Int("created", created).
				Int("failed", failed).
				Msg("Import finished")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mode, "mode", string(capture.ModeSmart), "Commit mode: smart, each or all")
	flags.IntVar(&batchSize, "batch-size", 0, "Records per API call, 0 to derive it from the first record")
	flags.IntVar(&concurrency, "concurrency", 1, "Number of API calls in flight")
	return cmd
}

// readRecords decodes a stream of JSON objects from r. Reading stops at
// the first malformed value; the returned function reports that error once
// the sequence has been consumed.
func readRecords(r io.Reader) (iter.Seq[capture.Record], func() error) {
	var readErr error
	seq := func(yield func(capture.Record) bool) {
		dec := json.NewDecoder(r)
		dec.UseNumber()
		for n := 1; ; n++ {
			var rec capture.Record
			if err := dec.Decode(&rec); err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = fmt.Errorf("input record %d: %w", n, err)
				}
				return
			}
			if rec == nil {
				readErr = fmt.Errorf("input record %d: not a JSON object", n)
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
	return seq, func() error { return readErr }
}
