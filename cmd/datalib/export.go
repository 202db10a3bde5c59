package main

import (
	"encoding/json"
	"fmt"

	"github.com/janrain/datalib/pkg/records"
	"github.com/spf13/cobra"
)

func newExportCommand(a *app) *cobra.Command {
	var opts records.IterateOptions

	cmd := &cobra.Command{
		Use:   "export SCHEMA",
		Short: "Write every record of a schema as JSON lines.",
		Long: `Pages through SCHEMA in ascending id order and writes one JSON object
per record to standard output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, release, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer release()

			out := json.NewEncoder(a.stdout)
			n := 0
			for record, err := range records.Open(client, args[0]).Iterate(ctx, opts) {
				if err != nil {
					return err
				}
				if err := out.Encode(record); err != nil {
					return fmt.Errorf("write record: %w", err)
				}
				n++
			}

			a.logger.Info().Str("schema", args[0]).Int("records", n).Msg("Export finished")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.Attributes, "attributes", nil, "Attributes to export, all when empty")
	flags.IntVar(&opts.BatchSize, "batch-size", 0, "Records per page, 0 for the server default")
	flags.StringVar(&opts.Filter, "filter", "", "Only export records matching this filter")
	return cmd
}
