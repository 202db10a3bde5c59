package main

import (
	"fmt"

	"github.com/janrain/datalib/pkg/records"
	"github.com/spf13/cobra"
)

func newCountCommand(a *app) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "count SCHEMA",
		Short: "Print the number of records in a schema.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, release, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer release()

			n, err := records.Open(client, args[0]).Count(ctx, filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, n)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "Only count records matching this filter")
	return cmd
}

func newSchemasCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List the entity types of the application.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, release, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer release()

			names, err := client.ListSchemas(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	}
}
