package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newEndpointsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "Print the endpoint table that would be scanned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := opts.cfg.EndpointTable()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tURL")
			for _, ep := range table.Endpoints() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", ep.Name, ep.Address(), ep.URL())
			}
			return w.Flush()
		},
	}
}
