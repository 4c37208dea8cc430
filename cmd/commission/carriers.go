package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/commission-engine/carrier"
)

func newCarriersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "carriers",
		Short: "Inspect carrier report formats",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the configured carrier registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := a.registry()
			if err != nil {
				return err
			}
			printFormats(cmd, registry)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check a carrier registry TOML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := carrier.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d carrier formats OK\n", args[0], len(registry.Formats()))
			return nil
		},
	})
	return cmd
}

func printFormats(cmd *cobra.Command, registry *carrier.Registry) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CARRIER\tTYPE\tSHEET\tENCODING\tFIELDS")
	for _, f := range registry.Formats() {
		fields := make([]string, 0, len(f.Columns))
		for field, col := range f.Columns {
			fields = append(fields, fmt.Sprintf("%s=%q", field, col))
		}
		sort.Strings(fields)
		sheet := f.Sheet
		if sheet == "" {
			sheet = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Name, f.FileType, sheet, f.Encoding, strings.Join(fields, " "))
	}
	tw.Flush()
}
