package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/schema"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "officestore %s (schema %d)\n", version, schema.LatestVersion)
		},
	}
}
