package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/config"
)

func newMigrateCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local store to the latest schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), func(cfg *config.Config) {
				if reset {
					cfg.ResetOnIncompatible = true
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "Local store at schema version %d (%s backend)\n", app.Store.Version(), app.Config.Backend)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Destroy and recreate a store whose schema cannot be upgraded")

	return cmd
}
