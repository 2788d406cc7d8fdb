package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/usecase"
)

func newInfoCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show local store metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			app, err := openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			info, err := usecase.NewInspector(app.Store, app.Serializer).StoreInfo(cmd.Context())
			if err != nil {
				return err
			}

			if format == "json" {
				return outputJSON(cmd, infoOutput{
					Backend:       app.Config.Backend,
					Serializer:    app.Serializer.Name(),
					Version:       info.Version,
					LatestVersion: info.LatestVersion,
					RecordTypes:   info.RecordTypes,
					Stores:        info.Stores,
					Documents:     info.Documents,
				})
			}

			// Key-value pair format for single entry
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend:        %s\n", app.Config.Backend)
			fmt.Fprintf(out, "Serializer:     %s\n", app.Serializer.Name())
			fmt.Fprintf(out, "Schema Version: %d (latest %d)\n", info.Version, info.LatestVersion)
			fmt.Fprintf(out, "Record Types:   %s\n", strings.Join(info.RecordTypes, ", "))
			fmt.Fprintf(out, "Stores:         %s\n", strings.Join(info.Stores, ", "))
			fmt.Fprintf(out, "Documents:      %d\n", info.Documents)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}

type infoOutput struct {
	Backend       string   `json:"backend"`
	Serializer    string   `json:"serializer"`
	Version       int      `json:"version"`
	LatestVersion int      `json:"latestVersion"`
	RecordTypes   []string `json:"recordTypes"`
	Stores        []string `json:"stores"`
	Documents     int      `json:"documents"`
}
