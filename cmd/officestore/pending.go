package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/usecase"
)

func newPendingCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "pending <doc-id>",
		Short: "Show local edits not yet acknowledged by the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			st, err := usecase.NewInspector(app.Store, app.Serializer).PendingStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if format == "json" {
				return outputPendingJSON(cmd, st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Document:      %s\n", st.DocID)
			fmt.Fprintf(out, "Base Version:  %d\n", st.Version)
			fmt.Fprintf(out, "Entries:       %d (%d commands)\n", st.Entries, st.Commands)
			if !st.OldestEntry.IsZero() {
				fmt.Fprintf(out, "Oldest Entry:  %s\n", st.OldestEntry.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(out, "Undeliverable: %t\n", st.Undeliverable)
			fmt.Fprintf(out, "Anachronistic: %t\n", st.Anachronistic)
			if st.Undeliverable {
				fmt.Fprintf(out, "\nThese edits cannot be saved. Run `officestore reset %s` to drop them.\n", st.DocID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}

type pendingOutput struct {
	DocID         string  `json:"doc_id"`
	Version       int64   `json:"version"`
	Entries       int     `json:"entries"`
	Commands      int     `json:"commands"`
	OldestEntry   *string `json:"oldest_entry,omitempty"`
	Undeliverable bool    `json:"undeliverable"`
	Anachronistic bool    `json:"anachronistic"`
}

func outputPendingJSON(cmd *cobra.Command, st *usecase.PendingStatus) error {
	output := pendingOutput{
		DocID:         st.DocID,
		Version:       st.Version,
		Entries:       st.Entries,
		Commands:      st.Commands,
		Undeliverable: st.Undeliverable,
		Anachronistic: st.Anachronistic,
	}
	if !st.OldestEntry.IsZero() {
		oldest := st.OldestEntry.Format(time.RFC3339)
		output.OldestEntry = &oldest
	}
	return outputJSON(cmd, output)
}
