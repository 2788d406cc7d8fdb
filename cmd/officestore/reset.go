package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/usecase"
)

func newResetCmd() *cobra.Command {
	var (
		reason string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "reset <doc-id>",
		Short: "Drop the unsent local edits of a document",
		Long: "Drop every pending edit of a document and clear its undeliverable state. The edits are lost; the document continues from the last server revision.\n" +
			"Refuses while another session has the document open unless --force is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			dropped, err := usecase.NewInspector(app.Store, app.Serializer).ResetPending(cmd.Context(), args[0], reason, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d pending entr%s of %s\n", dropped, pluralY(dropped), args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual reset", "Reason recorded in the log")
	cmd.Flags().BoolVar(&force, "force", false, "Reset even while another session holds the document")

	return cmd
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
