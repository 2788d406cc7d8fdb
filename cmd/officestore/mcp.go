package main

import (
	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/mcp"
	"github.com/choplin/officestore/internal/usecase"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server",
		Long:  "Start the Model Context Protocol server exposing read-only inspection of the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			server := mcp.NewServer(usecase.NewInspector(app.Store, app.Serializer), version)
			return server.Run(cmd.Context())
		},
	}

	return cmd
}
