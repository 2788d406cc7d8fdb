package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/usecase"
)

func newReplayCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "replay <doc-id> <part-id>",
		Short: "Print the stored command batches of a document part in replay order",
		Args:  cobra.ExactArgs(2),
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

			res, err := usecase.NewInspector(app.Store, app.Serializer).ReadCommands(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if format == "json" {
				return outputReplayJSON(cmd, res)
			}
			outputReplayTable(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}

type replayOutputBatch struct {
	Revision   int64            `json:"revision"`
	ChunkIndex int              `json:"chunk_index"`
	User       string           `json:"user,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`
	Commands   []map[string]any `json:"commands"`
}

func outputReplayJSON(cmd *cobra.Command, res *usecase.ReadCommandsResult) error {
	output := make([]replayOutputBatch, 0, len(res.Batches))
	for _, b := range res.Batches {
		item := replayOutputBatch{
			Revision:   b.Revision,
			ChunkIndex: b.ChunkIndex,
			User:       b.UserName,
			Commands:   make([]map[string]any, 0, len(b.Commands)),
		}
		if !b.Timestamp.IsZero() {
			item.Timestamp = b.Timestamp.Format(time.RFC3339)
		}
		for _, c := range b.Commands {
			item.Commands = append(item.Commands, map[string]any{"type": c.Type, "data": c.Data})
		}
		output = append(output, item)
	}
	return outputJSON(cmd, output)
}

func outputReplayTable(cmd *cobra.Command, res *usecase.ReadCommandsResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: head revision %d, %d batches, %d commands\n",
		res.DocID, res.PartID, res.HeadRevision, len(res.Batches), res.CommandCount())

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)

	typesWidth := getTerminalWidth() - (10 + 6 + 12 + 11 + 5*3)
	if typesWidth < 20 {
		typesWidth = 20
	}

	t.AppendHeader(table.Row{"Revision", "Chunk", "User", "Time", "Commands"})
	for _, b := range res.Batches {
		types := make([]string, 0, len(b.Commands))
		for _, c := range b.Commands {
			types = append(types, c.Type)
		}
		ts := ""
		if !b.Timestamp.IsZero() {
			ts = b.Timestamp.Format("01-02 15:04")
		}
		t.AppendRow(table.Row{
			b.Revision,
			b.ChunkIndex,
			runewidth.Truncate(b.UserName, 12, "..."),
			ts,
			runewidth.Truncate(strings.Join(types, " "), typesWidth, "..."),
		})
	}

	t.Render()
}
