package main

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/choplin/officestore/internal/usecase"
)

func newDocumentsCmd() *cobra.Command {
	var (
		docType string
		format  string
	)

	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List stored documents",
		Args:    cobra.NoArgs,
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

			docs, err := usecase.NewInspector(app.Store, app.Serializer).ListDocuments(cmd.Context(), docType)
			if err != nil {
				return err
			}

			if format == "json" {
				return outputDocumentsJSON(cmd, docs)
			}
			outputDocumentsTable(cmd, docs)
			return nil
		},
	}

	cmd.Flags().StringVar(&docType, "type", "", "Only list documents of this type")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}

type documentOutputEntry struct {
	ID                 string  `json:"id"`
	Type               string  `json:"type"`
	Title              string  `json:"title,omitempty"`
	LastSyncedRevision int64   `json:"last_synced_revision"`
	Created            bool    `json:"created"`
	Batches            int     `json:"batches"`
	StagedBatches      int     `json:"staged_batches"`
	LockedBy           *string `json:"locked_by,omitempty"`
	LockExpires        *string `json:"lock_expires,omitempty"`
}

func outputDocumentsJSON(cmd *cobra.Command, docs []usecase.DocumentSummary) error {
	output := make([]documentOutputEntry, 0, len(docs))
	for _, d := range docs {
		item := documentOutputEntry{
			ID:                 d.ID,
			Type:               d.Type,
			Title:              d.Title,
			LastSyncedRevision: d.LastSyncedRevision,
			Created:            d.Created,
			Batches:            d.Batches,
			StagedBatches:      d.StagedBatches,
		}
		if d.LockedBy != "" {
			holder := d.LockedBy
			expires := d.LockExpiresAt.Format(time.RFC3339)
			item.LockedBy = &holder
			item.LockExpires = &expires
		}
		output = append(output, item)
	}
	return outputJSON(cmd, output)
}

func outputDocumentsTable(cmd *cobra.Command, docs []usecase.DocumentSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	idWidth := maxWidth(ids, 8, 40)

	// Fixed columns: type, revision, batches, staged, lock, plus borders
	fixed := 10 + 8 + 7 + 6 + 12 + 7*3
	titleWidth := getTerminalWidth() - fixed - idWidth
	if titleWidth < 15 {
		titleWidth = 15
	}

	// Titles are truncated here rather than with WidthMax, which does not
	// measure multi-byte characters correctly.
	t.AppendHeader(table.Row{"ID", "Type", "Title", "Revision", "Batches", "Staged", "Locked By"})
	for _, d := range docs {
		lock := ""
		if d.LockedBy != "" {
			lock = runewidth.Truncate(d.LockedBy, 12, "...")
		}
		t.AppendRow(table.Row{
			wrapString(d.ID, idWidth),
			d.Type,
			runewidth.Truncate(d.Title, titleWidth, "..."),
			d.LastSyncedRevision,
			d.Batches,
			d.StagedBatches,
			lock,
		})
	}

	t.Render()
}
