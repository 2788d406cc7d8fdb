package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/commandstorage"
	"github.com/choplin/officestore/internal/errorreporter"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/recovery"
	"github.com/choplin/officestore/internal/savestate"
	"github.com/choplin/officestore/internal/session"
)

func newSyncCmd() *cobra.Command {
	var (
		serverURL string
		docType   string
		readStdin bool
	)

	cmd := &cobra.Command{
		Use:   "sync <doc-id>",
		Short: "Open a document session and sync pending edits with the server",
		Long: "Open a document session: claim the document lease, send pending edits and store the server's command stream until interrupted.\n" +
			"With --stdin, every input line is a JSON command ({\"t\": type, \"d\": data}) saved as a local edit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			if serverURL == "" {
				serverURL = app.Config.ServerURL
			}
			if serverURL == "" {
				return errors.New("no server url: pass --server or set server_url")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			log := logger.For(app.Log, "session")
			reporter, err := errorreporter.New(logger.For(app.Log, "errors"), errorreporter.Options{
				SentryDSN: app.Config.SentryDSN,
				Release:   version,
				OnFatal:   func(error) { cancel() },
			})
			if err != nil {
				return err
			}
			defer reporter.Flush(2 * time.Second)

			warner := &recovery.LogWarner{Log: log}
			s, err := session.New(ctx, session.Deps{
				Store:        app.Store,
				DocID:        args[0],
				DocType:      docType,
				ServerURL:    serverURL,
				Serializer:   app.Serializer,
				QueueExpiry:  app.Config.PendingQueueExpiry,
				LeaseRefresh: app.Config.LockRefreshInterval,
				Metrics:      app.Metrics,
				Warner:       warner,
				Reload:       cancel,
				Idle: commandstorage.IdleNotifierFunc(func() {
					log.Warnw("session went idle: the server stopped acknowledging edits")
					cancel()
				}),
				Reporter: reporter,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close(context.WithoutCancel(ctx))
			}()

			s.Syncer().OnChange(func(_, to savestate.State) {
				fmt.Fprintf(cmd.ErrOrStderr(), "save state: %s\n", to)
			})
			if readStdin {
				go feedCommands(ctx, s, cmd.InOrStdin(), log)
			}
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Collaboration server websocket URL (overrides config)")
	cmd.Flags().StringVar(&docType, "type", "text", "Document type used when the document is new")
	cmd.Flags().BoolVar(&readStdin, "stdin", false, "Read JSON commands from stdin and save them as local edits")

	return cmd
}

func feedCommands(ctx context.Context, s *session.Session, r io.Reader, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c command.Command
		if err := json.Unmarshal(line, &c); err != nil {
			log.Warnw("skipping invalid command", "error", err)
			continue
		}
		if err := s.SaveCommands(ctx, []command.Command{c}); err != nil {
			log.Warnw("failed to save command", "error", err)
			if errors.Is(err, commandstorage.ErrSessionExpired) {
				return
			}
		}
	}
}
