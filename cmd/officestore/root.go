package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/application"
	"github.com/choplin/officestore/internal/config"
	"github.com/choplin/officestore/internal/logger"
)

var (
	backendFlag    string
	serializerFlag string
	logLevelFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "officestore",
	Short:         "officestore - offline storage and command sync for collaborative documents",
	Long:          "officestore keeps documents, their command history and unsent local edits on disk, and replays them to the collaboration server.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Storage backend: sqlite or pebble (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serializerFlag, "serializer", "", "Command serializer: json or cbor (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newDocumentsCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newPendingCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newMCPCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if backendFlag != "" {
		cfg.Backend = backendFlag
	}
	if serializerFlag != "" {
		cfg.Serializer = serializerFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
}

// openApp loads the configuration and opens the local store. tweak, when
// set, may adjust the configuration first.
func openApp(ctx context.Context, tweak func(*config.Config)) (*application.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(cfg)
	}
	return application.Open(ctx, cfg, newLogger(cfg), version)
}
