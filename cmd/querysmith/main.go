package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"querysmith/internal/config"
	"querysmith/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Resolved at startup
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "querysmith",
	Short: "querysmith - retrieval-augmented SQL drafting with self-correction",
	Long: `querysmith answers natural-language questions against a relational
dataset. It retrieves prior knowledge and learned corrections, drafts SQL
through a language model, validates it against a read-only safety policy,
executes it, and repairs failures within a bounded number of retries.
Validated patterns and discovered corrections persist so future questions
benefit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if configPath == "" {
			configPath = config.DefaultConfigPath()
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		root, err := config.FindWorkspaceRoot()
		if err != nil {
			root = "."
		}
		if err := logging.Initialize(root); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default: .querysmith/config.json)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(introspectCmd)
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
