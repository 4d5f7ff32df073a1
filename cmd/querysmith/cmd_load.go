package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"querysmith/internal/embedding"
	"querysmith/internal/seed"
	"querysmith/internal/store"
)

var loadWatch bool

var loadCmd = &cobra.Command{
	Use:   "load [knowledge-dir]",
	Short: "Load curated knowledge files into the store",
	Long: `Reads a knowledge directory (tables/*.yml, business/*.md, queries/*.sql)
into the knowledge store. Loading is idempotent; rerun it freely.

With --watch, keeps running and reloads files as they change.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().BoolVar(&loadWatch, "watch", false, "keep watching the directory for changes")
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dir := cfg.KnowledgeDir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return fmt.Errorf("no knowledge directory given; pass one or set knowledge_dir in config")
	}

	s, err := store.Open(cfg.GetStorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := embedding.NewEngine(cfg.GetEmbedding())
	if err != nil {
		logger.Warn("embedding unavailable, items saved without vectors", zap.Error(err))
		embedder = nil
	}

	loader := seed.NewLoader(s, embedder)
	result, err := loader.LoadDir(ctx, dir)
	if err != nil {
		return err
	}

	fmt.Printf("Loaded %d table specs, %d business rules, %d query patterns\n",
		result.TablesLoaded, result.RulesLoaded, result.PatternsLoaded)
	if len(result.Skipped) > 0 {
		fmt.Printf("Skipped: %s\n", strings.Join(result.Skipped, ", "))
	}

	if !loadWatch {
		return nil
	}

	watcher, err := seed.Watch(ctx, loader, dir)
	if err != nil {
		return err
	}
	defer watcher.Close()

	fmt.Printf("Watching %s (ctrl-c to stop)\n", dir)
	<-ctx.Done()
	return nil
}
