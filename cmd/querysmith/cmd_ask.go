package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"querysmith/internal/draft"
	"querysmith/internal/embedding"
	"querysmith/internal/engine"
	"querysmith/internal/executor"
	"querysmith/internal/introspect"
	"querysmith/internal/retrieval"
	"querysmith/internal/store"
	"querysmith/internal/types"
)

var (
	askTables     []string
	askSave       bool
	askNotes      string
	askDraftModel string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a natural-language question with validated SQL",
	Long: `Runs one question through the full search→draft→validate→execute→repair
cycle and prints the resulting rows. On exhaustion the complete attempt
trace is printed instead.

Example:
  querysmith ask "top driver by wins in 2019" --tables drivers,races --save`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringSliceVar(&askTables, "tables", nil, "restrict the session to these tables")
	askCmd.Flags().BoolVar(&askSave, "save", false, "persist the validated query as a knowledge pattern")
	askCmd.Flags().StringVar(&askNotes, "notes", "", "notes stored with a saved pattern")
	askCmd.Flags().StringVar(&askDraftModel, "model", "", "drafting model (default gemini-2.0-flash)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	ctx := cmd.Context()

	if cfg.DataSource == "" {
		return fmt.Errorf("no data source configured; set data_source in %s or QUERYSMITH_DATA_SOURCE", configPath)
	}

	s, err := store.Open(cfg.GetStorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := embedding.NewEngine(cfg.GetEmbedding())
	if err != nil {
		logger.Warn("embedding unavailable, retrieval is lexical-only", zap.Error(err))
		embedder = nil
	}

	exec, err := executor.Open(cfg.DataSource, cfg.GetExecTimeout())
	if err != nil {
		return err
	}
	defer exec.Close()

	drafter, err := draft.NewGenAIDrafter(cfg.GetEmbedding().GenAIAPIKey, askDraftModel)
	if err != nil {
		return fmt.Errorf("drafting collaborator unavailable: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:    s,
		Index:    retrieval.NewIndex(s, embedder, retrieval.Config{TopK: cfg.GetTopK(), MinRelevance: cfg.GetMinRelevance()}),
		Drafter:  drafter,
		Executor: exec,
		Schema:   introspect.New(exec.DB()),
		Embedder: embedder,

		RetryBound:   cfg.GetRetryBound(),
		DefaultLimit: cfg.GetDefaultLimit(),
		TopK:         cfg.GetTopK(),
		DraftTimeout: cfg.GetDraftTimeout(),
		ExecTimeout:  cfg.GetExecTimeout(),
	})
	if err != nil {
		return err
	}

	session, err := eng.Ask(ctx, question, askTables)
	if errors.Is(err, engine.ErrRetryExhausted) {
		fmt.Printf("No answer after %d attempts.\n\n", len(session.Attempts))
		printTrace(session)
		return err
	}
	if err != nil {
		return err
	}

	last := session.LastAttempt()
	fmt.Printf("SQL: %s\n\n", last.CandidateSQL)
	printRows(last.ExecutionResult)

	if warnings := last.ValidatorResult.Violations; len(warnings) > 0 {
		fmt.Printf("\nWarnings: %s\n", strings.Join(warnings, "; "))
	}

	if askSave {
		id, err := eng.SavePattern(ctx, session.ID, askNotes)
		if err != nil {
			return fmt.Errorf("answer produced but pattern not saved: %w", err)
		}
		fmt.Printf("\nSaved pattern %s\n", id)
	}
	return nil
}

func printRows(result *types.ExecutionResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	fmt.Printf("(%d rows)\n", result.RowCount)
}

func printTrace(session *types.QuerySession) {
	for _, a := range session.Attempts {
		fmt.Printf("attempt %d:\n", a.SequenceNo)
		if a.CandidateSQL != "" {
			fmt.Printf("  sql: %s\n", a.CandidateSQL)
		}
		if a.ValidatorResult != nil && len(a.ValidatorResult.Violations) > 0 {
			fmt.Printf("  validator: %s\n", strings.Join(a.ValidatorResult.Violations, "; "))
		}
		if a.ExecutionResult.Failed() {
			fmt.Printf("  error (%s): %s\n", a.ExecutionResult.ErrClass, a.ExecutionResult.Error)
		}
	}
}
