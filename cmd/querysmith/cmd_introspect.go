package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"querysmith/internal/executor"
	"querysmith/internal/introspect"
	"querysmith/internal/types"
)

var introspectSample int

var introspectCmd = &cobra.Command{
	Use:   "introspect [table]",
	Short: "Print a live schema snapshot of the data source",
	Long: `Reads table and column metadata straight from the configured data
source. With a table argument, restricts to that table; --sample also
prints a few rows.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIntrospect,
}

func init() {
	introspectCmd.Flags().IntVar(&introspectSample, "sample", 0, "also print up to N sample rows")
}

func runIntrospect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cfg.DataSource == "" {
		return fmt.Errorf("no data source configured; set data_source in %s or QUERYSMITH_DATA_SOURCE", configPath)
	}

	exec, err := executor.Open(cfg.DataSource, cfg.GetExecTimeout())
	if err != nil {
		return err
	}
	defer exec.Close()

	intro := introspect.New(exec.DB())

	table := ""
	if len(args) > 0 {
		table = args[0]
	}

	schema, err := intro.Describe(ctx, table)
	if err != nil {
		return err
	}
	fmt.Print(schema.Render())

	if introspectSample > 0 && table != "" {
		columns, rows, err := intro.Sample(ctx, table, introspectSample)
		if err != nil {
			return err
		}
		fmt.Println()
		printRows(sampleResult(columns, rows))
	}
	return nil
}

func sampleResult(columns []string, rows [][]string) *types.ExecutionResult {
	return &types.ExecutionResult{Columns: columns, Rows: rows, RowCount: len(rows)}
}
