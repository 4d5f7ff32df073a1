package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"querysmith/internal/safety"
)

var (
	validateTables   []string
	validateQuestion string
)

var validateCmd = &cobra.Command{
	Use:   "validate [sql]",
	Short: "Run the safety validator against a SQL statement",
	Long: `Checks a statement against the read-only, explicit-column, bounded-result
policy without executing it. Exits non-zero when a blocking violation is
found.

Example:
  querysmith validate "SELECT * FROM drivers" --tables drivers`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringSliceVar(&validateTables, "tables", nil, "permitted table scope")
	validateCmd.Flags().StringVar(&validateQuestion, "question", "", "originating question, enables ranking checks")
}

func runValidate(cmd *cobra.Command, args []string) error {
	violations := safety.Validate(args[0], safety.Options{
		TableScope:      validateTables,
		RankingQuestion: safety.IsRankingQuestion(validateQuestion),
	})

	if len(violations) == 0 {
		fmt.Println("pass")
		return nil
	}

	for _, line := range safety.Strings(violations) {
		fmt.Println(line)
	}
	if safety.Blocking(violations) {
		return fmt.Errorf("blocking violations: %s", strings.Join(safety.Strings(violations), "; "))
	}
	return nil
}
