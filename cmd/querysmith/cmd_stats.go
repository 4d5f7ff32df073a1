package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"querysmith/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print knowledge and learning store counts",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := store.Open(cfg.GetStorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats()
	if err != nil {
		return err
	}

	tables := make([]string, 0, len(stats))
	for table := range stats {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, table := range tables {
		fmt.Fprintf(w, "%s\t%d\n", table, stats[table])
	}
	return w.Flush()
}
