// Package seed loads curated knowledge files into the knowledge store. The
// knowledge directory has three shapes of file:
//
//	tables/*.yml    table metadata (name, description, columns)
//	business/*.md   business rule prose
//	queries/*.sql   validated query patterns, first comment line is the question
//
// Loading is idempotent: unchanged files resolve to their existing items
// through the store's content hash, so re-running a load never duplicates.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"querysmith/internal/embedding"
	"querysmith/internal/logging"
	"querysmith/internal/safety"
	"querysmith/internal/store"
	"querysmith/internal/types"
)

// =============================================================================
// LOADER
// =============================================================================

// Loader reads knowledge files and persists them as knowledge items.
type Loader struct {
	store    *store.Store
	embedder embedding.Engine // nil means items are saved without vectors

	// known table names, populated from tables/ files, used to tag
	// business rules by the tables they mention.
	knownTables map[string]bool
}

// NewLoader creates a loader over the given store. embedder may be nil.
func NewLoader(s *store.Store, embedder embedding.Engine) *Loader {
	return &Loader{
		store:       s,
		embedder:    embedder,
		knownTables: make(map[string]bool),
	}
}

// Result summarizes one load pass.
type Result struct {
	TablesLoaded   int
	RulesLoaded    int
	PatternsLoaded int
	Skipped        []string
}

// LoadDir walks the knowledge directory and loads every recognized file.
// Unrecognized or malformed files are skipped and reported, never fatal.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySeed, "LoadDir")
	defer timer.Stop()

	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("knowledge directory not readable: %w", err)
	}

	result := &Result{}

	// Tables first so business rules can be tagged against known names.
	for _, path := range listFiles(filepath.Join(dir, "tables"), ".yml", ".yaml") {
		if err := l.LoadFile(ctx, path); err != nil {
			logging.Get(logging.CategorySeed).Warn("Skipping %s: %v", path, err)
			result.Skipped = append(result.Skipped, path)
			continue
		}
		result.TablesLoaded++
	}
	for _, path := range listFiles(filepath.Join(dir, "business"), ".md", ".txt") {
		if err := l.LoadFile(ctx, path); err != nil {
			logging.Get(logging.CategorySeed).Warn("Skipping %s: %v", path, err)
			result.Skipped = append(result.Skipped, path)
			continue
		}
		result.RulesLoaded++
	}
	for _, path := range listFiles(filepath.Join(dir, "queries"), ".sql") {
		if err := l.LoadFile(ctx, path); err != nil {
			logging.Get(logging.CategorySeed).Warn("Skipping %s: %v", path, err)
			result.Skipped = append(result.Skipped, path)
			continue
		}
		result.PatternsLoaded++
	}

	logging.Seed("Loaded knowledge dir %s: %d tables, %d rules, %d patterns, %d skipped",
		dir, result.TablesLoaded, result.RulesLoaded, result.PatternsLoaded, len(result.Skipped))
	return result, nil
}

// LoadFile loads a single knowledge file, dispatching on its location and
// extension.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	switch {
	case isUnder(path, "tables") && hasExt(path, ".yml", ".yaml"):
		return l.loadTableFile(ctx, path)
	case isUnder(path, "business") && hasExt(path, ".md", ".txt"):
		return l.loadRuleFile(ctx, path)
	case isUnder(path, "queries") && hasExt(path, ".sql"):
		return l.loadQueryFile(ctx, path)
	default:
		return fmt.Errorf("unrecognized knowledge file: %s", path)
	}
}

// =============================================================================
// FILE FORMATS
// =============================================================================

// tableSpec is the YAML shape of a tables/ file.
type tableSpec struct {
	Table       string `yaml:"table"`
	Description string `yaml:"description"`
	Columns     []struct {
		Name        string `yaml:"name"`
		Type        string `yaml:"type"`
		Description string `yaml:"description"`
	} `yaml:"columns"`
}

func (l *Loader) loadTableFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var spec tableSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("invalid table spec: %w", err)
	}
	if spec.Table == "" {
		return fmt.Errorf("table spec missing table name")
	}

	var b strings.Builder
	b.WriteString(spec.Table)
	if spec.Description != "" {
		b.WriteString(": ")
		b.WriteString(spec.Description)
	}
	for _, col := range spec.Columns {
		b.WriteString("\n- ")
		b.WriteString(col.Name)
		if col.Type != "" {
			b.WriteString(" (")
			b.WriteString(col.Type)
			b.WriteString(")")
		}
		if col.Description != "" {
			b.WriteString(": ")
			b.WriteString(col.Description)
		}
	}

	l.knownTables[strings.ToLower(spec.Table)] = true

	return l.save(ctx, types.KnowledgeItem{
		Kind: types.KindTableMetadata,
		Text: b.String(),
		Tags: []string{strings.ToLower(spec.Table)},
	})
}

func (l *Loader) loadRuleFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("empty rule file")
	}

	return l.save(ctx, types.KnowledgeItem{
		Kind: types.KindBusinessRule,
		Text: text,
		Tags: l.mentionedTables(text),
	})
}

func (l *Loader) loadQueryFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	question, sqlText := splitQueryFile(string(data))
	if sqlText == "" {
		return fmt.Errorf("query file has no SQL")
	}

	text := sqlText
	if question != "" {
		text = "Q: " + question + "\n" + sqlText
	}

	return l.save(ctx, types.KnowledgeItem{
		Kind: types.KindQueryPattern,
		Text: text,
		Tags: safety.ReferencedTables(sqlText),
	})
}

func (l *Loader) save(ctx context.Context, item types.KnowledgeItem) error {
	if l.embedder != nil {
		vec, err := l.embedder.Embed(ctx, item.Text)
		if err != nil {
			logging.Get(logging.CategorySeed).Warn("Embedding failed, saving without vector: %v", err)
		} else {
			item.Embedding = vec
		}
	}
	_, err := l.store.SaveKnowledgeItem(item)
	return err
}

// mentionedTables tags a free-text rule with the known table names it
// mentions.
func (l *Loader) mentionedTables(text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for table := range l.knownTables {
		if strings.Contains(lower, table) {
			tags = append(tags, table)
		}
	}
	return tags
}

// splitQueryFile separates the leading "-- Q: ..." comment from the SQL
// body.
func splitQueryFile(content string) (question, sqlText string) {
	var sqlLines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if question == "" && strings.HasPrefix(trimmed, "-- Q:") {
			question = strings.TrimSpace(strings.TrimPrefix(trimmed, "-- Q:"))
			continue
		}
		sqlLines = append(sqlLines, line)
	}
	return question, strings.TrimSpace(strings.Join(sqlLines, "\n"))
}

// =============================================================================
// HELPERS
// =============================================================================

func listFiles(dir string, exts ...string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if hasExt(name, exts...) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func isUnder(path, dirName string) bool {
	return filepath.Base(filepath.Dir(path)) == dirName
}
