// Package introspect reads live schema metadata from the analytics
// database. It is the fallback context source: the engine consults it only
// when retrieval comes back empty or an execution failure points at a
// schema mismatch. Its output is advisory and never written back to the
// knowledge store automatically.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"querysmith/internal/logging"
)

// =============================================================================
// SCHEMA SNAPSHOT
// =============================================================================

// Column is one column of a table with its declared (not affinity) type.
type Column struct {
	Name         string
	DeclaredType string
}

// Table is one table's name and column list.
type Table struct {
	Name    string
	Columns []Column
}

// Schema is a point-in-time snapshot of the database layout.
type Schema struct {
	Tables []Table
}

// TableNames returns the names of all tables in the snapshot.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Render formats the snapshot as a compact text block suitable for a
// drafting hint.
func (s *Schema) Render() string {
	var b strings.Builder
	for _, t := range s.Tables {
		b.WriteString(t.Name)
		b.WriteString("(")
		for i, c := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			if c.DeclaredType != "" {
				b.WriteString(" ")
				b.WriteString(c.DeclaredType)
			}
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// =============================================================================
// INTROSPECTOR
// =============================================================================

// Introspector answers schema questions over a read-only database handle.
type Introspector struct {
	db *sql.DB
}

// New wraps an open database handle. The handle is shared, not owned.
func New(db *sql.DB) *Introspector {
	return &Introspector{db: db}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Describe returns the schema snapshot. With an empty tableName it covers
// every user table; otherwise just the named table.
func (i *Introspector) Describe(ctx context.Context, tableName string) (*Schema, error) {
	timer := logging.StartTimer(logging.CategoryIntrospect, "Describe")
	defer timer.Stop()

	var names []string
	if tableName != "" {
		names = []string{tableName}
	} else {
		rows, err := i.db.QueryContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, fmt.Errorf("failed to scan table name: %w", err)
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	schema := &Schema{}
	for _, name := range names {
		table, err := i.describeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, table)
	}

	logging.IntrospectDebug("Describe(%q): %d tables", tableName, len(schema.Tables))
	return schema, nil
}

func (i *Introspector) describeTable(ctx context.Context, name string) (Table, error) {
	if !identPattern.MatchString(name) {
		return Table{}, fmt.Errorf("invalid table name: %q", name)
	}

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
	if err != nil {
		return Table{}, fmt.Errorf("failed to describe %s: %w", name, err)
	}
	defer rows.Close()

	table := Table{Name: name}
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return Table{}, fmt.Errorf("failed to scan column of %s: %w", name, err)
		}
		table.Columns = append(table.Columns, Column{Name: colName, DeclaredType: colType})
	}
	if err := rows.Err(); err != nil {
		return Table{}, err
	}
	if len(table.Columns) == 0 {
		return Table{}, fmt.Errorf("table not found: %s", name)
	}

	return table, nil
}

// Sample returns up to n rows from the table, values rendered as text.
// NULL renders as the empty string.
func (i *Introspector) Sample(ctx context.Context, tableName string, n int) ([]string, [][]string, error) {
	if !identPattern.MatchString(tableName) {
		return nil, nil, fmt.Errorf("invalid table name: %q", tableName)
	}
	if n <= 0 {
		n = 5
	}

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %q LIMIT %d`, tableName, n))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sample %s: %w", tableName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]string
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		ptrs := make([]any, len(columns))
		for idx := range values {
			ptrs[idx] = &values[idx]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		row := make([]string, len(columns))
		for idx, v := range values {
			row[idx] = v.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return columns, out, nil
}
