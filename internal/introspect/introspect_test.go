package introspect

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE drivers (driver_id INTEGER PRIMARY KEY, full_name TEXT, nationality TEXT);
	CREATE TABLE races (race_id INTEGER PRIMARY KEY, name TEXT, date TEXT);
	INSERT INTO drivers VALUES (1, 'Lewis Hamilton', 'British'), (2, 'Max Verstappen', 'Dutch');
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("seed schema: %v", err)
	}
	return db
}

func TestDescribeAllTables(t *testing.T) {
	intro := New(newTestDB(t))

	schema, err := intro.Describe(context.Background(), "")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(schema.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(schema.Tables))
	}
	// sqlite_master listing is ordered by name.
	if schema.Tables[0].Name != "drivers" || schema.Tables[1].Name != "races" {
		t.Errorf("unexpected table order: %v", schema.TableNames())
	}

	drivers := schema.Tables[0]
	if len(drivers.Columns) != 3 {
		t.Fatalf("drivers columns = %d, want 3", len(drivers.Columns))
	}
	if drivers.Columns[0].Name != "driver_id" || drivers.Columns[0].DeclaredType != "INTEGER" {
		t.Errorf("unexpected first column: %+v", drivers.Columns[0])
	}
}

func TestDescribeSingleTable(t *testing.T) {
	intro := New(newTestDB(t))

	schema, err := intro.Describe(context.Background(), "races")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(schema.Tables) != 1 || schema.Tables[0].Name != "races" {
		t.Errorf("unexpected snapshot: %v", schema.TableNames())
	}

	if _, err := intro.Describe(context.Background(), "no_such_table"); err == nil {
		t.Error("unknown table should error")
	}
	if _, err := intro.Describe(context.Background(), "bad;name"); err == nil {
		t.Error("invalid identifier should be rejected")
	}
}

func TestSchemaRender(t *testing.T) {
	intro := New(newTestDB(t))
	schema, err := intro.Describe(context.Background(), "drivers")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	rendered := schema.Render()
	if !strings.Contains(rendered, "drivers(driver_id INTEGER, full_name TEXT, nationality TEXT)") {
		t.Errorf("unexpected rendering: %q", rendered)
	}
}

func TestSample(t *testing.T) {
	intro := New(newTestDB(t))

	columns, rows, err := intro.Sample(context.Background(), "drivers", 1)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(columns) != 3 {
		t.Errorf("columns = %v", columns)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0][1] != "Lewis Hamilton" {
		t.Errorf("unexpected row: %v", rows[0])
	}

	if _, _, err := intro.Sample(context.Background(), "drivers; DROP TABLE drivers", 1); err == nil {
		t.Error("invalid identifier should be rejected")
	}
}
