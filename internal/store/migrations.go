package store

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/maestro/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration is one embedded script named NNN_name.sql.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations reads the embedded scripts ordered by version.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, file := range files {
		base := strings.TrimSuffix(path.Base(file), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, convErr := strconv.Atoi(num)
		if !ok || convErr != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration file %s: want NNN_name.sql", file)
		}
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(data)})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.Version - b.Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].Version)
		}
	}
	return out, nil
}

// runMigrations applies every embedded migration the database has not
// recorded. Recorded rows must match the embedded list: an unknown version
// means the database was written by a newer build.
func runMigrations(ctx context.Context, db *sql.DB) error {
	known, err := loadMigrations(migrationFS)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load migrations: %s", err.Error()).WithCause(err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create schema_version: %s", err.Error()).WithCause(err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	byVersion := make(map[int]string, len(known))
	for _, m := range known {
		byVersion[m.Version] = m.Name
	}
	for version, name := range applied {
		want, ok := byVersion[version]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeStore,
				"database has migration %d (%s) that this build does not know", version, name)
		}
		if want != name {
			return schema.NewErrorf(schema.ErrCodeStore,
				"migration %d is recorded as %q, expected %q", version, name, want)
		}
	}

	for _, m := range known {
		if _, done := applied[m.Version]; done {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"migration %d (%s): %s", m.Version, m.Name, err.Error()).WithCause(err)
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, name FROM schema_version`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read schema_version: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			version int
			name    string
		)
		if err := rows.Scan(&version, &name); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan schema_version: %s", err.Error()).WithCause(err)
		}
		out[version] = name
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read schema_version: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// applyMigration runs m and records it in one transaction.
func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements drops "--" comment lines and splits the rest on
// semicolons. The schema scripts keep one statement per terminator and no
// semicolons inside literals.
func splitStatements(script string) []string {
	var body strings.Builder
	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var stmts []string
	for _, raw := range strings.Split(body.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
