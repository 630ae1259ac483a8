package journal

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// schemaStep is one embedded SQL file; files apply in name order.
type schemaStep struct {
	version string
	body    string
}

func schemaSteps() ([]schemaStep, error) {
	names, err := fs.Glob(schemaFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list journal schema: %w", err)
	}
	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read journal schema %s: %w", name, err)
		}
		steps = append(steps, schemaStep{
			version: strings.TrimSuffix(path.Base(name), ".sql"),
			body:    string(body),
		})
	}
	return steps, nil
}

// applyMigrations brings the schema up to date in one transaction.
func (s *Store) applyMigrations(ctx context.Context) error {
	steps, err := schemaSteps()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	applied := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("query schema_version: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, step := range steps {
		if applied[step.version] {
			continue
		}
		if _, err := tx.ExecContext(ctx, step.body); err != nil {
			return fmt.Errorf("apply journal schema %s: %w", step.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, step.version); err != nil {
			return fmt.Errorf("record journal schema %s: %w", step.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema update: %w", err)
	}
	return nil
}
