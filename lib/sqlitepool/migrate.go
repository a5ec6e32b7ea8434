// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Migration is one schema step owned by a storage package. Steps for a
// component are applied in slice order; each step runs at most once per
// database.
type Migration struct {
	Version int
	Script  string
}

// Migrate applies the component's pending migrations in a single
// IMMEDIATE transaction. Applied versions are recorded in
// schema_versions keyed by component name, so packages sharing a
// database migrate independently.
func (p *Pool) Migrate(ctx context.Context, component string, migrations []Migration) error {
	err := p.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, `
			CREATE TABLE IF NOT EXISTS schema_versions (
				component TEXT PRIMARY KEY,
				version   INTEGER NOT NULL
			)`, nil); err != nil {
			return err
		}

		current := 0
		if err := sqlitex.Execute(conn,
			`SELECT version FROM schema_versions WHERE component = ?`,
			&sqlitex.ExecOptions{
				Args: []any{component},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					current = stmt.ColumnInt(0)
					return nil
				},
			}); err != nil {
			return err
		}

		applied := current
		for _, migration := range migrations {
			if migration.Version <= current {
				continue
			}
			if err := sqlitex.ExecuteScript(conn, migration.Script, nil); err != nil {
				return fmt.Errorf("version %d: %w", migration.Version, err)
			}
			applied = migration.Version
		}
		if applied == current {
			return nil
		}
		p.logger.Info("schema migrated", "component", component, "from", current, "to", applied)
		return sqlitex.Execute(conn,
			`INSERT INTO schema_versions (component, version) VALUES (?, ?)
			 ON CONFLICT(component) DO UPDATE SET version = excluded.version`,
			&sqlitex.ExecOptions{Args: []any{component, applied}})
	})
	if err != nil {
		return fmt.Errorf("sqlitepool: migrating %s: %w", component, err)
	}
	return nil
}
