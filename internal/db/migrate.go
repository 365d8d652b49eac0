package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// MigrationResult reports what Migrate did.
type MigrationResult struct {
	Applied int
	Skipped int
}

// Migrate applies every embedded *.up.sql file that is not yet recorded in
// schema_migrations, in lexical order. Each file is sent without arguments so
// multi-statement files run over the simple protocol.
func Migrate(ctx context.Context, conn DBTX, logger *zap.Logger) (MigrationResult, error) {
	var res MigrationResult

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return res, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return res, err
	}

	for _, name := range names {
		var applied bool
		err := conn.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&applied)
		if err != nil {
			return res, fmt.Errorf("check applied %s: %w", name, err)
		}
		if applied {
			logger.Debug("migration already applied", zap.String("name", name))
			res.Skipped++
			continue
		}

		contents, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", name, err)
		}

		start := time.Now()
		if _, err := conn.Exec(ctx, string(contents)); err != nil {
			return res, fmt.Errorf("execute %s: %w", name, err)
		}

		if _, err := conn.Exec(ctx,
			"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name,
		); err != nil {
			return res, fmt.Errorf("mark applied %s: %w", name, err)
		}

		res.Applied++
		logger.Info("migration applied",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return res, nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
