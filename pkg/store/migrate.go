package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelweb/novelforge/internal/logger"
)

// schemaVersion is the current version of the managed schema. Bumping it
// and appending a migration below is the only supported way to evolve the
// tables.
const schemaVersion = 1

var baseStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		id INT PRIMARY KEY DEFAULT 1,
		schema_version INT NOT NULL,
		CHECK (id = 1)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		source_url TEXT NOT NULL UNIQUE,
		site_name TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT,
		cover_url TEXT,
		total_chapters INT NOT NULL DEFAULT 0,
		total_words INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chapters (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chapter_num INT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		source_url TEXT NOT NULL,
		word_count INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (document_id, chapter_num)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chapters_document_id ON chapters(document_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id UUID PRIMARY KEY,
		config_name TEXT NOT NULL,
		book_id TEXT NOT NULL,
		max_workers INT NOT NULL,
		use_proxy BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		create_time TIMESTAMPTZ NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		stage TEXT NOT NULL,
		detail TEXT,
		total_chapters INT NOT NULL DEFAULT 0,
		completed_chapters INT NOT NULL DEFAULT 0,
		failed_chapters INT NOT NULL DEFAULT 0,
		current_chapter TEXT,
		document_title TEXT,
		document_author TEXT,
		error_message TEXT
	)`,
}

// migrations holds version-gated ALTER statements applied in order after
// baseStatements, tolerating "already exists" errors the way a repeated
// CREATE TABLE IF NOT EXISTS run naturally would.
var migrations = map[int][]string{
	// Reserved for future schema revisions; version 1 is the base schema
	// created directly by baseStatements.
}

// Migrate creates the schema if absent and applies any pending version-gated
// migrations, all inside one transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range baseStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: base schema: %w", err)
		}
	}

	var currentVersion int
	err = tx.QueryRow(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&currentVersion)
	if err != nil {
		currentVersion = 0
		if _, err := tx.Exec(ctx, `INSERT INTO schema_meta (id, schema_version) VALUES (1, 0)`); err != nil {
			return fmt.Errorf("migrate: seed schema_meta: %w", err)
		}
	}

	for v := currentVersion + 1; v <= schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(ctx, stmt); err != nil && !isIdempotentSkip(err) {
				return fmt.Errorf("migrate: version %d: %w", v, err)
			}
		}
		logger.InfoContext(ctx, "schema migration applied", "version", v)
	}

	if _, err := tx.Exec(ctx, `UPDATE schema_meta SET schema_version = $1 WHERE id = 1`, schemaVersion); err != nil {
		return fmt.Errorf("migrate: update schema_meta: %w", err)
	}

	return tx.Commit(ctx)
}

// isIdempotentSkip tolerates re-applying a migration whose effect already
// exists, so Migrate stays safe to run on every startup.
func isIdempotentSkip(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
}
