package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	origin TEXT NOT NULL,
	file_key TEXT NOT NULL DEFAULT '',
	total INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_tenant ON batches(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	tenant_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	row_no INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	doc_type TEXT NOT NULL DEFAULT 'unknown',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	canonical_key TEXT NOT NULL DEFAULT '',
	domain_record_id TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_batch ON items(batch_id, idx, row_no);
CREATE INDEX IF NOT EXISTS idx_items_stale ON items(updated_at) WHERE status NOT IN ('promoted', 'failed');

CREATE TABLE IF NOT EXISTS domain_records (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	source_item_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount NUMERIC(18, 2),
	record_date DATE,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, kind, natural_key)
);

CREATE TABLE IF NOT EXISTS domain_record_lines (
	record_id TEXT NOT NULL REFERENCES domain_records(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	description TEXT NOT NULL,
	sku TEXT NOT NULL DEFAULT '',
	quantity NUMERIC(18, 4),
	unit_price NUMERIC(18, 4),
	amount NUMERIC(18, 2),
	tax_rate NUMERIC(7, 4),
	PRIMARY KEY (record_id, position)
);

CREATE TABLE IF NOT EXISTS corrections (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	original_doc_type TEXT NOT NULL,
	corrected_doc_type TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrections_tenant ON corrections(tenant_id);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2024010201)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
