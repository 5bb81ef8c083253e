package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	const latest = 1

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		// The PRIMARY KEY on resource_key is the mutual-exclusion primitive:
		// a plain INSERT can only succeed for one caller per resource.
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS leases (
  resource_key   TEXT PRIMARY KEY,
  owner_id       TEXT NOT NULL,
  tab_id         TEXT NOT NULL,
  token          TEXT NOT NULL,
  acquired_at_ns INTEGER NOT NULL,
  expires_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(expires_at_ns);

CREATE TABLE IF NOT EXISTS lease_requests (
  resource_key   TEXT PRIMARY KEY,
  requester_id   TEXT NOT NULL,
  requester_tab  TEXT NOT NULL,
  created_at_ns  INTEGER NOT NULL,
  expires_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lease_requests_expiry ON lease_requests(expires_at_ns);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
