// Package db holds the Postgres plumbing shared by the tenant-scoped stores.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

//go:embed migrations/001_core_tables.sql
var coreTablesSQL string

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, coreTablesSQL); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// TenantTx runs fn inside a transaction whose session carries the tenant from
// ctx in app.current_tenant_id. The setting is transaction local, so pooled
// connections never leak a tenant into the next borrower.
func TenantTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx, tenantID string) error) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("TenantTx: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("TenantTx: set tenant: %w", err)
	}

	if err := fn(tx, tenantID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("TenantTx: commit: %w", err)
	}
	return nil
}
