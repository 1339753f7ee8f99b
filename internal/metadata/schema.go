package metadata

// Schema contains the SQL schema definitions for the partition index
// (index.db). The index is produced by the ingestion pipeline; at runtime
// this engine only reads it. The DDL lives here so tests and seed tooling
// can build fixture indexes.

import (
	"database/sql"
	"fmt"
)

// CreatePartitionsTableSQL creates the core partitions table. One row per
// partition object; (bucket, object_key) is the unique partition address.
const CreatePartitionsTableSQL = `
CREATE TABLE IF NOT EXISTS partitions (
    bucket TEXT NOT NULL,
    object_key TEXT NOT NULL,
    payer TEXT NOT NULL,
    state TEXT NOT NULL,
    billing_class TEXT NOT NULL,
    procedure_set TEXT NOT NULL DEFAULT '',
    taxonomy_code TEXT NOT NULL DEFAULT '',
    taxonomy_desc TEXT NOT NULL DEFAULT '',
    stat_area TEXT NOT NULL DEFAULT '',
    year TEXT NOT NULL DEFAULT '',
    month TEXT NOT NULL DEFAULT '',
    file_size_bytes INTEGER NOT NULL DEFAULT 0,
    estimated_rows INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (bucket, object_key)
)`

// CreatePartitionsIndexesSQL creates indexes for the common lookup shapes.
var CreatePartitionsIndexesSQL = []string{
	// The required-dimension triple drives every resolution
	`CREATE INDEX IF NOT EXISTS idx_partitions_required
		ON partitions(payer, state, billing_class)`,

	// Optional refinements
	`CREATE INDEX IF NOT EXISTS idx_partitions_procedure
		ON partitions(procedure_set)`,
	`CREATE INDEX IF NOT EXISTS idx_partitions_taxonomy
		ON partitions(taxonomy_code)`,

	// Temporal refinements
	`CREATE INDEX IF NOT EXISTS idx_partitions_period
		ON partitions(year, month)`,
}

// CreateDimPayersTableSQL creates the payer display-name table.
const CreateDimPayersTableSQL = `
CREATE TABLE IF NOT EXISTS dim_payers (
    payer TEXT PRIMARY KEY,
    display_name TEXT NOT NULL
)`

// CreateDimTaxonomiesTableSQL creates the taxonomy description table.
const CreateDimTaxonomiesTableSQL = `
CREATE TABLE IF NOT EXISTS dim_taxonomies (
    taxonomy_code TEXT PRIMARY KEY,
    description TEXT NOT NULL
)`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreatePartitionsTableSQL,
		CreateDimPayersTableSQL,
		CreateDimTaxonomiesTableSQL,
	}
	stmts = append(stmts, CreatePartitionsIndexesSQL...)
	return stmts
}

// BuildIndex builds an index database at dbPath containing the given
// records and dimension tables. Used by tests and seed tooling; the
// runtime engine never writes to the index.
func BuildIndex(dbPath string, records []*PartitionRecord, payers, taxonomies map[string]string) error {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("metadata: failed to open index database: %w", err)
	}
	defer db.Close()

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("metadata: failed to execute schema statement: %w", err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("metadata: failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(`
		INSERT INTO partitions (
			bucket, object_key, payer, state, billing_class,
			procedure_set, taxonomy_code, taxonomy_desc, stat_area,
			year, month, file_size_bytes, estimated_rows
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("metadata: failed to prepare partition insert: %w", err)
	}
	defer insert.Close()

	for _, r := range records {
		_, err := insert.Exec(
			r.Bucket, r.ObjectKey, r.Payer, r.State, r.BillingClass,
			r.ProcedureSet, r.TaxonomyCode, r.TaxonomyDesc, r.StatArea,
			r.Year, r.Month, r.FileSizeBytes, r.EstimatedRows,
		)
		if err != nil {
			return fmt.Errorf("metadata: failed to insert partition %s: %w", r.Address(), err)
		}
	}

	for slug, name := range payers {
		if _, err := tx.Exec("INSERT INTO dim_payers (payer, display_name) VALUES (?, ?)", slug, name); err != nil {
			return fmt.Errorf("metadata: failed to insert payer %s: %w", slug, err)
		}
	}
	for code, desc := range taxonomies {
		if _, err := tx.Exec("INSERT INTO dim_taxonomies (taxonomy_code, description) VALUES (?, ?)", code, desc); err != nil {
			return fmt.Errorf("metadata: failed to insert taxonomy %s: %w", code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata: failed to commit index: %w", err)
	}
	return nil
}
