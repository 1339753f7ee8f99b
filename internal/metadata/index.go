// Package metadata provides the SQLite-backed partition index. The index
// maps filter dimensions to partition addresses in object storage and is
// read-only at runtime; it is produced out of band by the ingestion
// pipeline.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	rserrors "github.com/ratescope/ratescope/internal/errors"
	"github.com/ratescope/ratescope/internal/filter"
)

// PartitionRecord is one row of the partitions table: a partition address
// plus the dimension values and size statistics describing it.
type PartitionRecord struct {
	Bucket        string `json:"bucket"`
	ObjectKey     string `json:"object_key"`
	Payer         string `json:"payer"`
	State         string `json:"state"`
	BillingClass  string `json:"billing_class"`
	ProcedureSet  string `json:"procedure_set,omitempty"`
	TaxonomyCode  string `json:"taxonomy_code,omitempty"`
	TaxonomyDesc  string `json:"taxonomy_desc,omitempty"`
	StatArea      string `json:"stat_area,omitempty"`
	Year          string `json:"year,omitempty"`
	Month         string `json:"month,omitempty"`
	FileSizeBytes int64  `json:"file_size_bytes,omitempty"`
	EstimatedRows int64  `json:"estimated_rows,omitempty"`
}

// Address returns the partition address as "bucket/object_key". Addresses
// are unique across the index.
func (r *PartitionRecord) Address() string {
	return r.Bucket + "/" + r.ObjectKey
}

// DimensionValue returns the record's value for a known dimension.
func (r *PartitionRecord) DimensionValue(dim filter.Dimension) string {
	switch dim {
	case filter.DimPayer:
		return r.Payer
	case filter.DimState:
		return r.State
	case filter.DimBillingClass:
		return r.BillingClass
	case filter.DimProcedureSet:
		return r.ProcedureSet
	case filter.DimTaxonomyCode:
		return r.TaxonomyCode
	case filter.DimTaxonomyDesc:
		return r.TaxonomyDesc
	case filter.DimStatArea:
		return r.StatArea
	case filter.DimYear:
		return r.Year
	case filter.DimMonth:
		return r.Month
	}
	return ""
}

// dimensionColumns maps dimensions to their physical column names. Only
// columns listed here are ever interpolated into SQL.
var dimensionColumns = map[filter.Dimension]string{
	filter.DimPayer:        "payer",
	filter.DimState:        "state",
	filter.DimBillingClass: "billing_class",
	filter.DimProcedureSet: "procedure_set",
	filter.DimTaxonomyCode: "taxonomy_code",
	filter.DimTaxonomyDesc: "taxonomy_desc",
	filter.DimStatArea:     "stat_area",
	filter.DimYear:         "year",
	filter.DimMonth:        "month",
}

const selectColumns = `bucket, object_key, payer, state, billing_class,
	procedure_set, taxonomy_code, taxonomy_desc, stat_area, year, month,
	file_size_bytes, estimated_rows`

// Index is the read-only partition index.
type Index struct {
	readDB *sql.DB
	dbPath string

	// Prepared statement cache keyed by query text.
	findStmtCache map[string]*sql.Stmt
	findStmtMu    sync.RWMutex
}

// Open opens the index at dbPath with a read-only connection pool.
func Open(dbPath string) (*Index, error) {
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			fmt.Sprintf("metadata: failed to open index %s", dbPath), err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &Index{
		readDB:        readDB,
		dbPath:        dbPath,
		findStmtCache: make(map[string]*sql.Stmt),
	}, nil
}

// Ping verifies the index is reachable and structurally sound.
func (ix *Index) Ping(ctx context.Context) error {
	var n int
	err := ix.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='partitions'").Scan(&n)
	if err != nil {
		return rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: index unreachable", err)
	}
	if n == 0 {
		return rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: partitions table missing", nil)
	}
	return nil
}

// Find returns all partitions matching fs. Matching is conjunctive across
// dimensions and disjunctive within one (IN over the dimension's values).
// Unknown dimensions in fs are ignored. The empty result is a valid
// outcome and is distinct from index failure.
func (ix *Index) Find(ctx context.Context, fs filter.Set) ([]*PartitionRecord, error) {
	norm := fs.Normalize()

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectColumns)
	sb.WriteString(" FROM partitions")

	var args []interface{}
	var clauses []string
	// Canonical dimension order keeps the query text stable for the
	// statement cache.
	for _, dim := range filter.AllDimensions() {
		vals := norm.Values(dim)
		if len(vals) == 0 {
			continue
		}
		col := dimensionColumns[dim]
		placeholders := strings.Repeat("?,", len(vals))
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col, placeholders[:len(placeholders)-1]))
		for _, v := range vals {
			args = append(args, v)
		}
	}
	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	sb.WriteString(" ORDER BY bucket, object_key")

	stmt, err := ix.getOrPrepareStmt(ctx, sb.String())
	if err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: failed to prepare find query", err)
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: find query failed", err)
	}
	defer rows.Close()

	return scanPartitionRows(rows)
}

// ListDistinct returns the ordered distinct values of a known dimension,
// with empty values stripped.
func (ix *Index) ListDistinct(ctx context.Context, dim filter.Dimension) ([]string, error) {
	col, ok := dimensionColumns[dim]
	if !ok {
		return nil, rserrors.NewValidationError(rserrors.CodeInvalidFilterValue,
			fmt.Sprintf("metadata: unknown dimension %q", dim))
	}

	query := fmt.Sprintf(
		"SELECT DISTINCT %s FROM partitions WHERE %s IS NOT NULL AND %s != '' ORDER BY %s",
		col, col, col, col)

	rows, err := ix.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			fmt.Sprintf("metadata: list distinct %s failed", dim), err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("metadata: failed to scan distinct value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: distinct value iteration failed", err)
	}
	return values, nil
}

// PayerNames returns the payer slug → display name mapping.
func (ix *Index) PayerNames(ctx context.Context) (map[string]string, error) {
	return ix.nameMap(ctx, "SELECT payer, display_name FROM dim_payers")
}

// TaxonomyNames returns the taxonomy code → description mapping.
func (ix *Index) TaxonomyNames(ctx context.Context) (map[string]string, error) {
	return ix.nameMap(ctx, "SELECT taxonomy_code, description FROM dim_taxonomies")
}

func (ix *Index) nameMap(ctx context.Context, query string) (map[string]string, error) {
	rows, err := ix.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: name lookup failed", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("metadata: failed to scan name row: %w", err)
		}
		names[key] = name
	}
	if err := rows.Err(); err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: name iteration failed", err)
	}
	return names, nil
}

// getOrPrepareStmt returns a cached prepared statement for the query,
// preparing and caching it on first use.
func (ix *Index) getOrPrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	ix.findStmtMu.RLock()
	stmt, ok := ix.findStmtCache[query]
	ix.findStmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	ix.findStmtMu.Lock()
	defer ix.findStmtMu.Unlock()
	if stmt, ok := ix.findStmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := ix.readDB.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	ix.findStmtCache[query] = stmt
	return stmt, nil
}

// scanPartitionRows scans a result set into partition records.
func scanPartitionRows(rows *sql.Rows) ([]*PartitionRecord, error) {
	var records []*PartitionRecord
	for rows.Next() {
		var r PartitionRecord
		err := rows.Scan(
			&r.Bucket, &r.ObjectKey,
			&r.Payer, &r.State, &r.BillingClass,
			&r.ProcedureSet, &r.TaxonomyCode, &r.TaxonomyDesc, &r.StatArea,
			&r.Year, &r.Month,
			&r.FileSizeBytes, &r.EstimatedRows,
		)
		if err != nil {
			return nil, fmt.Errorf("metadata: failed to scan partition row: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, rserrors.NewIndexError(rserrors.CodeIndexUnavailable,
			"metadata: partition iteration failed", err)
	}
	return records, nil
}

// Close closes the index and releases cached statements.
func (ix *Index) Close() error {
	ix.findStmtMu.Lock()
	for _, stmt := range ix.findStmtCache {
		stmt.Close()
	}
	ix.findStmtCache = make(map[string]*sql.Stmt)
	ix.findStmtMu.Unlock()

	if err := ix.readDB.Close(); err != nil {
		return fmt.Errorf("metadata: failed to close index: %w", err)
	}
	return nil
}
