package combine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ratescope/ratescope/internal/engine"
	rserrors "github.com/ratescope/ratescope/internal/errors"
	"github.com/ratescope/ratescope/internal/metadata"
	"github.com/ratescope/ratescope/internal/storage"
)

// EngineFetcher loads partition rows by spooling the object locally and
// reading it through a pooled analytical-engine connection. The row
// limit is pushed into the engine query, so over-budget rows are never
// fetched.
type EngineFetcher struct {
	spooler *storage.Spooler
	pool    *engine.Pool
	log     zerolog.Logger
}

// NewEngineFetcher creates a fetcher over the given spooler and pool.
func NewEngineFetcher(spooler *storage.Spooler, pool *engine.Pool, log zerolog.Logger) *EngineFetcher {
	return &EngineFetcher{spooler: spooler, pool: pool, log: log}
}

// FetchRows downloads (or reuses) the partition object and reads at
// most limit rows from it.
func (f *EngineFetcher) FetchRows(ctx context.Context, record *metadata.PartitionRecord, limit int64) (*RowBatch, error) {
	localPath, err := f.spooler.Ensure(ctx, record.Bucket, record.ObjectKey)
	if err != nil {
		return nil, rserrors.NewStorageError(rserrors.CodeDownloadFailed,
			fmt.Sprintf("combine: failed to spool %s", record.Address()), err)
	}

	conn, err := f.pool.Acquire(ctx, localPath)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := fmt.Sprintf("SELECT * FROM read_parquet(%s) LIMIT %d",
		sqlStringLiteral(localPath), limit)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, rserrors.NewEngineError(rserrors.CodeQueryFailed,
			fmt.Sprintf("combine: failed to read %s", record.Address()), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, rserrors.NewEngineError(rserrors.CodeQueryFailed,
			fmt.Sprintf("combine: failed to read columns of %s", record.Address()), err)
	}

	batch := &RowBatch{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, rserrors.NewEngineError(rserrors.CodeQueryFailed,
				fmt.Sprintf("combine: failed to scan row of %s", record.Address()), err)
		}
		batch.Rows = append(batch.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, rserrors.NewEngineError(rserrors.CodeQueryFailed,
			fmt.Sprintf("combine: row iteration failed for %s", record.Address()), err)
	}

	return batch, nil
}

// sqlStringLiteral quotes a string for inline use in an engine query.
func sqlStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
