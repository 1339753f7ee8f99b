// Package combine assembles bounded datasets from candidate partitions.
package combine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	rserrors "github.com/ratescope/ratescope/internal/errors"
	"github.com/ratescope/ratescope/internal/metadata"
	"github.com/ratescope/ratescope/internal/navigator"
)

// DefaultMaxRows bounds a combine when the caller supplies no budget.
const DefaultMaxRows = 10000

// Fetcher loads at most limit rows from one partition. Implementations
// must honor ctx cancellation.
type Fetcher interface {
	FetchRows(ctx context.Context, record *metadata.PartitionRecord, limit int64) (*RowBatch, error)
}

// Options tune a single combine run.
type Options struct {
	// MaxRows is the row budget (DefaultMaxRows when <= 0).
	MaxRows int64

	// MaxFetch caps how many candidates are attempted (0 = all).
	MaxFetch int
}

// Combiner assembles candidate partitions into combined datasets.
type Combiner struct {
	fetcher Fetcher
	log     zerolog.Logger
}

// New creates a combiner over the given fetcher.
func New(fetcher Fetcher, log zerolog.Logger) *Combiner {
	return &Combiner{fetcher: fetcher, log: log}
}

// Combine fetches the candidate partitions sequentially in candidate
// order, stopping at the row budget or the context deadline. Individual
// partition failures are recorded and skipped; the run fails only when
// there are no candidates or every attempted fetch failed. A deadline
// hit returns the rows assembled so far with TimedOut set.
func (c *Combiner) Combine(ctx context.Context, cs *navigator.CandidateSet, opts Options) (*CombinedDataset, error) {
	if cs == nil || cs.Empty() {
		return nil, rserrors.NewCombineError(rserrors.CodeNoCandidates,
			"combine: no candidate partitions", nil)
	}

	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	candidates := cs.Partitions
	if opts.MaxFetch > 0 && len(candidates) > opts.MaxFetch {
		candidates = candidates[:opts.MaxFetch]
	}

	ds := newDataset(maxRows)

	for _, record := range candidates {
		if ds.RowCount() >= maxRows {
			ds.RowBudgetReached = true
			break
		}
		if ctx.Err() != nil {
			ds.TimedOut = true
			break
		}

		remaining := maxRows - ds.RowCount()
		ds.PartitionsAttempted++

		batch, err := c.fetcher.FetchRows(ctx, record, remaining)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				ds.TimedOut = true
				break
			}
			c.log.Warn().
				Str("partition", record.Address()).
				Err(err).
				Msg("partition fetch failed, continuing")
			ds.Failures = append(ds.Failures, PartitionFailure{
				Address: record.Address(),
				Reason:  err.Error(),
			})
			continue
		}

		ds.appendBatch(record.Address(), batch)
		ds.PartitionsLoaded++
	}

	if ds.RowCount() >= maxRows {
		ds.RowBudgetReached = true
	}

	if ds.PartitionsLoaded == 0 && !ds.TimedOut {
		details := make(map[string]interface{}, 1)
		details["failures"] = ds.Failures
		return nil, rserrors.NewCombineError(rserrors.CodeAllFetchesFailed,
			fmt.Sprintf("combine: all %d partition fetches failed", ds.PartitionsAttempted),
			nil).WithDetails(details)
	}

	return ds, nil
}
