package combine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	rserrors "github.com/ratescope/ratescope/internal/errors"
	"github.com/ratescope/ratescope/internal/metadata"
	"github.com/ratescope/ratescope/internal/navigator"
)

// fakeFetcher serves canned batches keyed by object key and records the
// fetch order and limits it was asked for.
type fakeFetcher struct {
	batches map[string]*RowBatch
	errs    map[string]error
	delay   time.Duration

	fetched []string
	limits  []int64
}

func (f *fakeFetcher) FetchRows(ctx context.Context, record *metadata.PartitionRecord, limit int64) (*RowBatch, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.fetched = append(f.fetched, record.ObjectKey)
	f.limits = append(f.limits, limit)

	if err, ok := f.errs[record.ObjectKey]; ok {
		return nil, err
	}
	batch, ok := f.batches[record.ObjectKey]
	if !ok {
		return &RowBatch{}, nil
	}

	// Honor the limit the way the engine's LIMIT clause would.
	out := &RowBatch{Columns: batch.Columns}
	for i, row := range batch.Rows {
		if int64(i) >= limit {
			break
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func rateBatch(n int, cols ...string) *RowBatch {
	if len(cols) == 0 {
		cols = []string{"code", "rate"}
	}
	b := &RowBatch{Columns: cols}
	for i := 0; i < n; i++ {
		row := make([]interface{}, len(cols))
		for j := range cols {
			row[j] = fmt.Sprintf("%s-%d", cols[j], i)
		}
		b.Rows = append(b.Rows, row)
	}
	return b
}

func candidateSet(keys ...string) *navigator.CandidateSet {
	cs := &navigator.CandidateSet{}
	for _, k := range keys {
		cs.Partitions = append(cs.Partitions, &metadata.PartitionRecord{
			Bucket:    "rates",
			ObjectKey: k,
		})
	}
	cs.TotalMatches = len(keys)
	return cs
}

func TestCombine_SequentialCandidateOrder(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*RowBatch{
		"p1": rateBatch(2), "p2": rateBatch(2), "p3": rateBatch(2),
	}}
	c := New(f, zerolog.Nop())

	ds, err := c.Combine(context.Background(), candidateSet("p1", "p2", "p3"), Options{MaxRows: 100})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if len(f.fetched) != 3 || f.fetched[0] != "p1" || f.fetched[1] != "p2" || f.fetched[2] != "p3" {
		t.Errorf("fetch order = %v, want [p1 p2 p3]", f.fetched)
	}
	if ds.RowCount() != 6 || !ds.Complete() {
		t.Errorf("rows=%d complete=%v, want 6/true", ds.RowCount(), ds.Complete())
	}
}

func TestCombine_RowBudgetShortCircuits(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*RowBatch{
		"p1": rateBatch(800), "p2": rateBatch(800), "p3": rateBatch(800),
	}}
	c := New(f, zerolog.Nop())

	ds, err := c.Combine(context.Background(), candidateSet("p1", "p2", "p3"), Options{MaxRows: 1000})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if ds.RowCount() != 1000 {
		t.Errorf("rows = %d, want exactly the budget 1000", ds.RowCount())
	}
	if !ds.RowBudgetReached {
		t.Error("RowBudgetReached should be set")
	}
	// Third partition never fetched; second limited to the remainder.
	if len(f.fetched) != 2 {
		t.Errorf("fetched %v, want only p1 and p2", f.fetched)
	}
	if f.limits[1] != 200 {
		t.Errorf("second fetch limit = %d, want 200 (budget pushdown)", f.limits[1])
	}
}

func TestCombine_PartialFailureIsSuccess(t *testing.T) {
	f := &fakeFetcher{
		batches: map[string]*RowBatch{"p1": rateBatch(3), "p3": rateBatch(3)},
		errs:    map[string]error{"p2": errors.New("object vanished")},
	}
	c := New(f, zerolog.Nop())

	ds, err := c.Combine(context.Background(), candidateSet("p1", "p2", "p3"), Options{MaxRows: 100})
	if err != nil {
		t.Fatalf("partial failure must not fail the run: %v", err)
	}
	if ds.RowCount() != 6 || ds.PartitionsLoaded != 2 {
		t.Errorf("rows=%d loaded=%d, want 6/2", ds.RowCount(), ds.PartitionsLoaded)
	}
	if len(ds.Failures) != 1 || ds.Failures[0].Address != "rates/p2" {
		t.Errorf("failures = %+v, want one entry for rates/p2", ds.Failures)
	}
	if ds.Complete() {
		t.Error("dataset with failures is not complete")
	}
}

func TestCombine_AllFailuresIsError(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{
		"p1": errors.New("boom"), "p2": errors.New("boom"),
	}}
	c := New(f, zerolog.Nop())

	_, err := c.Combine(context.Background(), candidateSet("p1", "p2"), Options{MaxRows: 100})
	if err == nil {
		t.Fatal("all fetches failing must be an error")
	}
	if rserrors.GetCode(err) != rserrors.CodeAllFetchesFailed {
		t.Errorf("got code %q, want ALL_FETCHES_FAILED", rserrors.GetCode(err))
	}
}

func TestCombine_EmptyCandidatesIsError(t *testing.T) {
	c := New(&fakeFetcher{}, zerolog.Nop())

	_, err := c.Combine(context.Background(), candidateSet(), Options{MaxRows: 100})
	if err == nil {
		t.Fatal("empty candidate list must be an error")
	}
	if rserrors.GetCategory(err) != rserrors.ErrCategoryCombine {
		t.Errorf("got category %q, want COMBINE", rserrors.GetCategory(err))
	}
}

func TestCombine_DeadlineReturnsPartial(t *testing.T) {
	f := &fakeFetcher{
		batches: map[string]*RowBatch{
			"p1": rateBatch(5), "p2": rateBatch(5), "p3": rateBatch(5),
		},
		delay: 30 * time.Millisecond,
	}
	c := New(f, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()

	ds, err := c.Combine(ctx, candidateSet("p1", "p2", "p3"), Options{MaxRows: 100})
	if err != nil {
		t.Fatalf("deadline must yield a partial result, not an error: %v", err)
	}
	if !ds.TimedOut {
		t.Error("TimedOut should be set")
	}
	if ds.RowBudgetReached {
		t.Error("timeout must be distinguishable from the row budget")
	}
	if ds.RowCount() != 5 || ds.PartitionsLoaded != 1 {
		t.Errorf("rows=%d loaded=%d, want the first partition only", ds.RowCount(), ds.PartitionsLoaded)
	}
}

func TestCombine_UnionByName(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*RowBatch{
		"p1": {
			Columns: []string{"code", "rate"},
			Rows:    [][]interface{}{{"99213", 120.5}},
		},
		"p2": {
			Columns: []string{"code", "modifier"},
			Rows:    [][]interface{}{{"99214", "TC"}},
		},
	}}
	c := New(f, zerolog.Nop())

	ds, err := c.Combine(context.Background(), candidateSet("p1", "p2"), Options{MaxRows: 100})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}

	for _, col := range []string{SourceColumn, "code", "rate", "modifier"} {
		if ds.ColumnIndex(col) < 0 {
			t.Errorf("missing union column %q", col)
		}
	}

	rates := ds.Column("rate")
	if rates[0] != 120.5 || rates[1] != nil {
		t.Errorf("rate column = %v, want [120.5 nil]", rates)
	}
	mods := ds.Column("modifier")
	if mods[0] != nil || mods[1] != "TC" {
		t.Errorf("modifier column = %v, want [nil TC]", mods)
	}
	sources := ds.Column(SourceColumn)
	if sources[0] != "rates/p1" || sources[1] != "rates/p2" {
		t.Errorf("source column = %v", sources)
	}
}

func TestCombine_MaxFetchOverride(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*RowBatch{
		"p1": rateBatch(2), "p2": rateBatch(2), "p3": rateBatch(2),
	}}
	c := New(f, zerolog.Nop())

	ds, err := c.Combine(context.Background(), candidateSet("p1", "p2", "p3"),
		Options{MaxRows: 100, MaxFetch: 2})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if len(f.fetched) != 2 || ds.PartitionsAttempted != 2 {
		t.Errorf("attempted %d/%v, want 2 partitions", ds.PartitionsAttempted, f.fetched)
	}
}
