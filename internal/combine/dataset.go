package combine

// SourceColumn is the synthetic column recording which partition each
// row came from. Analysis skips underscore-prefixed columns.
const SourceColumn = "_partition_source"

// RowBatch is the rows fetched from a single partition.
type RowBatch struct {
	Columns []string
	Rows    [][]interface{}
}

// PartitionFailure records a candidate that could not be loaded.
type PartitionFailure struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// CombinedDataset is the assembled result of one combine run: the row
// union of the fetched partitions plus metadata describing how complete
// the assembly is.
type CombinedDataset struct {
	Columns []string
	Rows    [][]interface{}

	RowsRequested       int64
	PartitionsAttempted int
	PartitionsLoaded    int
	Failures            []PartitionFailure
	RowBudgetReached    bool
	TimedOut            bool

	colIndex map[string]int
}

// NewDataset builds a dataset from already-assembled columns and rows.
// Combine runs build datasets incrementally; this exists for callers
// that materialize datasets from other sources.
func NewDataset(columns []string, rows [][]interface{}) *CombinedDataset {
	d := &CombinedDataset{
		Columns:  columns,
		Rows:     rows,
		colIndex: make(map[string]int, len(columns)),
	}
	for i, col := range columns {
		d.colIndex[col] = i
	}
	return d
}

func newDataset(maxRows int64) *CombinedDataset {
	d := &CombinedDataset{
		RowsRequested: maxRows,
		colIndex:      make(map[string]int),
	}
	d.addColumn(SourceColumn)
	return d
}

// RowCount returns the number of assembled rows.
func (d *CombinedDataset) RowCount() int64 {
	return int64(len(d.Rows))
}

// Complete reports whether every candidate was fully consumed: no
// timeout, no budget truncation, no partition failures.
func (d *CombinedDataset) Complete() bool {
	return !d.TimedOut && !d.RowBudgetReached && len(d.Failures) == 0
}

// addColumn registers a new union column and pads existing rows with
// nil, since earlier partitions had no value for it.
func (d *CombinedDataset) addColumn(name string) int {
	idx := len(d.Columns)
	d.Columns = append(d.Columns, name)
	d.colIndex[name] = idx
	for i := range d.Rows {
		d.Rows[i] = append(d.Rows[i], nil)
	}
	return idx
}

// appendBatch merges one partition's rows into the dataset, unioning
// columns by name. Columns absent from the batch stay nil in its rows.
func (d *CombinedDataset) appendBatch(source string, batch *RowBatch) {
	mapping := make([]int, len(batch.Columns))
	for i, col := range batch.Columns {
		idx, ok := d.colIndex[col]
		if !ok {
			idx = d.addColumn(col)
		}
		mapping[i] = idx
	}
	srcIdx := d.colIndex[SourceColumn]

	for _, batchRow := range batch.Rows {
		row := make([]interface{}, len(d.Columns))
		row[srcIdx] = source
		for i, v := range batchRow {
			if i < len(mapping) {
				row[mapping[i]] = v
			}
		}
		d.Rows = append(d.Rows, row)
	}
}

// ColumnIndex returns the position of a column, or -1 when absent.
func (d *CombinedDataset) ColumnIndex(name string) int {
	if idx, ok := d.colIndex[name]; ok {
		return idx
	}
	return -1
}

// Column returns all values of one column in row order.
func (d *CombinedDataset) Column(name string) []interface{} {
	idx := d.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]interface{}, len(d.Rows))
	for i, row := range d.Rows {
		out[i] = row[idx]
	}
	return out
}
