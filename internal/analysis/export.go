package analysis

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/ratescope/ratescope/internal/combine"
)

// ExportCSV writes the dataset as CSV: a header row of all columns
// (synthetic columns included, so exports are traceable to their source
// partitions) followed by the data rows. Nil cells become empty fields.
func ExportCSV(ds *combine.CombinedDataset, w io.Writer) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(ds.Columns); err != nil {
		return fmt.Errorf("analysis: failed to write csv header: %w", err)
	}

	record := make([]string, len(ds.Columns))
	for _, row := range ds.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) && row[i] != nil {
				record[i] = fmt.Sprint(row[i])
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("analysis: failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("analysis: failed to flush csv: %w", err)
	}
	return nil
}
