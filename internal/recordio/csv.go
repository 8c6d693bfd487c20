package recordio

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"rteval-parserd/internal/logging"
)

// WriteCSV writes rows to path as a single CSV file: a header row of
// column names followed by one row per QueueRow. columns restricts which
// fields are written and in what order; empty selects QueueRowColumns.
// The call is one-shot — there's no batching writer to Close, since export
// always has the whole row set in memory before it writes anything.
func WriteCSV(rows []QueueRow, path string, columns []string) error {
	if err := ValidateColumns(columns); err != nil {
		return err
	}
	cols := columnsOrDefault(columns)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("recordio: create directory for %q: %w", path, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recordio: create %q: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return fmt.Errorf("recordio: write csv header to %q: %w", path, err)
	}
	for i, row := range rows {
		record := make([]string, len(cols))
		for j, c := range cols {
			record[j] = queueRowValue(row, c)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recordio: write csv row %d to %q: %w", i, path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recordio: flush csv to %q: %w", path, err)
	}

	logf(logging.DEBUG, "WriteCSV wrote %d row(s) to %s", len(rows), path)
	return nil
}
