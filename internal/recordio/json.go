package recordio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"rteval-parserd/internal/logging"
)

// WriteJSON writes rows to path as a JSON array of objects, one per row,
// keyed by column name. columns restricts which fields appear; empty
// selects QueueRowColumns.
func WriteJSON(rows []QueueRow, path string, columns []string) error {
	if err := ValidateColumns(columns); err != nil {
		return err
	}
	cols := columnsOrDefault(columns)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("recordio: create directory for %q: %w", path, err)
		}
	}

	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		rec := make(map[string]string, len(cols))
		for _, c := range cols {
			rec[c] = queueRowValue(row, c)
		}
		out[i] = rec
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("recordio: marshal rows to json: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("recordio: write %q: %w", path, err)
	}

	logf(logging.DEBUG, "WriteJSON wrote %d row(s) to %s", len(rows), path)
	return nil
}
