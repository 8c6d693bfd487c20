// Package export implements the "rteval-parserd export" subcommand: a
// read-only dump of the submissionqueue table to a file, for reconciling a
// submission stuck in the queue against the report file still sitting on
// disk. It bypasses the ingestion machinery entirely and never opens a
// database connection until the request has been validated.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/recordio"

	"github.com/Knetic/govaluate"
)

// ErrBadRequest marks a Request that failed validation before any database
// connection was attempted: an unsupported format, a missing output path,
// an unrecognized column, or a filter expression that fails to parse.
var ErrBadRequest = errors.New("export: bad request")

// Request describes one submissionqueue export.
type Request struct {
	Format  string   // csv or json
	Output  string   // destination file path
	Filter  string   // optional govaluate expression evaluated per row
	Columns []string // optional column allow-list; empty means all columns
}

// Run validates req, reads every submissionqueue row through a
// recordio.PostgresReader, applies the optional filter, and writes the
// surviving rows in req.Format.
func Run(ctx context.Context, connStr string, req Request, log *logging.LogSink) error {
	recordio.SetLogger(log)

	if req.Output == "" {
		return fmt.Errorf("%w: output path is required", ErrBadRequest)
	}
	format := strings.ToLower(req.Format)
	if format != "csv" && format != "json" {
		return fmt.Errorf("%w: unsupported format %q (want csv or json)", ErrBadRequest, req.Format)
	}
	if err := recordio.ValidateColumns(req.Columns); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	var filterExpr *govaluate.EvaluableExpression
	if req.Filter != "" {
		expr, err := govaluate.NewEvaluableExpression(req.Filter)
		if err != nil {
			return fmt.Errorf("%w: invalid filter expression %q: %v", ErrBadRequest, req.Filter, err)
		}
		filterExpr = expr
	}

	reader := recordio.NewPostgresReader(connStr)

	if log != nil {
		log.Writef(logging.INFO, "export: reading submissionqueue")
	}
	rows, err := reader.Read(ctx)
	if err != nil {
		return fmt.Errorf("export: read submissionqueue: %w", err)
	}

	filtered, skipped := applyFilter(rows, filterExpr, log)
	if log != nil {
		log.Writef(logging.INFO, "export: %d rows kept, %d dropped by filter", len(filtered), skipped)
	}

	var writeErr error
	switch format {
	case "csv":
		writeErr = recordio.WriteCSV(filtered, req.Output, req.Columns)
	case "json":
		writeErr = recordio.WriteJSON(filtered, req.Output, req.Columns)
	}
	if writeErr != nil {
		return fmt.Errorf("export: write %q: %w", req.Output, writeErr)
	}

	if log != nil {
		log.Writef(logging.INFO, "export: wrote %d row(s) to %s", len(filtered), req.Output)
	}
	return nil
}

// applyFilter evaluates expr against every row's Params and keeps only the
// rows for which it evaluates to a boolean true. A row whose evaluation
// errors or returns a non-bool is dropped and logged, never treated as a
// match.
func applyFilter(rows []recordio.QueueRow, expr *govaluate.EvaluableExpression, log *logging.LogSink) ([]recordio.QueueRow, int) {
	if expr == nil {
		return rows, 0
	}

	kept := make([]recordio.QueueRow, 0, len(rows))
	skipped := 0
	for i, row := range rows {
		result, err := expr.Evaluate(row.Params())
		if err != nil {
			if log != nil {
				log.Writef(logging.WARNING, "export: filter error on row %d: %v, dropping row", i, err)
			}
			skipped++
			continue
		}
		keep, isBool := result.(bool)
		if !isBool {
			if log != nil {
				log.Writef(logging.WARNING, "export: filter returned non-bool %T on row %d, dropping row", result, i)
			}
			skipped++
			continue
		}
		if keep {
			kept = append(kept, row)
		} else {
			skipped++
		}
	}
	return kept, skipped
}
