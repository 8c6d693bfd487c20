// Package recordio reads submissionqueue rows out of PostgreSQL and writes
// them to CSV or JSON for the "rteval-parserd export" subcommand — the
// read-only half of the reconciliation path spec.md §9 asks for when a
// submission gets stuck: dump its queue row next to the report file still
// sitting on disk and compare by hand.
package recordio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"rteval-parserd/internal/job"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/util"

	"github.com/jackc/pgx/v5"
)

// defaultDbTimeout bounds the connect-and-query round trip for the export reader.
const defaultDbTimeout = 30 * time.Second

// pgxConnectFunc allows overriding pgx.Connect in tests.
var pgxConnectFunc = pgx.Connect

// QueueRow is one row of the submissionqueue table, the only table the
// export subcommand can read.
type QueueRow struct {
	SubmissionID int64
	ClientID     string
	Filename     string
	Status       job.SubmissionStatus
	Received     time.Time
}

// Params projects the row into the parameter map a govaluate filter
// expression is evaluated against.
func (r QueueRow) Params() map[string]interface{} {
	return map[string]interface{}{
		"submid":   r.SubmissionID,
		"clientid": r.ClientID,
		"filename": r.Filename,
		"status":   r.Status.String(),
		"received": r.Received,
	}
}

// QueueRowColumns are the submissionqueue columns export understands, in
// the order they appear by default.
var QueueRowColumns = []string{"submid", "clientid", "filename", "status", "received"}

// ValidateColumns reports an error if any entry in columns isn't one of
// QueueRowColumns. An empty columns selects all of them and is always valid.
func ValidateColumns(columns []string) error {
	if len(columns) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(QueueRowColumns))
	for _, c := range QueueRowColumns {
		allowed[c] = true
	}
	for _, c := range columns {
		if !allowed[c] {
			return fmt.Errorf("recordio: column %q is not one of %v", c, QueueRowColumns)
		}
	}
	return nil
}

func columnsOrDefault(columns []string) []string {
	if len(columns) == 0 {
		return QueueRowColumns
	}
	return columns
}

func queueRowValue(row QueueRow, column string) string {
	switch column {
	case "submid":
		return strconv.FormatInt(row.SubmissionID, 10)
	case "clientid":
		return row.ClientID
	case "filename":
		return row.Filename
	case "status":
		return row.Status.String()
	case "received":
		return row.Received.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// PostgresReader reads every row of the submissionqueue table. It takes no
// caller-supplied SQL or table name: the query is fixed, so there is
// nothing for export's --columns/--filter flags to inject into it.
type PostgresReader struct {
	connStr string
}

// NewPostgresReader creates a reader against connStr.
func NewPostgresReader(connStr string) *PostgresReader {
	return &PostgresReader{connStr: connStr}
}

// Read executes the fixed submissionqueue query and returns every row.
func (pr *PostgresReader) Read(ctx context.Context) ([]QueueRow, error) {
	const query = "SELECT submid, clientid, filename, status, received FROM submissionqueue ORDER BY submid"
	logf(logging.DEBUG, "PostgresReader reading submissionqueue using query: %s", query)

	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	expandedConnStr := util.ExpandEnvUniversal(pr.connStr)
	conn, err := pgxConnectFunc(ctx, expandedConnStr)
	if err != nil {
		maskedConnStr := util.MaskCredentials(expandedConnStr)
		logf(logging.ERR, "PostgresReader failed to connect using connection string: %s", maskedConnStr)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("PostgresReader database connection timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("PostgresReader failed to connect to database (using %s): %w", maskedConnStr, err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("PostgresReader query execution timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("PostgresReader failed to execute query %q: %w", query, err)
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("PostgresReader database operation timed out or cancelled during row iteration: %w", ctx.Err())
		}

		var r QueueRow
		var statusCode int32
		if err := rows.Scan(&r.SubmissionID, &r.ClientID, &r.Filename, &statusCode, &r.Received); err != nil {
			return nil, fmt.Errorf("PostgresReader failed to scan row: %w", err)
		}
		r.Status = job.SubmissionStatus(statusCode)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("PostgresReader database operation timed out or cancelled after row iteration: %w", ctx.Err())
		}
		return nil, fmt.Errorf("PostgresReader error during row iteration: %w", err)
	}

	logf(logging.INFO, "PostgresReader loaded %d row(s) from submissionqueue", len(out))
	return out, nil
}
