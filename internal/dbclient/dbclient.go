// Package dbclient implements DbClient: one database session per worker,
// with transaction control, the submission-queue claim primitive, system
// registration, and run/measurement insertion. It is built on
// github.com/jackc/pgx/v5, the teacher's sole database driver.
//
// Each worker owns exactly one *pgx.Conn rather than a pool: pgx.Conn
// exposes WaitForNotification, which pgxpool.Pool does not, and the spec
// models one connection per worker rather than a shared pool.
package dbclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rteval-parserd/internal/errs"
	"rteval-parserd/internal/job"
	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/sqldata"
	"rteval-parserd/internal/xmlutil"
	"rteval-parserd/internal/xslt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSchemaVersionMismatch is returned by Connect when the stylesheet's
// required schema version exceeds the connection's rteval_info reading.
// Startup (internal/app) maps this specifically to exit code 10, as
// distinct from a general connection failure (exit code 2).
var ErrSchemaVersionMismatch = errors.New("dbclient: stylesheet schema version exceeds database schema version")

// notificationPollInterval bounds how long WaitForNotification blocks
// before re-checking the shutdown flag, satisfying the <=2s cadence the
// spec requires for prompt shutdown observation.
const notificationPollInterval = 2 * time.Second

// pgxConnectFunc allows overriding pgx.Connect in tests, matching the
// override hook internal/recordio's PostgresReader already uses.
var pgxConnectFunc = pgx.Connect

// DbClient is the per-worker database session contract. It is an interface
// so IngestPipeline and QueuePoller can be tested against a fake without a
// live database.
type DbClient interface {
	ID() int
	Listen(ctx context.Context, channel string) error
	Ping(ctx context.Context) error
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	WaitNotification(ctx context.Context, channel string, shutdown func() bool) (hasData bool, err error)
	GetSubmissionQueueJob(ctx context.Context, mu *sync.Mutex) (*job.Job, error)
	UpdateSubmissionQueue(ctx context.Context, submid int64, status job.SubmissionStatus) error
	RegisterSystem(ctx context.Context, mu *sync.Mutex, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) (int64, error)
	GetNewRterid(ctx context.Context) (int64, error)
	RegisterRtevalrun(ctx context.Context, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) error
	RegisterMeasurements(ctx context.Context, tables []string, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) error
	FormatArray(items []string) string
	Close(ctx context.Context)
}

// Conn is the pgx-backed DbClient implementation.
type Conn struct {
	id        int
	conn      *pgx.Conn
	log       *logging.LogSink
	schemaVer uint
	model     *sqldata.Model
	tx        pgx.Tx
}

// Connect opens a session, reads rteval_info.sql_schema_ver, and rejects the
// connection (ErrSchemaVersionMismatch) if requiredSchemaVersion exceeds it.
func Connect(ctx context.Context, connStr string, id int, log *logging.LogSink, requiredSchemaVersion uint) (*Conn, error) {
	conn, err := pgxConnectFunc(ctx, connStr)
	if err != nil {
		return nil, errs.New(errs.DbConnectError, "dbclient.Connect", err)
	}

	var verStr string
	row := conn.QueryRow(ctx, `SELECT value FROM rteval_info WHERE key = 'sql_schema_ver'`)
	if err := row.Scan(&verStr); err != nil {
		_ = conn.Close(ctx)
		return nil, errs.New(errs.DbConnectError, "dbclient.Connect: read sql_schema_ver", err)
	}

	var schemaVer uint
	if _, err := fmt.Sscanf(verStr, "%d", &schemaVer); err != nil {
		_ = conn.Close(ctx)
		return nil, errs.New(errs.DbConnectError, "dbclient.Connect: parse sql_schema_ver", err)
	}

	c := &Conn{id: id, conn: conn, log: log, schemaVer: schemaVer}
	c.model = sqldata.NewModel(c)

	if requiredSchemaVersion > schemaVer {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("%w: stylesheet requires %d, database has %d", ErrSchemaVersionMismatch, requiredSchemaVersion, schemaVer)
	}
	return c, nil
}

// ID returns the connection's monotonically assigned id, used in log
// lines to attribute activity to a worker.
func (c *Conn) ID() int { return c.id }

// Ping performs a cheap liveness check, used before each job pickup.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return errs.New(errs.DbQueryError, "dbclient.Ping", err)
	}
	return nil
}

// Begin starts a transaction. Nested transactions are not supported; a
// second Begin before Commit/Rollback returns an error.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errs.New(errs.DbQueryError, "dbclient.Begin", fmt.Errorf("transaction already open"))
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return errs.New(errs.DbQueryError, "dbclient.Begin", err)
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	if err != nil {
		return errs.New(errs.DbQueryError, "dbclient.Commit", err)
	}
	return nil
}

// Rollback rolls back the open transaction, if any. A missing or already
// closed transaction is not an error, since Rollback is called
// unconditionally from every terminal path.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		c.log.Writef(logging.ERR, "worker %d: rollback failed: %v", c.id, err)
		return errs.New(errs.DbQueryError, "dbclient.Rollback", err)
	}
	return nil
}

// Listen issues LISTEN on channel; call once before the first
// WaitNotification.
func (c *Conn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize()))
	if err != nil {
		return errs.New(errs.DbConnectError, "dbclient.Listen", err)
	}
	return nil
}

// WaitNotification blocks with periodic wakeups of at most
// notificationPollInterval until either a notification arrives on channel,
// shutdown() reports true, or an error occurs.
func (c *Conn) WaitNotification(ctx context.Context, channel string, shutdown func() bool) (bool, error) {
	for {
		if shutdown() {
			return false, nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, notificationPollInterval)
		_, err := c.conn.WaitForNotification(waitCtx)
		cancel()

		if err == nil {
			return true, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if ctx.Err() != nil {
			return false, nil
		}
		return false, errs.New(errs.DbQueryError, "dbclient.WaitNotification", err)
	}
}

// GetSubmissionQueueJob atomically claims the oldest NEW row under mu,
// transitioning it to ASSIGNED, and returns it. Returns (nil, nil) if no
// row is available.
func (c *Conn) GetSubmissionQueueJob(ctx context.Context, mu *sync.Mutex) (*job.Job, error) {
	mu.Lock()
	defer mu.Unlock()

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, errs.New(errs.DbQueryError, "dbclient.GetSubmissionQueueJob: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var submid int64
	var clientID, filename string
	row := tx.QueryRow(ctx, `
		SELECT submid, clientid, filename FROM submissionqueue
		WHERE status = $1
		ORDER BY submid ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, int(job.New))
	if err := row.Scan(&submid, &clientID, &filename); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.New(errs.DbQueryError, "dbclient.GetSubmissionQueueJob: select", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE submissionqueue SET status = $1 WHERE submid = $2`, int(job.Assigned), submid); err != nil {
		return nil, errs.New(errs.DbQueryError, "dbclient.GetSubmissionQueueJob: update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.New(errs.DbQueryError, "dbclient.GetSubmissionQueueJob: commit", err)
	}

	j, err := job.NewJob(submid, clientID, filename)
	if err != nil {
		return nil, errs.New(errs.DbQueryError, "dbclient.GetSubmissionQueueJob: validate", err)
	}
	return &j, nil
}

// UpdateSubmissionQueue writes a terminal or intermediate status. Always
// runs outside any transaction, per the terminal-action contract.
func (c *Conn) UpdateSubmissionQueue(ctx context.Context, submid int64, status job.SubmissionStatus) error {
	_, err := c.conn.Exec(ctx, `UPDATE submissionqueue SET status = $1 WHERE submid = $2`, int(status), submid)
	if err != nil {
		logDetail(c.log, c.id, "UpdateSubmissionQueue", err)
		return errs.New(errs.DbQueryError, "dbclient.UpdateSubmissionQueue", err)
	}
	return nil
}

// RegisterSystem transforms summary into a systems record, hashes it, and
// under mu looks up an existing syskey by hash, inserting if absent. Must
// run under the shared sysreg mutex (sysreg_mtx).
func (c *Conn) RegisterSystem(ctx context.Context, mu *sync.Mutex, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) (int64, error) {
	systemParams := params.Clone()
	systemParams.Update("table", "systems", true)

	doc, err := engine.Apply(sheet, summary, systemParams)
	if err != nil {
		return 0, errs.New(errs.TransformError, "dbclient.RegisterSystem: transform", err)
	}
	recs := xmlutil.FindNodes(doc.Root, "record")
	if len(recs) != 1 {
		return 0, errs.New(errs.TransformError, "dbclient.RegisterSystem", fmt.Errorf("expected exactly one systems record, got %d", len(recs)))
	}
	sysid, err := c.model.RecordHash(recs[0])
	if err != nil {
		return 0, errs.New(errs.HashError, "dbclient.RegisterSystem: hash", err)
	}

	mu.Lock()
	defer mu.Unlock()

	var syskey int64
	row := c.conn.QueryRow(ctx, `SELECT syskey FROM systems WHERE sysid = $1`, sysid)
	if err := row.Scan(&syskey); err == nil {
		return syskey, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.New(errs.DbQueryError, "dbclient.RegisterSystem: lookup", err)
	}

	cols, vals, err := recordColumnsAndValues(c.model, recs[0])
	if err != nil {
		return 0, errs.New(errs.DbQueryError, "dbclient.RegisterSystem: marshal", err)
	}
	cols = append(cols, "sysid")
	vals = append(vals, sysid)

	insertSQL := buildInsertSQL("systems", cols, "syskey")
	row = c.conn.QueryRow(ctx, insertSQL, vals...)
	if err := row.Scan(&syskey); err != nil {
		return 0, errs.New(errs.DbQueryError, "dbclient.RegisterSystem: insert", err)
	}
	return syskey, nil
}

// GetNewRterid allocates the next run id atomically via a database
// sequence.
func (c *Conn) GetNewRterid(ctx context.Context) (int64, error) {
	var rterid int64
	row := c.conn.QueryRow(ctx, `SELECT nextval('rtevalruns_rterid_seq')`)
	if err := row.Scan(&rterid); err != nil {
		return 0, errs.New(errs.DbQueryError, "dbclient.GetNewRterid", err)
	}
	return rterid, nil
}

// RegisterRtevalrun inserts one row into rtevalruns.
func (c *Conn) RegisterRtevalrun(ctx context.Context, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) error {
	runParams := params.Clone()
	runParams.Update("table", "rtevalruns", true)

	doc, err := engine.Apply(sheet, summary, runParams)
	if err != nil {
		return errs.New(errs.TransformError, "dbclient.RegisterRtevalrun: transform", err)
	}
	recs := xmlutil.FindNodes(doc.Root, "record")
	if len(recs) != 1 {
		return errs.New(errs.TransformError, "dbclient.RegisterRtevalrun", fmt.Errorf("expected exactly one rtevalruns record, got %d", len(recs)))
	}

	cols, vals, err := recordColumnsAndValues(c.model, recs[0])
	if err != nil {
		return errs.New(errs.DbQueryError, "dbclient.RegisterRtevalrun: marshal", err)
	}
	insertSQL := buildInsertSQLNoReturn("rtevalruns", cols)
	if _, err := c.conn.Exec(ctx, insertSQL, vals...); err != nil {
		logDetail(c.log, c.id, "RegisterRtevalrun", err)
		return errs.New(errs.DbQueryError, "dbclient.RegisterRtevalrun: insert", err)
	}
	return nil
}

// RegisterMeasurements transforms summary once per configured measurement
// table and inserts the resulting rows. A table producing zero records is
// not an error (a report with 0 measurement rows completes SUCCESS).
func (c *Conn) RegisterMeasurements(ctx context.Context, tables []string, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) error {
	for _, table := range tables {
		measureParams := params.Clone()
		measureParams.Update("table", table, true)

		doc, err := engine.Apply(sheet, summary, measureParams)
		if err != nil {
			return errs.New(errs.TransformError, fmt.Sprintf("dbclient.RegisterMeasurements: transform %s", table), err)
		}
		for _, rec := range xmlutil.FindNodes(doc.Root, "record") {
			cols, vals, err := recordColumnsAndValues(c.model, rec)
			if err != nil {
				return errs.New(errs.DbQueryError, fmt.Sprintf("dbclient.RegisterMeasurements: marshal %s", table), err)
			}
			insertSQL := buildInsertSQLNoReturn(table, cols)
			if _, err := c.conn.Exec(ctx, insertSQL, vals...); err != nil {
				logDetail(c.log, c.id, "RegisterMeasurements:"+table, err)
				return errs.New(errs.DbQueryError, fmt.Sprintf("dbclient.RegisterMeasurements: insert %s", table), err)
			}
		}
	}
	return nil
}

// FormatArray implements sqldata.ArrayFormatter using Postgres's
// `{a,b,c}` array literal syntax.
func (c *Conn) FormatArray(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = `"` + strings.ReplaceAll(it, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// Close releases the connection. Safe to call on all exit paths, including
// after a panic recovery in the caller.
func (c *Conn) Close(ctx context.Context) {
	_ = c.conn.Close(ctx)
}

// logDetail logs a pgconn.PgError's code/message/detail at ERR level when
// available, matching the teacher's PostgresWriter diagnostic style.
func logDetail(log *logging.LogSink, workerID int, op string, err error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		log.Writef(logging.ERR, "worker %d: %s: pg error code=%s message=%s detail=%s", workerID, op, pgErr.Code, pgErr.Message, pgErr.Detail)
		return
	}
	log.Writef(logging.ERR, "worker %d: %s: %v", workerID, op, err)
}

// recordColumnsAndValues extracts column names and scalar/array values from
// every field of rec, in document order; a null field yields a nil value.
func recordColumnsAndValues(model *sqldata.Model, rec *xmlutil.Node) ([]string, []interface{}, error) {
	var cols []string
	var vals []interface{}
	for _, f := range xmlutil.FindNodes(rec, "field") {
		name, _ := xmlutil.GetAttrValue(f, "name")
		if _, isNull := xmlutil.GetAttrValue(f, "null"); isNull {
			cols = append(cols, name)
			vals = append(vals, nil)
			continue
		}
		typ, _ := xmlutil.GetAttrValue(f, "type")
		if typ == "array" {
			cols = append(cols, name)
			vals = append(vals, model.FormatArray(f))
			continue
		}
		cols = append(cols, name)
		vals = append(vals, xmlutil.ExtractContent(f))
	}
	return cols, vals, nil
}

func buildInsertSQL(table string, cols []string, returning string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), returning)
}

func buildInsertSQLNoReturn(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}
