package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"rteval-parserd/internal/job"
	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/xmlutil"
	"rteval-parserd/internal/xslt"
)

// fakeDB is a minimal dbclient.DbClient stand-in letting each test control
// exactly which step fails, matching the teacher's preference for small
// hand-rolled fakes over a mocking framework.
type fakeDB struct {
	beginErr        error
	registerErr     error
	rteridErr       error
	rtevalrunErr    error
	measurementsErr error
	commitErr       error

	syskey int64
	rterid int64

	began       bool
	committed   bool
	rolledBack  bool
	lastStatus  job.SubmissionStatus
	statusCalls []job.SubmissionStatus
}

func (f *fakeDB) ID() int { return 0 }
func (f *fakeDB) Listen(ctx context.Context, channel string) error { return nil }
func (f *fakeDB) Ping(ctx context.Context) error                   { return nil }
func (f *fakeDB) Begin(ctx context.Context) error {
	f.began = true
	return f.beginErr
}
func (f *fakeDB) Commit(ctx context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}
func (f *fakeDB) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}
func (f *fakeDB) WaitNotification(ctx context.Context, channel string, shutdown func() bool) (bool, error) {
	return false, nil
}
func (f *fakeDB) GetSubmissionQueueJob(ctx context.Context, mu *sync.Mutex) (*job.Job, error) {
	return nil, nil
}
func (f *fakeDB) UpdateSubmissionQueue(ctx context.Context, submid int64, status job.SubmissionStatus) error {
	f.lastStatus = status
	f.statusCalls = append(f.statusCalls, status)
	return nil
}
func (f *fakeDB) RegisterSystem(ctx context.Context, mu *sync.Mutex, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) (int64, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	return f.syskey, nil
}
func (f *fakeDB) GetNewRterid(ctx context.Context) (int64, error) {
	if f.rteridErr != nil {
		return 0, f.rteridErr
	}
	return f.rterid, nil
}
func (f *fakeDB) RegisterRtevalrun(ctx context.Context, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) error {
	return f.rtevalrunErr
}
func (f *fakeDB) RegisterMeasurements(ctx context.Context, tables []string, summary *xmlutil.Document, engine xslt.Engine, sheet *xslt.Stylesheet, params *kvbag.Bag) error {
	return f.measurementsErr
}
func (f *fakeDB) FormatArray(items []string) string { return "{}" }
func (f *fakeDB) Close(ctx context.Context)          {}

// writeReport writes a minimal, well-formed summary report, padding it with
// an extra XML comment of padding bytes so callers can exercise the
// max_report_size boundary.
func writeReport(t *testing.T, dir string, padding int) string {
	t.Helper()
	path := filepath.Join(dir, "report.xml")
	body := "<summary><hostname>host1</hostname></summary>"
	if padding > 0 {
		body = "<summary><hostname>host1</hostname><!--" + strings.Repeat("x", padding) + "--></summary>"
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return path
}

func newPipeline(db *fakeDB, reportDir string, maxSize int64) *Pipeline {
	log, _ := logging.Open("-", logging.DEBUG)
	return &Pipeline{
		DB:                db,
		Engine:            xslt.NewEngine(),
		Stylesheet:        &xslt.Stylesheet{RequiredSchemaVersion: 1},
		Log:               log,
		SysregMu:          &sync.Mutex{},
		ReportDir:         reportDir,
		MaxReportSize:     maxSize,
		MeasurementTables: nil,
	}
}

func TestPipeline_Run_Success(t *testing.T) {
	dir := t.TempDir()
	reportDir := filepath.Join(dir, "reports")
	reportPath := writeReport(t, dir, 0)

	db := &fakeDB{syskey: 42, rterid: 7}
	p := newPipeline(db, reportDir, 0)
	j, err := job.NewJob(1, "client-a", reportPath)
	if err != nil {
		t.Fatalf("NewJob() unexpected error: %v", err)
	}

	status := p.Run(context.Background(), j)
	if status != job.Success {
		t.Fatalf("Run() = %v, want Success", status)
	}
	if !db.committed {
		t.Error("Run() success path did not commit")
	}
	if db.rolledBack {
		t.Error("Run() success path rolled back, want no rollback")
	}
	wantFinal := filepath.Join(reportDir, "client-a", "1-7.xml")
	if _, err := os.Stat(wantFinal); err != nil {
		t.Errorf("expected report moved to %s: %v", wantFinal, err)
	}
	if _, err := os.Stat(reportPath); !os.IsNotExist(err) {
		t.Error("original report file still exists after successful move")
	}
}

func TestPipeline_Run_FileTooBig(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 4096)

	info, err := os.Stat(reportPath)
	if err != nil {
		t.Fatalf("stat report: %v", err)
	}

	db := &fakeDB{}
	p := newPipeline(db, filepath.Join(dir, "reports"), info.Size()-1)
	j, _ := job.NewJob(1, "client-a", reportPath)

	status := p.Run(context.Background(), j)
	if status != job.FileTooBig {
		t.Fatalf("Run() = %v, want FileTooBig", status)
	}
	if db.committed {
		t.Error("Run() FILE_TOO_BIG path should never reach commit")
	}
	if _, err := os.Stat(reportPath); err != nil {
		t.Error("FILE_TOO_BIG must leave the report file in place")
	}
}

func TestPipeline_Run_MaxReportSizeZeroDisablesCheck(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 4096)

	db := &fakeDB{syskey: 1, rterid: 1}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	status := p.Run(context.Background(), j)
	if status != job.Success {
		t.Fatalf("Run() with max_report_size=0 = %v, want Success", status)
	}
}

func TestPipeline_Run_XMLFail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.xml")
	if err := os.WriteFile(path, []byte("<not-closed>"), 0644); err != nil {
		t.Fatalf("write bad report: %v", err)
	}

	db := &fakeDB{}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", path)

	status := p.Run(context.Background(), j)
	if status != job.XMLFail {
		t.Fatalf("Run() with malformed XML = %v, want XMLFail", status)
	}
	if len(db.statusCalls) != 1 || db.statusCalls[0] != job.XMLFail {
		t.Fatalf("statusCalls = %v, want exactly [XMLFail]", db.statusCalls)
	}
	if db.began {
		t.Error("XML_FAIL path must never open a transaction")
	}
}

func TestPipeline_Run_SysregFail(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 0)

	db := &fakeDB{registerErr: errBoom("register failed")}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	if status := p.Run(context.Background(), j); status != job.SysregFail {
		t.Fatalf("Run() = %v, want SysregFail", status)
	}
	if !db.rolledBack {
		t.Error("SYSREG_FAIL must roll back the open transaction")
	}
}

func TestPipeline_Run_RteridFail(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 0)

	db := &fakeDB{rteridErr: errBoom("rterid failed")}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	if status := p.Run(context.Background(), j); status != job.RteridFail {
		t.Fatalf("Run() = %v, want RteridFail", status)
	}
	if !db.rolledBack {
		t.Error("RTERID_FAIL must roll back the open transaction")
	}
}

func TestPipeline_Run_RtevalrunFail(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 0)

	db := &fakeDB{rtevalrunErr: errBoom("insert failed")}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	if status := p.Run(context.Background(), j); status != job.RtevalrunFail {
		t.Fatalf("Run() = %v, want RtevalrunFail", status)
	}
}

func TestPipeline_Run_MeasureFail(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 0)

	db := &fakeDB{measurementsErr: errBoom("measure failed")}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	if status := p.Run(context.Background(), j); status != job.MeasureFail {
		t.Fatalf("Run() = %v, want MeasureFail", status)
	}
}

func TestPipeline_Run_RepmoveFail(t *testing.T) {
	dir := t.TempDir()
	reportDir := filepath.Join(dir, "reports")
	reportPath := writeReport(t, dir, 0)

	// Pre-create the destination file so the rename collides.
	dest := filepath.Join(reportDir, "client-a", "1-7.xml")
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(dest, []byte("existing"), 0644); err != nil {
		t.Fatalf("write existing dest: %v", err)
	}

	db := &fakeDB{syskey: 1, rterid: 7}
	p := newPipeline(db, reportDir, 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	if status := p.Run(context.Background(), j); status != job.RepmoveFail {
		t.Fatalf("Run() = %v, want RepmoveFail", status)
	}
}

func TestPipeline_Run_CommitFail(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir, 0)

	db := &fakeDB{syskey: 1, rterid: 7, commitErr: errBoom("commit failed")}
	p := newPipeline(db, filepath.Join(dir, "reports"), 0)
	j, _ := job.NewJob(1, "client-a", reportPath)

	if status := p.Run(context.Background(), j); status != job.DBFail {
		t.Fatalf("Run() = %v, want DBFail", status)
	}
}

type errBoom string

func (e errBoom) Error() string { return string(e) }
