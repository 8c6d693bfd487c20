// Package pipeline implements IngestPipeline, the per-job state machine
// that drives one report from disk through transform, system registration,
// run allocation, insertion, and report relocation, ending in a terminal
// SubmissionStatus written back to the queue.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"rteval-parserd/internal/dbclient"
	"rteval-parserd/internal/job"
	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/util"
	"rteval-parserd/internal/xmlutil"
	"rteval-parserd/internal/xslt"
)

// Pipeline holds everything one worker needs to run a job end to end. A
// Pipeline is built once per worker (it owns that worker's DbConnection and
// compiled Stylesheet) and its Run method is called once per job.
type Pipeline struct {
	DB                dbclient.DbClient
	Engine            xslt.Engine
	Stylesheet        *xslt.Stylesheet
	Log               *logging.LogSink
	SysregMu          *sync.Mutex
	ReportDir         string
	MaxReportSize     int64
	MeasurementTables []string
}

// Run drives j through the ingest state machine and returns its terminal
// status. Run never returns an error: every failure is captured as a
// terminal SubmissionStatus, matching the state table's contract that
// every path ends in DONE(status).
func (p *Pipeline) Run(ctx context.Context, j job.Job) job.SubmissionStatus {
	info, err := os.Stat(j.Filename)
	if err != nil {
		p.Log.Writef(logging.ERR, "submid %d: stat %s: %v", j.SubmissionID, j.Filename, err)
		return p.terminal(ctx, j, job.XMLFail, false)
	}
	if p.MaxReportSize > 0 && info.Size() > p.MaxReportSize {
		p.Log.Writef(logging.WARNING, "submid %d: report size %d exceeds max_report_size %d", j.SubmissionID, info.Size(), p.MaxReportSize)
		return p.terminal(ctx, j, job.FileTooBig, false)
	}

	data, err := os.ReadFile(j.Filename)
	if err != nil {
		p.Log.Writef(logging.ERR, "submid %d: open %s: %v", j.SubmissionID, j.Filename, err)
		return p.terminal(ctx, j, job.XMLFail, false)
	}
	summary, err := xmlutil.Parse(bytes.NewReader(data))
	if err != nil {
		p.Log.Writef(logging.ERR, "submid %d: parse xml: %v (near: %s)", j.SubmissionID, err, util.Snippet(data))
		return p.terminal(ctx, j, job.XMLFail, false)
	}

	if err := p.DB.UpdateSubmissionQueue(ctx, j.SubmissionID, job.InProg); err != nil {
		p.Log.Writef(logging.ERR, "submid %d: mark in-progress: %v", j.SubmissionID, err)
	}
	if err := p.DB.Begin(ctx); err != nil {
		p.Log.Writef(logging.CRIT, "submid %d: begin transaction: %v", j.SubmissionID, err)
		return p.terminal(ctx, j, job.DBFail, false)
	}

	params := kvbag.New(1)
	params.Add("submid", fmt.Sprintf("%d", j.SubmissionID))
	params.Add("report_filename", j.Filename)

	syskey, err := p.DB.RegisterSystem(ctx, p.SysregMu, summary, p.Engine, p.Stylesheet, params)
	if err != nil {
		p.Log.Writef(logging.ERR, "submid %d: register system: %v", j.SubmissionID, err)
		return p.terminal(ctx, j, job.SysregFail, true)
	}
	params.Add("syskey", fmt.Sprintf("%d", syskey))

	rterid, err := p.DB.GetNewRterid(ctx)
	if err != nil {
		p.Log.Writef(logging.ERR, "submid %d: allocate rterid: %v", j.SubmissionID, err)
		return p.terminal(ctx, j, job.RteridFail, true)
	}
	params.Add("rterid", fmt.Sprintf("%d", rterid))

	finalFilename := filepath.Join(p.ReportDir, j.ClientID, fmt.Sprintf("%d-%d.xml", j.SubmissionID, rterid))
	params.Update("report_filename", finalFilename, true)

	if err := p.DB.RegisterRtevalrun(ctx, summary, p.Engine, p.Stylesheet, params); err != nil {
		p.Log.Writef(logging.ERR, "submid %d: insert rtevalrun: %v", j.SubmissionID, err)
		return p.terminal(ctx, j, job.RtevalrunFail, true)
	}

	if err := p.DB.RegisterMeasurements(ctx, p.MeasurementTables, summary, p.Engine, p.Stylesheet, params); err != nil {
		p.Log.Writef(logging.ERR, "submid %d: insert measurements: %v", j.SubmissionID, err)
		return p.terminal(ctx, j, job.MeasureFail, true)
	}

	if err := moveReport(j.Filename, finalFilename); err != nil {
		p.Log.Writef(logging.ERR, "submid %d: move report to %s: %v", j.SubmissionID, finalFilename, err)
		return p.terminal(ctx, j, job.RepmoveFail, true)
	}

	if err := p.DB.Commit(ctx); err != nil {
		p.Log.Writef(logging.ERR, "submid %d: commit: %v", j.SubmissionID, err)
		return p.terminal(ctx, j, job.DBFail, false)
	}

	return p.terminal(ctx, j, job.Success, false)
}

// terminal performs the terminal action common to every DONE state: roll
// back any open transaction (if rollbackOpen is true — a transaction was
// started), then write the final status outside any transaction. A
// failure to write the final status is logged at EMERG and not retried;
// reconciling a stuck row is an operator action.
func (p *Pipeline) terminal(ctx context.Context, j job.Job, status job.SubmissionStatus, rollbackOpen bool) job.SubmissionStatus {
	if rollbackOpen {
		if err := p.DB.Rollback(ctx); err != nil {
			p.Log.Writef(logging.ERR, "submid %d: rollback: %v", j.SubmissionID, err)
		}
	}
	if err := p.DB.UpdateSubmissionQueue(ctx, j.SubmissionID, status); err != nil {
		p.Log.Writef(logging.EMERG, "submid %d: failed to write terminal status %s: %v", j.SubmissionID, status, err)
	}
	return status
}

// moveReport renames src to dst, creating dst's parent directory on demand.
// If dst already exists the move fails with an error, matching the
// report-naming invariant that a collision is a hard failure.
func moveReport(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return nil
}
