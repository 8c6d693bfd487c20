// Package app wires every component together: it builds the Config, opens
// the LogSink, connects one DbClient per worker thread, starts the
// WorkerPool and QueuePoller, and blocks on ControlLoop until shutdown
// drains cleanly. It also dispatches the "export" subcommand, which bypasses
// the concurrent ingestion machinery entirely.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"rteval-parserd/internal/control"
	"rteval-parserd/internal/config"
	"rteval-parserd/internal/dbclient"
	"rteval-parserd/internal/export"
	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/pipeline"
	"rteval-parserd/internal/poller"
	"rteval-parserd/internal/workerpool"
	"rteval-parserd/internal/xslt"
)

// Exit codes from spec.md §6.
const (
	ExitOK               = 0
	ExitConfigError      = 1
	ExitDBConnectError   = 2
	ExitOutOfMemory      = 9
	ExitStylesheetOrSchema = 10
)

var (
	ErrUsage = errors.New("usage error")
)

// AppRunner is the process entry point's sole dependency, kept as a type
// (rather than a bare function) so tests can construct it and override
// nothing but os.Args.
type AppRunner struct{}

// NewAppRunner returns a ready-to-use AppRunner.
func NewAppRunner() *AppRunner {
	return &AppRunner{}
}

const usageText = `Usage:
  rteval-parserd [--config <path>] [--section <name>] [--daemon] [--pidfile <path>]
                 [--log <dest>] [--loglevel <name>] [--threads <n>]
  rteval-parserd export --format <csv|json> --output <path>
                 [--filter <expr>] [--columns <a,b,c>] [--db <connstring>]
`

// Usage writes the command-line help text to w.
func (a *AppRunner) Usage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// Run dispatches to the daemon or the export subcommand based on args[0],
// and returns the process exit code.
func (a *AppRunner) Run(args []string) int {
	if len(args) > 0 && args[0] == "export" {
		return a.runExport(args[1:])
	}
	if len(args) > 0 && (args[0] == "-help" || args[0] == "--help" || args[0] == "help") {
		a.Usage(os.Stderr)
		return ExitOK
	}
	return a.runDaemon(args)
}

func (a *AppRunner) runExport(args []string) int {
	fs := flag.NewFlagSet("rteval-parserd export", flag.ContinueOnError)
	format := fs.String("format", "csv", "output format: csv or json")
	output := fs.String("output", "", "output file path")
	filter := fs.String("filter", "", "govaluate row filter expression")
	columns := fs.String("columns", "", "comma-separated column allow-list")
	connStr := fs.String("db", "", "PostgreSQL connection string (overrides $DB_CREDENTIALS)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			a.Usage(os.Stderr)
			return ExitOK
		}
		return ExitConfigError
	}
	if *output == "" {
		fmt.Fprintln(os.Stderr, "export: --output is required")
		a.Usage(os.Stderr)
		return ExitConfigError
	}
	cs := *connStr
	if cs == "" {
		cs = os.Getenv("DB_CREDENTIALS")
	}
	if cs == "" {
		fmt.Fprintln(os.Stderr, "export: no database connection string given (--db or $DB_CREDENTIALS)")
		return ExitConfigError
	}

	log, err := logging.Open("stderr", logging.INFO)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: open log: %v\n", err)
		return ExitConfigError
	}
	defer log.Close()

	req := export.Request{
		Format:  *format,
		Output:  *output,
		Filter:  *filter,
		Columns: splitCSV(*columns),
	}
	if err := export.Run(context.Background(), cs, req, log); err != nil {
		log.Writef(logging.ERR, "export failed: %v", err)
		if errors.Is(err, export.ErrBadRequest) {
			return ExitConfigError
		}
		return ExitDBConnectError
	}
	return ExitOK
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// runDaemon is the long-running ingestion daemon: load config, open the
// LogSink, connect one DbConnection per worker, start the WorkerPool and
// QueuePoller, and block until shutdown drains.
func (a *AppRunner) runDaemon(args []string) int {
	fs := flag.NewFlagSet("rteval-parserd", flag.ContinueOnError)
	configFile := fs.String("config", "/etc/rteval-parserd.conf", "INI configuration file")
	section := fs.String("section", config.DefaultSection, "INI section to read")
	logDest := fs.String("log", "", "log destination override")
	logLevel := fs.String("loglevel", "", "log level override")
	threads := fs.String("threads", "", "worker thread count override")
	_ = fs.Bool("daemon", false, "accepted and ignored; the process stays in the foreground")
	_ = fs.String("pidfile", "", "accepted and ignored; no pidfile is written")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			a.Usage(os.Stderr)
			return ExitOK
		}
		return ExitConfigError
	}

	bootLog, _ := logging.Open("stderr", logging.INFO)

	overrides := kvbag.New(2)
	if *logDest != "" {
		overrides.Add(config.KeyLog, *logDest)
	}
	if *logLevel != "" {
		overrides.Add(config.KeyLogLevel, *logLevel)
	}
	if *threads != "" {
		overrides.Add(config.KeyThreads, *threads)
	}

	cfg, err := config.Load(*configFile, *section, overrides, bootLog)
	if err != nil {
		bootLog.Writef(logging.ERR, "config: %v", err)
		return ExitConfigError
	}
	if err := cfg.ValidatePaths(); err != nil {
		bootLog.Writef(logging.ERR, "config: %v", err)
		return ExitConfigError
	}
	bootLog.Close()

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.INFO
	}
	log, err := logging.Open(cfg.Log, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return ExitConfigError
	}
	defer log.Close()

	loop := control.New()
	stopSignals := loop.WatchSignals()
	defer stopSignals()

	sheet, err := xslt.LoadStylesheet(cfg.XsltFile)
	if err != nil {
		log.Writef(logging.CRIT, "stylesheet: %v", err)
		return ExitStylesheetOrSchema
	}

	sysregMu := &sync.Mutex{}
	queueMu := &sync.Mutex{}
	engine := xslt.NewEngine()

	pipelines := make([]*pipeline.Pipeline, 0, cfg.Threads)
	conns := make([]*dbclient.Conn, 0, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		conn, err := dbclient.Connect(context.Background(), cfg.ConnString(), i, log, sheet.RequiredSchemaVersion)
		if err != nil {
			for _, c := range conns {
				c.Close(context.Background())
			}
			if errors.Is(err, dbclient.ErrSchemaVersionMismatch) {
				log.Writef(logging.CRIT, "worker %d: %v", i, err)
				return ExitStylesheetOrSchema
			}
			log.Writef(logging.CRIT, "worker %d: connect: %v", i, err)
			return ExitDBConnectError
		}
		conns = append(conns, conn)
		pipelines = append(pipelines, &pipeline.Pipeline{
			DB:                conn,
			Engine:            engine,
			Stylesheet:        sheet.Clone(),
			Log:               log,
			SysregMu:          sysregMu,
			ReportDir:         cfg.ReportDir,
			MaxReportSize:     cfg.MaxReportSize,
			MeasurementTables: cfg.MeasurementTables,
		})
	}

	pollerConn, err := dbclient.Connect(context.Background(), cfg.ConnString(), len(conns), log, sheet.RequiredSchemaVersion)
	if err != nil {
		for _, c := range conns {
			c.Close(context.Background())
		}
		log.Writef(logging.CRIT, "poller: connect: %v", err)
		return ExitDBConnectError
	}

	if err := pollerConn.Listen(context.Background(), poller.NotifyChannel); err != nil {
		for _, c := range conns {
			c.Close(context.Background())
		}
		pollerConn.Close(context.Background())
		log.Writef(logging.CRIT, "poller: listen: %v", err)
		return ExitDBConnectError
	}

	pool := workerpool.New(cfg.Threads, loop, log)
	pool.Start(pipelines)

	p := &poller.Poller{DB: pollerConn, QueueMu: queueMu, Pool: pool, Loop: loop, Log: log}
	pollerDone := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(pollerDone)
	}()

	log.Writef(logging.INFO, "rteval-parserd started with %d worker thread(s)", cfg.Threads)

	<-loop.ShutdownCh()
	log.Writef(logging.NOTICE, "shutdown requested, draining workers")
	<-pollerDone
	loop.Active.WaitZero()

	for _, c := range conns {
		c.Close(context.Background())
	}
	pollerConn.Close(context.Background())

	log.Writef(logging.INFO, "shutdown complete")
	return ExitOK
}
