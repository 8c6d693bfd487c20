// Package config builds the read-only Config used by every other
// component, as a KeyValueBag layered from compiled defaults, an INI
// config file section, and CLI flags.
package config

import "rteval-parserd/internal/kvbag"

// Recognized configuration keys (spec §3/§6). Unknown keys found in the
// INI file are logged at WARNING and ignored (see Load).
const (
	KeyDataDir           = "datadir"
	KeyReportDir         = "reportdir"
	KeyXsltFile          = "xsltfile"
	KeyDBServer          = "db_server"
	KeyDBPort            = "db_port"
	KeyDBUsername        = "db_username"
	KeyDBPassword        = "db_password"
	KeyDatabase          = "database"
	KeyThreads           = "threads"
	KeyMaxReportSize     = "max_report_size"
	KeyMeasurementTables = "measurement_tables"
	KeyLog               = "log"
	KeyLogLevel          = "loglevel"
)

// DefaultSection is the INI section name selected when --section is not
// given on the command line.
const DefaultSection = "parser"

// Config is the frozen, read-only configuration bag. It is built once at
// startup by Load and never mutated afterward — components share it by
// pointer without needing a mutex.
type Config struct {
	bag *kvbag.Bag

	DataDir           string
	ReportDir         string
	XsltFile          string
	DBServer          string
	DBPort            int
	DBUsername        string
	DBPassword        string
	Database          string
	Threads           int
	MaxReportSize     int64
	MeasurementTables []string
	Log               string
	LogLevel          string
}

// Get returns a recognized configuration value by key using the bag's
// first-match-wins lookup.
func (c *Config) Get(key string) (string, bool) {
	return c.bag.GetValue(key)
}
