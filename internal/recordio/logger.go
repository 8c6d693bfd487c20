package recordio

import "rteval-parserd/internal/logging"

// log is the LogSink the reader and writer functions report through. It is
// package-level because WriteCSV/WriteJSON/PostgresReader take no Config or
// context to thread a logger through; SetLogger is called once by
// export.Run at startup. A nil log is valid and simply discards.
var log *logging.LogSink

// SetLogger installs the LogSink every writer in this package reports
// through.
func SetLogger(l *logging.LogSink) { log = l }

func logf(level logging.Level, format string, args ...interface{}) {
	if log != nil {
		log.Writef(level, format, args...)
	}
}
