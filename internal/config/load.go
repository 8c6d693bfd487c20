package config

import (
	"fmt"
	"strconv"
	"strings"

	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/logging"

	"gopkg.in/ini.v1"
)

// recognizedKeys lists every key Load understands, used to detect and warn
// about unrecognized INI entries and to check for duplicated keys.
var recognizedKeys = []string{
	KeyDataDir, KeyReportDir, KeyXsltFile, KeyDBServer, KeyDBPort,
	KeyDBUsername, KeyDBPassword, KeyDatabase, KeyThreads, KeyMaxReportSize,
	KeyMeasurementTables, KeyLog, KeyLogLevel,
}

// defaults returns the compiled-in default values, group id 0 (the lowest
// layer of the three-layer build).
func defaults() *kvbag.Bag {
	b := kvbag.New(0)
	b.Add(KeyReportDir, "/var/lib/rteval-parserd/reports")
	b.Add(KeyThreads, "4")
	b.Add(KeyMaxReportSize, "0")
	b.Add(KeyMeasurementTables, "")
	b.Add(KeyLog, "-")
	b.Add(KeyLogLevel, "info")
	b.Add(KeyDBPort, "5432")
	b.Add(KeyDatabase, "rteval")
	return b
}

func isRecognized(key string) bool {
	for _, k := range recognizedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Load builds the Config from three layers: compiled defaults, the named
// section of the INI file at configPath, and cliOverrides (keys the caller
// explicitly set on the command line, built by internal/app from parsed
// flags). log receives a WARNING for every unrecognized INI key.
func Load(configPath, section string, cliOverrides *kvbag.Bag, log *logging.LogSink) (*Config, error) {
	bag := defaults()

	if configPath != "" {
		f, err := ini.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
		if !f.HasSection(section) {
			return nil, fmt.Errorf("config: section [%s] not found in %s", section, configPath)
		}
		sec := f.Section(section)
		for _, k := range sec.Keys() {
			name := k.Name()
			if !isRecognized(name) {
				if log != nil {
					log.Writef(logging.WARNING, "config: ignoring unrecognized key %q in section [%s]", name, section)
				}
				continue
			}
			bag.Update(name, k.Value(), true)
		}
	}

	if cliOverrides != nil {
		for _, e := range cliOverrides.Entries() {
			bag.Update(e.Key, e.Val, true)
		}
	}

	return finalize(bag)
}

// finalize validates first-match-wins duplication (spec §9's second open
// question: recognized keys must not appear more than once after the
// file+CLI overlay) and converts the bag into the typed Config.
func finalize(bag *kvbag.Bag) (*Config, error) {
	for _, key := range recognizedKeys {
		if n := bag.CountKey(key); n > 1 {
			return nil, fmt.Errorf("config: key %q is set %d times after overlay; expected at most one", key, n)
		}
	}

	get := func(key string) string {
		v, _ := bag.GetValue(key)
		return v
	}

	threads, err := strconv.Atoi(get(KeyThreads))
	if err != nil || threads < 1 {
		return nil, fmt.Errorf("config: %s must be an integer >= 1, got %q", KeyThreads, get(KeyThreads))
	}
	maxReportSize, err := strconv.ParseInt(get(KeyMaxReportSize), 10, 64)
	if err != nil || maxReportSize < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative integer, got %q", KeyMaxReportSize, get(KeyMaxReportSize))
	}
	dbPort, err := strconv.Atoi(get(KeyDBPort))
	if err != nil {
		return nil, fmt.Errorf("config: %s must be an integer, got %q", KeyDBPort, get(KeyDBPort))
	}

	var measurementTables []string
	if raw := get(KeyMeasurementTables); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				measurementTables = append(measurementTables, t)
			}
		}
	}

	level, err := logging.ParseLevel(get(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
	}

	cfg := &Config{
		bag:               bag,
		DataDir:           get(KeyDataDir),
		ReportDir:         get(KeyReportDir),
		XsltFile:          get(KeyXsltFile),
		DBServer:          get(KeyDBServer),
		DBPort:            dbPort,
		DBUsername:        get(KeyDBUsername),
		DBPassword:        get(KeyDBPassword),
		Database:          get(KeyDatabase),
		Threads:           threads,
		MaxReportSize:     maxReportSize,
		MeasurementTables: measurementTables,
		Log:               get(KeyLog),
		LogLevel:          level.String(),
	}
	if cfg.XsltFile == "" {
		return nil, fmt.Errorf("config: %s is required", KeyXsltFile)
	}
	if cfg.DBServer == "" {
		return nil, fmt.Errorf("config: %s is required", KeyDBServer)
	}
	return cfg, nil
}

// ConnString renders a libpq-style connection string for pgx.Connect.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.DBUsername, c.DBPassword, c.DBServer, c.DBPort, c.Database)
}
