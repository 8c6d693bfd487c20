package config

import (
	"fmt"
	"os"
)

// ValidatePaths performs the filesystem-existence checks that are cheap to
// do at startup but not worth folding into finalize's pure string
// validation: the stylesheet file must exist, and reportdir/datadir must be
// usable directories (created if absent).
func (c *Config) ValidatePaths() error {
	if _, err := os.Stat(c.XsltFile); err != nil {
		return fmt.Errorf("config: xsltfile %s: %w", c.XsltFile, err)
	}
	if c.ReportDir == "" {
		return fmt.Errorf("config: %s is required", KeyReportDir)
	}
	if err := os.MkdirAll(c.ReportDir, 0755); err != nil {
		return fmt.Errorf("config: create reportdir %s: %w", c.ReportDir, err)
	}
	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0755); err != nil {
			return fmt.Errorf("config: create datadir %s: %w", c.DataDir, err)
		}
	}
	return nil
}
