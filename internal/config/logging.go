package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	logFilePrefix = "client-"
	logFileSuffix = ".log"
)

// OpenLogFile creates a fresh timestamped log file under the configured log
// directory and prunes files beyond the LogMaxFiles retention limit. The
// caller owns the returned handle.
func (c *Config) OpenLogFile() (*os.File, error) {
	if err := os.MkdirAll(c.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := logFilePrefix + time.Now().Format("2006-01-02T15-04-05") + logFileSuffix
	f, err := os.Create(filepath.Join(c.LogDir, name))
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	if err := c.pruneLogFiles(); err != nil {
		// Retention is best-effort; the new file is already usable.
		fmt.Fprintf(os.Stderr, "warning: could not prune old logs: %v\n", err)
	}
	return f, nil
}

// pruneLogFiles removes the oldest client log files beyond the retention
// limit. Timestamped names sort chronologically, so name order is age order.
// Files that are not client logs are never touched.
func (c *Config) pruneLogFiles() error {
	entries, err := os.ReadDir(c.LogDir)
	if err != nil {
		return err
	}

	var logs []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, logFilePrefix) && strings.HasSuffix(name, logFileSuffix) {
			logs = append(logs, name)
		}
	}
	if len(logs) <= c.LogMaxFiles {
		return nil
	}

	sort.Strings(logs)
	for _, name := range logs[:len(logs)-c.LogMaxFiles] {
		if err := os.Remove(filepath.Join(c.LogDir, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}
