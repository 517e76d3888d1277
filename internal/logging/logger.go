package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	workspace string
	maxFiles  int
}

// WithWorkspace configures the workspace field attached to emitted records.
func WithWorkspace(root string) Option {
	return func(opts *newOptions) {
		opts.workspace = strings.TrimSpace(root)
	}
}

// WithMaxFiles bounds how many historical log files are kept on disk.
func WithMaxFiles(count int) Option {
	return func(opts *newOptions) {
		if count > 0 {
			opts.maxFiles = count
		}
	}
}

// RuntimeLogger writes structured JSON logs to disk. The same file serves as
// the persistent output sink for supervised process output.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// New initializes logging under ~/.rsx/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return newAt(ctx, filepath.Join(homeDir, ".rsx", "logs"), options...)
}

func newAt(ctx context.Context, logDir string, options ...Option) (*RuntimeLogger, error) {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	if resolved.maxFiles > 0 {
		if err := pruneOldLogs(logDir, resolved.maxFiles); err != nil {
			return nil, err
		}
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	filePath := filepath.Join(logDir, fmt.Sprintf("rsx-%s.log", timestamp))
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           log.DebugLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)
	if resolved.workspace != "" {
		logger = logger.With("workspace", resolved.workspace)
	}

	runtimeLogger := &RuntimeLogger{
		Logger: logger,
		file:   file,
		path:   filePath,
	}
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// ProcessOutput appends one supervised-process output chunk to the log sink.
func (r *RuntimeLogger) ProcessOutput(label, chunk string) {
	if r == nil || r.Logger == nil {
		return
	}
	r.Logger.With("command", label).Info(strings.TrimRight(chunk, "\r\n"))
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func pruneOldLogs(logDir string, maxFiles int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "rsx-") && strings.HasSuffix(name, ".log") {
			names = append(names, name)
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)

	// Keep maxFiles-1 existing files so the new file fits under the bound.
	excess := len(names) - (maxFiles - 1)
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(logDir, names[i])); err != nil {
			return fmt.Errorf("prune log file %q: %w", names[i], err)
		}
	}
	return nil
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
