// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options describes the logger configuration
type Options struct {
	Level  string
	Format string // "text" or "json"
	// ErrorFile receives every error-level entry as a JSON line; empty disables it
	ErrorFile string
}

// Setup applies opts to the standard logrus logger. The returned closer releases the error
// log file and must be called on shutdown.
func Setup(opts Options) (io.Closer, error) {
	return configure(logrus.StandardLogger(), opts)
}

func configure(logger *logrus.Logger, opts Options) (io.Closer, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format '%s': must be text or json", opts.Format)
	}

	if opts.ErrorFile == "" {
		return io.NopCloser(nil), nil
	}

	hook, err := NewErrorFileHook(opts.ErrorFile)
	if err != nil {
		return nil, err
	}
	logger.AddHook(hook)
	return hook, nil
}

// ErrorFileHook appends error, fatal and panic entries to a file as JSON lines
type ErrorFileHook struct {
	mu        sync.Mutex
	file      *os.File
	formatter logrus.Formatter
}

// NewErrorFileHook opens path for appending, creating parent directories as needed
func NewErrorFileHook(path string) (*ErrorFileHook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to open error log %s: %w", path, err)
	}

	return &ErrorFileHook{
		file:      file,
		formatter: &logrus.JSONFormatter{},
	}, nil
}

// Levels implements logrus.Hook
func (h *ErrorFileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

// Fire implements logrus.Hook
func (h *ErrorFileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}
	_, err = h.file.Write(line)
	return err
}

// Close closes the error log file
func (h *ErrorFileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
