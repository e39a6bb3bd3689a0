// Package logging wires the daemon's slog output: colorized for terminals,
// plain text for the log file, both carrying the same records.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Setup installs the default slog logger. When logFile is empty only the
// terminal handler is installed. The returned closer owns the log file.
func Setup(level slog.Level, logFile string) (io.Closer, error) {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	if logFile == "" {
		slog.SetDefault(slog.New(stdoutHandler))
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(NewMultiHandler(stdoutHandler, fileHandler)))
	return file, nil
}
