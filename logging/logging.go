// Package logging configures the default slog logger. Output can be held
// back in a buffer while the terminal belongs to the sensor viewer and is
// released once the viewer gives it back.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// Options selects level, format and an optional log file.
type Options struct {
	Level  string // DEBUG, INFO, WARN or ERROR
	Format string // text, json or tint
	File   string // empty for no file
}

// holdWriter sends log lines to the console, or keeps them in memory while
// held. Every line is also appended to the log file when one is open.
type holdWriter struct {
	mu      sync.Mutex
	pending bytes.Buffer
	console io.Writer
	file    *os.File
	held    bool
}

func (w *holdWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	switch {
	case w.held:
		w.pending.Write(p)
	case w.console != nil:
		if _, err := w.console.Write(p); err != nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if _, err := w.file.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}

var writer = &holdWriter{console: os.Stderr}

// ParseLevel maps a level name to a slog level, defaulting to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs a new default logger. With hold set, output is buffered
// until Release is called.
func Init(hold bool, opts Options) error {
	w := &holdWriter{console: os.Stderr, held: hold}
	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		w.file = file
	}

	level := ParseLevel(opts.Level)
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "tint":
		// Colours would end up as escape codes in the log file.
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    w.file != nil,
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	writer = w
	slog.SetDefault(slog.New(handler))
	return nil
}

// Release writes everything held so far to console and switches to live
// output there.
func Release(console io.Writer) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.pending.Len() > 0 {
		if _, err := console.Write(writer.pending.Bytes()); err != nil {
			return err
		}
		writer.pending.Reset()
	}
	writer.console = console
	writer.held = false
	return nil
}

// Hold stops live output and buffers log lines instead.
func Hold() {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	writer.held = true
}

// Close flushes held lines and closes the log file. Held lines go to the
// file if there is one, otherwise to stderr.
func Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	var firstErr error
	if writer.file != nil {
		if err := writer.file.Close(); err != nil {
			firstErr = err
		}
		writer.file = nil
	} else if writer.held && writer.pending.Len() > 0 {
		if _, err := os.Stderr.Write(writer.pending.Bytes()); err != nil {
			firstErr = err
		}
	}
	writer.pending.Reset()
	return firstErr
}
