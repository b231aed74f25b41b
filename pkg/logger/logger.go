// Copyright 2025 The LlamaFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger initializes process-wide structured logging on top of
// log/slog. The runtime reads LOG_LEVEL, LOG_JSON_FORMAT, and LOG_FILE at
// startup; components obtain child loggers tagged with a component attribute.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	initOnce      sync.Once
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings fall back to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options controls logger initialization.
type Options struct {
	Level      slog.Level
	JSONFormat bool
	Output     io.Writer // defaults to os.Stderr
}

// FromEnv builds Options from LOG_LEVEL, LOG_JSON_FORMAT, and LOG_FILE.
// When LOG_FILE cannot be opened the logger falls back to stderr.
func FromEnv() Options {
	opts := Options{
		Level:      ParseLevel(os.Getenv("LOG_LEVEL")),
		JSONFormat: isTruthy(os.Getenv("LOG_JSON_FORMAT")),
		Output:     os.Stderr,
	}

	if path := os.Getenv("LOG_FILE"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("Failed to open log file, using stderr", "path", path, "error", err)
		} else {
			opts.Output = file
		}
	}

	return opts
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Init initializes the default logger. Safe to call more than once; later
// calls replace the handler so tests can redirect output.
func Init(opts Options) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Normalize WARNING to WARN
			if a.Key == slog.LevelKey {
				if a.Value.String() == "WARNING" {
					return slog.String("level", "WARN")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if opts.JSONFormat {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	} else {
		handler = &plainTextHandler{
			handler: slog.NewTextHandler(opts.Output, handlerOpts),
			writer:  opts.Output,
		}
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// Default returns the default logger, initializing it from the environment
// on first use.
func Default() *slog.Logger {
	initOnce.Do(func() {
		if defaultLogger == nil {
			Init(FromEnv())
		}
	})
	return defaultLogger
}

// GetLogger returns a child logger tagged with a component attribute.
func GetLogger(component string) *slog.Logger {
	return Default().With("component", component)
}

// plainTextHandler prints "HH:MM:SS LEVEL message k=v" lines. The embedded
// TextHandler is only consulted for level gating.
type plainTextHandler struct {
	handler slog.Handler
	writer  io.Writer
	attrs   []slog.Attr
}

func (h *plainTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *plainTextHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("15:04:05"))
		buf.WriteString(" ")
	}

	levelStr := record.Level.String()
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	buf.WriteString(strings.ToUpper(levelStr))
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	writeAttr := func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(writeAttr)

	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *plainTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &plainTextHandler{
		handler: h.handler.WithAttrs(attrs),
		writer:  h.writer,
		attrs:   merged,
	}
}

func (h *plainTextHandler) WithGroup(name string) slog.Handler {
	return &plainTextHandler{
		handler: h.handler.WithGroup(name),
		writer:  h.writer,
		attrs:   h.attrs,
	}
}
