// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging decides where skyscan log records go.
//
// Coordinators and workers run unattended under a batch system. Records go
// to the console (text or JSON) and, when a directory is configured, to a
// daily JSON file per service that survives the job's stderr being thrown
// away:
//
//	logs := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.skyscan/logs",
//	    Service: "coordinator",
//	})
//	defer logs.Close()
//
//	scanner.New(cfg, scanner.Deps{Logger: logs.Slog()})
//
// Packages below cmd/ only ever see a *slog.Logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a slog level restricted to the four skyscan uses.
type Level = slog.Level

const (
	// LevelDebug traces individual tasks and broker messages.
	LevelDebug = slog.LevelDebug
	// LevelInfo reports scan lifecycle: rounds, commits, completion.
	LevelInfo = slog.LevelInfo
	// LevelWarn reports redeliveries, timeouts and fallback pixels.
	LevelWarn = slog.LevelWarn
	// LevelError reports failed operations.
	LevelError = slog.LevelError
)

// ParseLevel reads a level name from a config file or flag.
//
// Names are case-insensitive; "warning" is accepted for warn and the empty
// string means info. An unknown name yields LevelInfo and ok=false so the
// caller can report the typo.
func ParseLevel(s string) (level Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "", "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Config configures a Logger. The zero value logs info and above as text
// on stderr.
type Config struct {
	Level Level

	// LogDir, when set, adds a JSON file "{Service}_{YYYY-MM-DD}.log" in
	// that directory. A leading ~ is expanded.
	LogDir string

	// Service tags every record, e.g. "coordinator" or "worker".
	Service string

	// JSON switches console output to JSON.
	JSON bool

	// Quiet drops console output. File output is unaffected.
	Quiet bool

	// Console overrides stderr as the console destination.
	Console io.Writer
}

// Logger owns the handlers built from a Config and the open log file.
//
// Thread Safety: safe for concurrent use.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger.
//
// An unusable LogDir is reported once on the console and otherwise
// ignored; losing the log volume must not stop a scan.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	var sinks fanout
	if !cfg.Quiet {
		if cfg.JSON {
			sinks = append(sinks, slog.NewJSONHandler(console, opts))
		} else {
			sinks = append(sinks, slog.NewTextHandler(console, opts))
		}
	}

	l := &Logger{}
	var fileErr error
	if cfg.LogDir != "" {
		l.file, fileErr = openDaily(cfg.LogDir, serviceName(cfg.Service), time.Now())
		if fileErr == nil {
			sinks = append(sinks, slog.NewJSONHandler(l.file, opts))
		}
	}

	var h slog.Handler = sinks
	switch len(sinks) {
	case 0:
		h = slog.DiscardHandler
	case 1:
		h = sinks[0]
	}
	if cfg.Service != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(h)

	if fileErr != nil && !cfg.Quiet {
		l.slog.Warn("file logging disabled", slog.String("dir", cfg.LogDir), slog.String("error", fileErr.Error()))
	}
	return l
}

func serviceName(s string) string {
	if s == "" {
		return "skyscan"
	}
	return s
}

func openDaily(dir, service string, day time.Time) (*os.File, error) {
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", service, day.Format(time.DateOnly))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// Slog returns the logger to inject into components.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close flushes and closes the log file. Later calls are no-ops.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
