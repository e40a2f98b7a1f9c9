// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	defer logger.Close()
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
}

func TestNew_QuietModeStillHasHandler(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	if logger.slog == nil {
		t.Error("logger.slog is nil in quiet mode")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "engine",
		Quiet:   true,
	})
	logger.Info("shard dispatched", "shard_id", "abc123")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	pattern := filepath.Join(tmpDir, "engine_*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file matching %s, got %v (err %v)", pattern, matches, err)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "shard dispatched") {
		t.Errorf("log file missing message: %s", content)
	}
	if !strings.Contains(content, `"service":"engine"`) {
		t.Errorf("log file missing service attribute: %s", content)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  tmpDir,
		Service: "engine",
		Quiet:   true,
	})
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
	logger.Close()

	matches, _ := filepath.Glob(filepath.Join(tmpDir, "engine_*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one log file, got %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	content := string(data)

	if strings.Contains(content, "info message") || strings.Contains(content, "debug message") {
		t.Errorf("entries below LevelWarn should be filtered: %s", content)
	}
	if !strings.Contains(content, "warn message") || !strings.Contains(content, "error message") {
		t.Errorf("warn and error entries should be present: %s", content)
	}
}

func TestLogger_With(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Service: "engine", Quiet: true})
	child := logger.With("plan_id", "p-123")
	child.Info("settling")
	logger.Close()

	matches, _ := filepath.Glob(filepath.Join(tmpDir, "engine_*.log"))
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), `"plan_id":"p-123"`) {
		t.Errorf("child logger should carry its attributes: %s", data)
	}
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Service:  "engine",
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("healing ticket opened", "ticket_id", "t-1", "attempt", 2)

	// Export is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	var entries []LogEntry
	for time.Now().Before(deadline) {
		entries = exporter.Entries()
		if len(entries) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "healing ticket opened" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Service != "engine" {
		t.Errorf("Service = %q", entry.Service)
	}
	if entry.Attrs["ticket_id"] != "t-1" {
		t.Errorf("Attrs = %v", entry.Attrs)
	}
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewWriterExporter(&buf)

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     LevelWarn,
		Message:   "queue saturated",
		Attrs:     map[string]any{"depth": 64},
	}
	if err := exporter.Export(context.Background(), entry); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "queue saturated") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"key1", "value1", "key2", 123, 42, "not-a-key"})
	if m["key1"] != "value1" || m["key2"] != 123 {
		t.Errorf("argsToMap() = %v", m)
	}
	if _, ok := m["42"]; ok {
		t.Error("non-string keys should be skipped")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := expandPath("~/logs")
	want := filepath.Join(home, "logs")
	if got != want {
		t.Errorf("expandPath() = %q, want %q", got, want)
	}
	if expandPath("/var/log") != "/var/log" {
		t.Error("absolute paths should be unchanged")
	}
}
