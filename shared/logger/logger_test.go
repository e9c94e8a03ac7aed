// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer log.SetOutput(log.Writer())
	fn()
	return buf.String()
}

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedInstID string
	}{
		{"with instance ID set", "router", "instance-123", "instance-123"},
		{"without instance ID", "executor", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			}
			l := New(tt.component)
			if l.Component != tt.component {
				t.Errorf("Component = %q, want %q", l.Component, tt.component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %q, want %q", l.InstanceID, tt.expectedInstID)
			}
		})
	}
}

func TestLogEntryFormat(t *testing.T) {
	l := &Logger{Component: "router", InstanceID: "i-1", minLevel: DEBUG}

	out := captureOutput(func() {
		l.Info("wf-42", "req-7", "dispatch complete", map[string]interface{}{
			"provider": "tavily",
			"attempts": 2,
		})
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (output: %s)", err, out)
	}

	if entry.Level != INFO {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.WorkflowID != "wf-42" {
		t.Errorf("WorkflowID = %q, want wf-42", entry.WorkflowID)
	}
	if entry.RequestID != "req-7" {
		t.Errorf("RequestID = %q, want req-7", entry.RequestID)
	}
	if entry.Message != "dispatch complete" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Fields["provider"] != "tavily" {
		t.Errorf("Fields[provider] = %v, want tavily", entry.Fields["provider"])
	}
}

func TestLevelFiltering(t *testing.T) {
	l := &Logger{Component: "limiter", InstanceID: "i-1", minLevel: WARN}

	out := captureOutput(func() {
		l.Debug("", "", "noisy", nil)
		l.Info("", "", "also noisy", nil)
		l.Warn("", "", "kept", nil)
		l.Error("", "", "also kept", nil)
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d: %s", len(lines), out)
	}
	if !strings.Contains(lines[0], "kept") {
		t.Errorf("first entry = %s, want warn entry", lines[0])
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	l := New("test")
	if l.minLevel != DEBUG {
		t.Errorf("minLevel = %q, want DEBUG", l.minLevel)
	}

	t.Setenv("LOG_LEVEL", "bogus")
	l = New("test")
	if l.minLevel != INFO {
		t.Errorf("minLevel = %q, want INFO for invalid LOG_LEVEL", l.minLevel)
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := &Logger{Component: "router", InstanceID: "i-1", minLevel: DEBUG}

	out := captureOutput(func() {
		l.InfoWithDuration("wf-1", "", "step finished", 123.4, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 123.4 {
		t.Errorf("duration_ms = %v, want 123.4", entry.Fields["duration_ms"])
	}
}
