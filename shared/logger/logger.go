// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger provides structured JSON logging scoped to a component.
// Entries carry the workflow and request identifiers so a single research
// session can be traced across the router, limiter and executor.
type Logger struct {
	Component  string
	InstanceID string
	minLevel   LogLevel
}

// LogEntry is the wire format written to stdout, one JSON object per line.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
// INSTANCE_ID and LOG_LEVEL are read from the environment.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	minLevel := INFO
	if lvl := LogLevel(os.Getenv("LOG_LEVEL")); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		minLevel:   minLevel,
	}
}

// Log writes a structured entry to stdout.
func (l *Logger) Log(level LogLevel, workflowID, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		WorkflowID: workflowID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Debug logs a debug message
func (l *Logger) Debug(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, workflowID, requestID, message, fields)
}

// Info logs an informational message
func (l *Logger) Info(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, workflowID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, workflowID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, workflowID, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field
func (l *Logger) InfoWithDuration(workflowID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(workflowID, requestID, message, fields)
}

// ErrorWithErr logs an error message with the error string attached
func (l *Logger) ErrorWithErr(workflowID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(workflowID, requestID, message, fields)
}
