// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logging defines the runtime severities and the Logger interface through which the backend
// reports to the platform logging sink.
//
// The default Logger writes to k8s.io/klog/v2.
package logging

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Severity of a log record, from most to least verbose.
type Severity int

const (
	Verbose Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Verbose:
		return "VERBOSE"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Logger is the sink for the backend's log records.
//
// Implementations must be safe for concurrent use: the backend logs from whatever goroutine the
// native SDK calls back on.
type Logger interface {
	// Severity is the minimum severity this logger records.
	Severity() Severity

	// Logf records a message if severity >= Severity().
	Logf(severity Severity, format string, args ...any)
}

// DefaultSeverity derives a severity from klog's verbosity: -v=2 or more is Verbose, -v=1 is Info,
// otherwise Warning.
func DefaultSeverity() Severity {
	switch {
	case klog.V(2).Enabled():
		return Verbose
	case klog.V(1).Enabled():
		return Info
	default:
		return Warning
	}
}

// KlogLogger implements Logger on top of klog.
type KlogLogger struct {
	severity Severity
}

var _ Logger = (*KlogLogger)(nil)

// NewKlogLogger returns a Logger writing records of the given severity and above to klog.
func NewKlogLogger(severity Severity) *KlogLogger {
	return &KlogLogger{severity: severity}
}

// Default returns a klog Logger with DefaultSeverity.
func Default() *KlogLogger {
	return NewKlogLogger(DefaultSeverity())
}

// Severity implements Logger.
func (l *KlogLogger) Severity() Severity { return l.severity }

// Logf implements Logger.
func (l *KlogLogger) Logf(severity Severity, format string, args ...any) {
	if severity < l.severity {
		return
	}
	const depth = 1
	msg := fmt.Sprintf(format, args...)
	switch severity {
	case Verbose, Info:
		klog.InfoDepth(depth, msg)
	case Warning:
		klog.WarningDepth(depth, msg)
	default:
		// Fatal is reported as an error: the backend never aborts the process.
		klog.ErrorDepth(depth, msg)
	}
}
