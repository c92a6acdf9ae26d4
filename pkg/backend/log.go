// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/gomlx/go-qnn/internal/handles"
	"github.com/gomlx/go-qnn/pkg/logging"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/gomlx/go-qnn/pkg/tracecontrol"
	"k8s.io/klog/v2"
)

// NativeLogLevel maps a runtime severity to the backend's log level.
func NativeLogLevel(severity logging.Severity) qnn.LogLevel {
	switch severity {
	case logging.Verbose:
		return qnn.LogLevelVerbose
	case logging.Info:
		return qnn.LogLevelInfo
	case logging.Warning:
		return qnn.LogLevelWarn
	}
	return qnn.LogLevelError
}

// severityOf maps a backend log level to the runtime severity its messages are logged with.
func severityOf(level qnn.LogLevel) logging.Severity {
	switch level {
	case qnn.LogLevelError:
		return logging.Error
	case qnn.LogLevelWarn:
		return logging.Warning
	case qnn.LogLevelInfo:
		return logging.Info
	}
	return logging.Verbose
}

// logCallback forwards the backend's messages to the configured Logger.
//
// The backend may call it from any thread, including from within a call holding logMu (e.g.
// LogSetLogLevel), so it must not take logMu.
func (m *Manager) logCallback(level qnn.LogLevel, timestamp uint64, message string) {
	m.config.Logger.Logf(severityOf(level), "qnn [%d]: %s", timestamp, message)
}

// initialLogSeverity is the severity of the Logger, unless a trace session enabled the logs keyword.
func (m *Manager) initialLogSeverity() logging.Severity {
	m.traceMu.Lock()
	tc := m.tracer
	m.traceMu.Unlock()
	if tc != nil && tc.IsEnabled() && tc.Keywords().Has(tracecontrol.KeywordLogs) {
		return tc.Level().Severity()
	}
	return m.config.Logger.Severity()
}

// initializeLog creates the backend's log handle.
func (m *Manager) initializeLog(iface qnn.Interface) error {
	level := NativeLogLevel(m.initialLogSeverity())
	m.logMu.Lock()
	defer m.logMu.Unlock()
	h, err := iface.LogCreate(m.logCallback, level)
	if err != nil {
		return status.Wrapf(err, status.Fail, "failed to create backend log")
	}
	m.logIface = iface
	m.log = handles.Own(h, iface.LogFree)
	m.logLevel = level
	klog.V(2).Infof("backend log created with level %d", level)
	return nil
}

// ResetLogLevel sets the backend log level from severity, or from the Logger's severity if
// severity is nil.
func (m *Manager) ResetLogLevel(severity *logging.Severity) error {
	sev := m.config.Logger.Severity()
	if severity != nil {
		sev = *severity
	}
	level := NativeLogLevel(sev)

	m.logMu.Lock()
	defer m.logMu.Unlock()
	if !m.log.Valid() {
		return status.Errorf(status.NotInitialized, "backend log not initialized")
	}
	if err := m.logIface.LogSetLogLevel(m.log.Get(), level); err != nil {
		// Reported through the Logger, which never takes logMu.
		m.config.Logger.Logf(logging.Error, "failed to set backend log level to %d: %v", level, err)
		return status.Wrapf(err, status.Fail, "failed to set backend log level")
	}
	m.logLevel = level
	klog.V(1).Infof("backend log level set to %d (severity %s)", level, sev)
	return nil
}

// LogHandle returns the backend's log handle, or 0.
func (m *Manager) LogHandle() qnn.LogHandle {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return m.log.Get()
}

// LogLevel returns the current backend log level, or 0 if there is no log.
func (m *Manager) LogLevel() qnn.LogLevel {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	if !m.log.Valid() {
		return 0
	}
	return m.logLevel
}

func (m *Manager) terminateLog() error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	err := m.log.Release()
	m.log, m.logIface = nil, nil
	if err != nil {
		return status.Wrapf(err, status.Fail, "failed to free backend log")
	}
	return nil
}
