// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/gomlx/go-qnn/pkg/tracecontrol"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// AttachTraceControl subscribes the Manager to the notifications of tc: trace sessions enabling the
// logs keyword change the backend log level, and those enabling the profiling keyword raise the
// profiling level. It replaces any previously attached tracer; nil detaches.
func (m *Manager) AttachTraceControl(tc *tracecontrol.Manager) {
	m.traceMu.Lock()
	defer m.traceMu.Unlock()
	if m.tracer != nil {
		m.tracer.Unsubscribe(m.traceKey)
	}
	m.tracer, m.traceKey = tc, uuid.Nil
	if tc != nil {
		m.traceKey = tc.Subscribe(m.onTraceControl)
	}
}

// applyTraceProfilingLevel sets the trace-requested profiling level from the current state of the
// tracer. It must be called with m.mu held.
func (m *Manager) applyTraceProfilingLevel() {
	m.traceMu.Lock()
	tc := m.tracer
	m.traceMu.Unlock()
	if tc == nil || !tc.IsEnabled() || !tc.Keywords().Has(tracecontrol.KeywordProfiling) {
		return
	}
	level := traceProfilingLevel(tc.Level())
	m.profileMu.Lock()
	m.profilingLevelETW = level
	m.profileMu.Unlock()
}

// traceProfilingLevel: verbose sessions get detailed profiling.
func traceProfilingLevel(level tracecontrol.Level) ProfilingLevel {
	if level >= tracecontrol.LevelVerbose {
		return ProfilingDetailed
	}
	return ProfilingBasic
}

func (m *Manager) onTraceControl(n tracecontrol.Notification) {
	if m.State() != StateInitialized {
		return
	}
	if !n.Enabled() {
		if err := m.ResetLogLevel(nil); err != nil {
			klog.Warningf("trace-control: resetting backend log level: %v", err)
		}
		if err := m.SetProfilingLevelETW(ProfilingOff); err != nil {
			klog.Warningf("trace-control: turning off trace profiling: %v", err)
		}
		return
	}
	if n.MatchAnyKeyword.Has(tracecontrol.KeywordLogs) {
		severity := n.Level.Severity()
		if err := m.ResetLogLevel(&severity); err != nil {
			klog.Warningf("trace-control: setting backend log level: %v", err)
		}
	}
	if n.MatchAnyKeyword.Has(tracecontrol.KeywordProfiling) && n.Level != tracecontrol.LevelNone {
		if err := m.SetProfilingLevelETW(traceProfilingLevel(n.Level)); err != nil {
			klog.Warningf("trace-control: setting trace profiling level: %v", err)
		}
	}
}
