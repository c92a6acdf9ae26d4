// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/gomlx/go-qnn/internal/fsutil"
	"github.com/gomlx/go-qnn/internal/handles"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/gomlx/go-qnn/pkg/tracecontrol"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event levels of a ProfileEvent.
const (
	EventLevelRoot = "ROOT"
	EventLevelSub  = "SUB-EVENT"
)

// ProfileCSVHeader is the first line of a profiling output file.
var ProfileCSVHeader = []string{"Msg Timestamp", "Message", "Time", "Unit of Measurement", "Timing Source",
	"Event Level", "Event Identifier"}

// ProfileEvent is one record of the backend's profiling tree.
type ProfileEvent struct {
	// Timestamp is only reported by backends supporting extended event data, 0 otherwise.
	Timestamp uint64

	// Message is the event type, e.g. "EXECUTE" or "NODE".
	Message    string
	Value      string
	Unit       string
	Level      string
	Identifier string
}

// TimingSource of every event.
const TimingSource = "BACKEND"

func (e *ProfileEvent) csvRecord() []string {
	return []string{strconv.FormatUint(e.Timestamp, 10), e.Message, e.Value, e.Unit, TimingSource, e.Level, e.Identifier}
}

// effectiveProfilingLevel must be called with m.profileMu held.
func (m *Manager) effectiveProfilingLevel() ProfilingLevel {
	return max(m.profilingLevel, m.profilingLevelETW)
}

// ProfilingLevel returns the effective profiling level: the most detailed of the configured and
// the trace-session requested levels.
func (m *Manager) ProfilingLevel() ProfilingLevel {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()
	return m.effectiveProfilingLevel()
}

// initializeProfiling creates the profile handle if profiling is on.
func (m *Manager) initializeProfiling(iface qnn.Interface, backend qnn.BackendHandle) error {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()
	return m.lockedResetProfile(iface, backend)
}

// lockedResetProfile replaces the profile handle by one of the effective level. It must be called
// with m.profileMu held.
func (m *Manager) lockedResetProfile(iface qnn.Interface, backend qnn.BackendHandle) error {
	if err := m.profile.Release(); err != nil {
		klog.Warningf("freeing profile handle: %v", err)
	}
	m.profile, m.profileIface = nil, nil
	effective := m.effectiveProfilingLevel()
	level, on := effective.native()
	if !on {
		return nil
	}
	h, err := iface.ProfileCreate(backend, level)
	if err != nil {
		return status.Wrapf(err, status.Fail, "failed to create %s profile", effective)
	}
	m.profile = handles.Own(h, iface.ProfileFree)
	m.profileIface = iface
	klog.V(1).Infof("backend profiling level %s", effective)
	return nil
}

// SetProfilingLevelETW changes the profiling level requested by a trace session. If the effective
// level changes on an initialized Manager, the profile handle is recreated.
func (m *Manager) SetProfilingLevelETW(level ProfilingLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileMu.Lock()
	defer m.profileMu.Unlock()
	prev := m.effectiveProfilingLevel()
	m.profilingLevelETW = level
	if m.state != StateInitialized || m.effectiveProfilingLevel() == prev {
		return nil
	}
	return m.lockedResetProfile(m.iface, m.backend.Get())
}

// ProfileHandle returns the current profile handle, or 0 if profiling is off.
func (m *Manager) ProfileHandle() qnn.ProfileHandle {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()
	return m.profile.Get()
}

func (m *Manager) releaseProfiling() error {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()
	err := m.profile.Release()
	m.profile, m.profileIface = nil, nil
	if err != nil {
		return status.Wrapf(err, status.Fail, "failed to free profile handle")
	}
	return nil
}

// ExtractProfilingInfo reads the events recorded since the last call, in pre-order (each event
// before its sub-events), appends them to the profiling file (if configured) and, when a trace
// session enabled the profiling keyword, logs them as structured records.
//
// Extraction is best-effort: events whose data can't be read are skipped and logged. It returns
// nil if profiling is off.
func (m *Manager) ExtractProfilingInfo() ([]ProfileEvent, error) {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()
	if !m.profile.Valid() {
		return nil, nil
	}
	iface := m.profileIface
	roots, err := iface.ProfileGetEvents(m.profile.Get())
	if err != nil {
		return nil, status.Wrapf(err, status.Fail, "failed to get profile events")
	}
	x := &profileExtractor{
		iface:    iface,
		extended: iface.PropertyHasCapability(qnn.PropertyProfileSupportsExtendedEvent),
	}
	for _, root := range roots {
		x.extract(root, EventLevelRoot)
	}
	if len(x.events) == 0 {
		return nil, nil
	}
	if m.traceProfilingEnabled() {
		for i := range x.events {
			logTraceEvent(&x.events[i])
		}
	}
	if path := m.config.ProfilingFilePath; path != "" {
		if err := appendProfileCSV(path, x.events); err != nil {
			return x.events, err
		}
	}
	return x.events, nil
}

type profileExtractor struct {
	iface    qnn.Interface
	extended bool
	events   []ProfileEvent
}

func (x *profileExtractor) extract(id qnn.ProfileEventID, level string) {
	if event, err := x.event(id, level); err != nil {
		klog.Warningf("skipping profile event %d: %v", id, err)
	} else {
		x.events = append(x.events, event)
	}
	subs, err := x.iface.ProfileGetSubEvents(id)
	if err != nil {
		klog.Warningf("skipping sub-events of profile event %d: %v", id, err)
		return
	}
	for _, sub := range subs {
		x.extract(sub, EventLevelSub)
	}
}

func (x *profileExtractor) event(id qnn.ProfileEventID, level string) (ProfileEvent, error) {
	if x.extended {
		data, err := x.iface.ProfileGetExtendedEventData(id)
		if err != nil {
			return ProfileEvent{}, err
		}
		return ProfileEvent{
			Timestamp:  data.Timestamp,
			Message:    data.Type.String(),
			Value:      data.Value.String(),
			Unit:       data.Unit.String(),
			Level:      level,
			Identifier: data.Identifier,
		}, nil
	}
	data, err := x.iface.ProfileGetEventData(id)
	if err != nil {
		return ProfileEvent{}, err
	}
	return ProfileEvent{
		Message:    data.Type.String(),
		Value:      strconv.FormatUint(data.Value, 10),
		Unit:       data.Unit.String(),
		Level:      level,
		Identifier: data.Identifier,
	}, nil
}

// appendProfileCSV appends events to the CSV file at path, writing the header if the file is new.
func appendProfileCSV(path string, events []ProfileEvent) error {
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open profiling file %q", path)
	}
	w := csv.NewWriter(f)
	if !exists {
		_ = w.Write(ProfileCSVHeader)
	}
	for i := range events {
		_ = w.Write(events[i].csvRecord())
	}
	w.Flush()
	err = w.Error()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write profiling file %q", path)
	}
	klog.V(1).Infof("%d profiling events appended to %q", len(events), path)
	return nil
}

func logTraceEvent(e *ProfileEvent) {
	klog.InfoS("QNNProfilingEvent",
		"timestamp", e.Timestamp,
		"message", e.Message,
		"value", e.Value,
		"unit", e.Unit,
		"timingSource", TimingSource,
		"eventLevel", e.Level,
		"eventIdentifier", e.Identifier)
}

// traceProfilingEnabled returns whether a trace session enabled the profiling keyword.
func (m *Manager) traceProfilingEnabled() bool {
	m.traceMu.Lock()
	tc := m.tracer
	m.traceMu.Unlock()
	return tc != nil && tc.IsEnabled() && tc.Keywords().Has(tracecontrol.KeywordProfiling)
}
