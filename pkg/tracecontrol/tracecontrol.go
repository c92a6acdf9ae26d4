// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracecontrol tracks the platform's trace-control notifications (ETW on Windows): whether
// a trace session enabled this process' provider, at which level and for which keywords.
//
// A notification can arrive on any thread at any time after Start. The Manager records it and
// forwards it to its subscribers, so independent consumers (e.g. every backend manager) can react
// without a central dispatch point.
//
// There is no process-wide instance: the owner (usually environment.Environment) creates one
// Manager, starts it and closes it.
package tracecontrol

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/go-qnn/pkg/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keyword is a bit mask selecting categories of trace events.
type Keyword uint64

const (
	KeywordSession   Keyword = 0x1
	KeywordLogs      Keyword = 0x2
	KeywordProfiling Keyword = 0x100
)

// Has returns whether all bits of k2 are set in k.
func (k Keyword) Has(k2 Keyword) bool { return k&k2 == k2 }

// Level of a trace session. Values match the ETW TRACE_LEVEL_* constants.
type Level uint8

const (
	LevelNone        Level = 0
	LevelCritical    Level = 1
	LevelError       Level = 2
	LevelWarning     Level = 3
	LevelInformation Level = 4
	LevelVerbose     Level = 5
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelCritical:
		return "CRITICAL"
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInformation:
		return "INFORMATION"
	case LevelVerbose:
		return "VERBOSE"
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// Severity maps the trace level to a runtime severity. LevelNone maps to Fatal (there is no "none"
// severity), unknown levels to Verbose.
func (l Level) Severity() logging.Severity {
	switch l {
	case LevelNone, LevelCritical:
		return logging.Fatal
	case LevelVerbose:
		return logging.Verbose
	case LevelInformation:
		return logging.Info
	case LevelWarning:
		return logging.Warning
	case LevelError:
		return logging.Error
	}
	return logging.Verbose
}

// ControlCode of a notification.
type ControlCode uint32

const (
	ControlDisable      ControlCode = 0
	ControlEnable       ControlCode = 1
	ControlCaptureState ControlCode = 2
)

// Notification is one trace-control change.
type Notification struct {
	Control         ControlCode
	Level           Level
	MatchAnyKeyword Keyword
	MatchAllKeyword Keyword
}

// Enabled returns whether the notification enables the provider.
func (n Notification) Enabled() bool { return n.Control != ControlDisable }

// Callback receives notifications. It is called on the thread that delivered the notification.
type Callback func(n Notification)

// Source attaches a Manager to the platform's trace-control facility.
type Source interface {
	// Register starts delivering the platform's notifications to notify.
	Register(notify func(Notification)) error

	// Unregister stops the delivery.
	Unregister() error
}

type initState int

const (
	notInitialized initState = iota
	initialized
	closed
)

// Manager records the current trace-control state and dispatches notifications to subscribers.
// It is safe for concurrent use.
type Manager struct {
	source Source

	initMu    sync.Mutex
	phase     initState
	sourceErr error

	stateMu  sync.Mutex
	enabled  bool
	level    Level
	keywords Keyword

	subscribersMu sync.Mutex
	subscribers   map[uuid.UUID]Callback
}

// New creates a Manager for the platform's trace-control facility (PlatformSource).
func New() *Manager {
	return NewWithSource(PlatformSource())
}

// NewWithSource creates a Manager attached to source. source may be nil, in which case
// notifications only come from Manager.Notify.
func NewWithSource(source Source) *Manager {
	return &Manager{
		source:      source,
		subscribers: make(map[uuid.UUID]Callback),
	}
}

// Start registers with the source. It is idempotent: only the first call registers.
//
// A registration failure is not fatal (e.g. low-integrity processes can't register): it is logged,
// reported by Status, and the Manager keeps working with notifications delivered through Notify.
func (m *Manager) Start() {
	m.initMu.Lock()
	if m.phase != notInitialized {
		m.initMu.Unlock()
		return
	}
	m.phase = initialized
	m.initMu.Unlock()
	if m.source == nil {
		return
	}
	// The platform may deliver the current state synchronously, from within Register.
	if err := m.source.Register(m.Notify); err != nil {
		err = errors.WithMessage(err, "trace-control registration failed")
		klog.Warningf("%v", err)
		m.initMu.Lock()
		m.sourceErr = err
		m.initMu.Unlock()
	}
}

// Status returns the error of the source registration, if any.
func (m *Manager) Status() error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return m.sourceErr
}

// SupportsTracing returns whether notifications come from a registered platform source.
func (m *Manager) SupportsTracing() bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return m.phase == initialized && m.source != nil && m.sourceErr == nil
}

// Close unregisters from the source. Notifications are dropped afterwards.
func (m *Manager) Close() error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.phase != initialized {
		m.phase = closed
		return nil
	}
	m.phase = closed
	if m.source == nil || m.sourceErr != nil {
		return nil
	}
	return m.source.Unregister()
}

// Notify records n and forwards it to every subscriber. This is the entry point of the platform
// source; notifications before Start or after Close are dropped.
func (m *Manager) Notify(n Notification) {
	m.initMu.Lock()
	state := m.phase
	m.initMu.Unlock()
	if state != initialized {
		klog.V(2).Infof("trace-control notification dropped, manager not running: %+v", n)
		return
	}

	m.stateMu.Lock()
	m.enabled = n.Enabled()
	m.level = n.Level
	m.keywords = n.MatchAnyKeyword
	m.stateMu.Unlock()
	klog.V(1).Infof("trace-control: enabled=%v level=%s keywords=0x%x", n.Enabled(), n.Level, uint64(n.MatchAnyKeyword))

	// Subscribers are called outside the lock, so they can (un)subscribe from their callback.
	m.subscribersMu.Lock()
	callbacks := slices.Collect(maps.Values(m.subscribers))
	m.subscribersMu.Unlock()
	for _, cb := range callbacks {
		cb(n)
	}
}

// IsEnabled returns whether a trace session currently enables the provider.
func (m *Manager) IsEnabled() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.enabled
}

// Level returns the level of the last notification.
func (m *Manager) Level() Level {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.level
}

// Keywords returns the "match any" keywords of the last notification.
func (m *Manager) Keywords() Keyword {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.keywords
}

// Subscribe registers cb for all future notifications and returns the key to unsubscribe it.
func (m *Manager) Subscribe(cb Callback) uuid.UUID {
	key := uuid.New()
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	m.subscribers[key] = cb
	return key
}

// Unsubscribe removes the subscriber registered under key. It returns false if there was none.
func (m *Manager) Unsubscribe(key uuid.UUID) bool {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	_, found := m.subscribers[key]
	delete(m.subscribers, key)
	return found
}

// NumSubscribers returns the number of registered subscribers.
func (m *Manager) NumSubscribers() int {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	return len(m.subscribers)
}
