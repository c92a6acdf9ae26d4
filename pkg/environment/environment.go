// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package environment holds the process-scoped state shared by every session using QNN: the
// trace-control manager and the backend managers, shared by all sessions with the same
// configuration.
//
// An Environment is created explicitly, normally once per process, and closed at shutdown:
//
//	env := environment.New()
//	defer env.Close()
//	m := must.M1(env.Acquire(config, backend.SetupOptions{}))
//	defer env.Release(m)
//
// The trace-control manager is started on first use; Close releases the backend managers still
// acquired and then closes it.
package environment

import (
	"sync"

	"github.com/gomlx/go-qnn/pkg/backend"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/gomlx/go-qnn/pkg/tracecontrol"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment owns the trace-control manager and the shared backend managers. It is safe for
// concurrent use.
type Environment struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	trace    *tracecontrol.Manager
	managers map[string]*sharedManager
}

type sharedManager struct {
	manager *backend.Manager
	refs    int
}

// New creates an Environment for the platform's trace-control facility.
func New() *Environment {
	return NewWithTraceControl(tracecontrol.New())
}

// NewWithTraceControl creates an Environment owning tc, which is started on first use and closed
// with the Environment.
func NewWithTraceControl(tc *tracecontrol.Manager) *Environment {
	return &Environment{
		trace:    tc,
		managers: make(map[string]*sharedManager),
	}
}

// TraceControl returns the trace-control manager, starting it if needed.
func (e *Environment) TraceControl() (*tracecontrol.Manager, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedStart(); err != nil {
		return nil, err
	}
	return e.trace, nil
}

func (e *Environment) lockedStart() error {
	if e.closed {
		return status.Errorf(status.NotInitialized, "environment is closed")
	}
	if !e.started {
		e.trace.Start()
		e.started = true
	}
	return nil
}

// Acquire returns the backend manager for config, set up with opts. Managers are shared by
// configuration (see backend.Config.Key): the first Acquire of a configuration creates and sets up
// the Manager, and later ones return it with an extra reference. Each successful Acquire must be
// paired with a Release.
//
// opts only matter for the Acquire that creates the Manager.
func (e *Environment) Acquire(config backend.Config, opts backend.SetupOptions) (*backend.Manager, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedStart(); err != nil {
		return nil, err
	}
	key := config.Key()
	shared, found := e.managers[key]
	if !found {
		m := backend.NewManager(config)
		m.AttachTraceControl(e.trace)
		if err := m.SetupBackend(opts); err != nil {
			if closeErr := m.Close(); closeErr != nil {
				klog.Warningf("closing backend manager after failed setup: %+v", closeErr)
			}
			return nil, err
		}
		shared = &sharedManager{manager: m}
		e.managers[key] = shared
		klog.V(1).Infof("environment: created backend manager for %q", config.BackendPath)
	}
	shared.refs++
	return shared.manager, nil
}

// Release drops one reference to m, acquired with Acquire. The Manager is closed when the last
// reference is released.
func (e *Environment) Release(m *backend.Manager) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, shared := range e.managers {
		if shared.manager != m {
			continue
		}
		shared.refs--
		if shared.refs > 0 {
			return nil
		}
		delete(e.managers, key)
		klog.V(1).Infof("environment: closing backend manager for %q", m.Config().BackendPath)
		return m.Close()
	}
	return status.Errorf(status.InvalidArgument, "backend manager was not acquired from this environment (or was already released)")
}

// NumManagers returns the number of backend managers currently acquired.
func (e *Environment) NumManagers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.managers)
}

// Close closes the backend managers still acquired, regardless of their references, and then the
// trace-control manager. It is idempotent and returns the first error, after closing everything.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	for key, shared := range e.managers {
		klog.Warningf("environment closed with %d references to the backend manager for %q", shared.refs, shared.manager.Config().BackendPath)
		if err := shared.manager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.managers, key)
	}
	if err := e.trace.Close(); err != nil && firstErr == nil {
		firstErr = errors.WithMessage(err, "closing trace control")
	}
	return firstErr
}
