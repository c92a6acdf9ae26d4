// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backend manages the resources of one QNN backend: the loaded modules, the backend, log,
// device and profile handles, and the contexts (compiled programs) with their registered memory.
//
// A Manager is set up once with SetupBackend, which acquires everything in a fixed order
// (modules, log, backend, device, profile, contexts) and, if any step fails, releases what was
// acquired in reverse order. Close performs the same release from whatever state the Manager is in.
//
// Example:
//
//	config := must.M1(backend.ConfigFromEnv())
//	m := backend.NewManager(config)
//	defer m.Close()
//	if err := m.SetupBackend(backend.SetupOptions{}); err != nil {
//		return err
//	}
//	mw := must.M1(m.NewModelWrapper("graph", inputs, outputs, initializers))
//	...
//	model := must.M1(m.ComposeModel(mw, 0))
package backend

import (
	"sync"
	"time"

	"github.com/gomlx/go-qnn/internal/cabi"
	"github.com/gomlx/go-qnn/internal/dynlib"
	"github.com/gomlx/go-qnn/internal/handles"
	"github.com/gomlx/go-qnn/pkg/logging"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/gomlx/go-qnn/pkg/tracecontrol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a Manager.
type State int

const (
	StateNotInitialized State = iota
	StateLibraryLoaded
	StateBackendInitialized
	StateDeviceCreated
	StateContextsReady
	StateInitialized

	// StateFailed is terminal: SetupBackend failed and every resource was released.
	StateFailed

	// StateClosed is terminal: Close was called.
	StateClosed
)

var stateNames = []string{"NotInitialized", "LibraryLoaded", "BackendInitialized", "DeviceCreated",
	"ContextsReady", "Initialized", "Failed", "Closed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(?)"
}

// SetupOptions of Manager.SetupBackend.
type SetupOptions struct {
	// LoadFromCachedContext skips the creation of a context: contexts will be loaded from a cache
	// with LoadCachedContextsFromBuffer.
	LoadFromCachedContext bool

	// NeedSystemLib loads the system module, required to read context binaries.
	NeedSystemLib bool

	// ShareContexts enables weight sharing (HTP only) on the created context.
	ShareContexts bool
}

// Manager owns the resources of one backend. See package documentation.
//
// Methods are safe for concurrent use, but SetupBackend must complete before the others are used.
type Manager struct {
	config Config
	loader *dynlib.Loader

	// mu guards the setup state and the backend-wide handles. Lock order: mu, then profileMu,
	// logMu or contextsMu.
	mu             sync.Mutex
	state          State
	setupErr       error
	iface          qnn.Interface
	coreAPIVersion qnn.Version
	system         qnn.SystemInterface
	backendID      qnn.BackendID
	sdkVersion     string
	backend        *handles.Owned[qnn.BackendHandle]
	device         *handles.Owned[qnn.DeviceHandle]
	power          *PowerConfigurator

	logMu    sync.Mutex
	logIface qnn.Interface
	log      *handles.Owned[qnn.LogHandle]
	logLevel qnn.LogLevel

	profileMu         sync.Mutex
	profileIface      qnn.Interface
	profile           *handles.Owned[qnn.ProfileHandle]
	profilingLevel    ProfilingLevel
	profilingLevelETW ProfilingLevel

	contextsMu   sync.Mutex
	contexts     map[qnn.ContextHandle]*contextRecord
	contextOrder []qnn.ContextHandle

	traceMu  sync.Mutex
	tracer   *tracecontrol.Manager
	traceKey uuid.UUID
}

// NewManager creates a Manager for config. Nothing is loaded until SetupBackend.
func NewManager(config Config) *Manager {
	config = config.withDefaults()
	if config.Resolver == nil {
		config.Resolver = cabi.Default()
	}
	return &Manager{
		config:            config,
		loader:            dynlib.NewLoader(config.Opener),
		profilingLevel:    config.ProfilingLevel,
		profilingLevelETW: config.ProfilingLevelETW,
		contexts:          make(map[qnn.ContextHandle]*contextRecord),
	}
}

// Config returns the configuration of the Manager, with defaults filled in.
func (m *Manager) Config() Config { return m.config }

// SetupBackend loads the backend and acquires its resources. It is idempotent: after the first call
// it returns the first call's outcome without acquiring anything.
//
// On failure every resource acquired so far is released, in reverse order, and the Manager is left
// in StateFailed.
func (m *Manager) SetupBackend(opts SetupOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateInitialized:
		return nil
	case StateFailed:
		return m.setupErr
	case StateClosed:
		return status.Errorf(status.NotInitialized, "backend manager for %q is closed", m.config.BackendPath)
	}
	start := time.Now()
	if err := m.lockedSetup(opts); err != nil {
		reached := m.state
		if releaseErr := m.lockedRelease(); releaseErr != nil {
			klog.Errorf("backend setup failed in state %s, and releasing its resources failed: %+v", reached, releaseErr)
		}
		m.state = StateFailed
		m.setupErr = errors.WithMessagef(err, "setting up backend %q (reached state %s)", m.config.BackendPath, reached)
		m.config.Logger.Logf(logging.Error, "%v", m.setupErr)
		return m.setupErr
	}
	m.state = StateInitialized
	klog.V(1).Infof("backend %s (%s) set up in %s", m.backendID, m.sdkVersion, time.Since(start))
	return nil
}

func (m *Manager) lockedSetup(opts SetupOptions) error {
	if err := m.lockedLoadBackend(); err != nil {
		return err
	}
	if opts.NeedSystemLib {
		if err := m.lockedLoadSystem(); err != nil {
			return err
		}
	}
	m.state = StateLibraryLoaded

	if err := m.initializeLog(m.iface); err != nil {
		return err
	}
	backend, err := m.iface.BackendCreate(m.LogHandle())
	if err != nil {
		return status.Wrapf(err, status.Fail, "failed to create backend")
	}
	m.backend = handles.Own(backend, m.iface.BackendFree)
	m.state = StateBackendInitialized

	if err := m.lockedCreateDevice(); err != nil {
		return err
	}
	m.state = StateDeviceCreated

	m.applyTraceProfilingLevel()
	if err := m.initializeProfiling(m.iface, backend); err != nil {
		return err
	}
	if !opts.LoadFromCachedContext {
		if _, err := m.lockedCreateContext(opts.ShareContexts); err != nil {
			return err
		}
	}
	m.state = StateContextsReady
	return nil
}

// loadInterface loads the backend module at path and selects its interface provider.
func (m *Manager) loadInterface(path string) (*qnn.InterfaceProvider, error) {
	module, err := m.loader.Load(path)
	if err != nil {
		return nil, err
	}
	entry, err := m.loader.Resolve(module, qnn.InterfaceProvidersSymbol)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend module %q", path)
	}
	providers, err := m.config.Resolver.InterfaceProviders(entry)
	if err != nil {
		return nil, status.Wrapf(err, status.LibraryLoadFailure, "reading interface providers of %q", path)
	}
	provider, err := qnn.SelectInterfaceProvider(providers, qnn.RequiredCoreAPIVersion)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend module %q", path)
	}
	klog.V(1).Infof("using interface provider %q (%s, core API %s, backend API %s) of %q",
		provider.Name, provider.BackendID, provider.CoreAPIVersion, provider.BackendAPIVersion, path)
	return provider, nil
}

// lockedLoadBackend loads the backend module and, if configured, the serializer backend, whose
// interface then becomes the active one.
func (m *Manager) lockedLoadBackend() error {
	provider, err := m.loadInterface(m.config.BackendPath)
	if err != nil {
		return err
	}
	m.backendID = provider.BackendID
	m.iface = provider.Interface
	m.coreAPIVersion = provider.CoreAPIVersion
	if buildID, err := m.iface.BackendGetBuildID(); err != nil {
		klog.Warningf("unable to get the build id of backend %q: %v", m.config.BackendPath, err)
	} else {
		m.sdkVersion = buildID
	}

	if s := m.config.Serializer; s != nil {
		serializer, err := m.loadInterface(s.BackendPath())
		if err != nil {
			return errors.WithMessage(err, "loading serializer backend")
		}
		klog.V(1).Infof("backend %s: graphs serialized by %q (%s)", m.backendID, s.BackendPath(), serializer.BackendID)
		m.iface = serializer.Interface
		m.coreAPIVersion = serializer.CoreAPIVersion
	}
	return nil
}

func (m *Manager) lockedLoadSystem() error {
	path := m.config.SystemLibPath
	module, err := m.loader.Load(path)
	if err != nil {
		return err
	}
	entry, err := m.loader.Resolve(module, qnn.SystemInterfaceProvidersSymbol)
	if err != nil {
		return errors.WithMessagef(err, "system module %q", path)
	}
	providers, err := m.config.Resolver.SystemInterfaceProviders(entry)
	if err != nil {
		return status.Wrapf(err, status.LibraryLoadFailure, "reading system interface providers of %q", path)
	}
	provider, err := qnn.SelectSystemInterfaceProvider(providers, qnn.RequiredSystemAPIVersion)
	if err != nil {
		return errors.WithMessagef(err, "system module %q", path)
	}
	m.system = provider.Interface
	return nil
}

// lockedCreateDevice creates the device, if the backend supports device properties. HTP devices
// get the configured SoC model and architecture.
func (m *Manager) lockedCreateDevice() error {
	if !m.iface.PropertyHasCapability(qnn.PropertyGroupDevice) {
		klog.V(1).Infof("backend %s doesn't support device properties, no device created", m.backendID)
		return nil
	}
	var configs []qnn.DeviceConfig
	if m.backendID == qnn.BackendIDHTP {
		if m.config.SocModel != 0 {
			configs = append(configs, qnn.DeviceConfig{Option: qnn.DeviceConfigHtpSocModel, SocModel: m.config.SocModel})
		}
		if m.config.HtpArch != qnn.HtpArchNone {
			configs = append(configs, qnn.DeviceConfig{
				Option:   qnn.DeviceConfigHtpArch,
				Arch:     m.config.HtpArch,
				DeviceID: m.config.DeviceID,
			})
		}
	}
	device, err := m.iface.DeviceCreate(m.LogHandle(), configs)
	if err != nil {
		return status.Wrapf(err, status.DeviceUnavailable, "failed to create %s device", m.backendID)
	}
	m.device = handles.Own(device, m.iface.DeviceFree)
	return nil
}

// lockedRelease releases every resource, in reverse order of acquisition. It is safe from any
// partial state and returns the first error, after releasing everything.
func (m *Manager) lockedRelease() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.power != nil {
		keep(m.power.destroyAll())
		m.power = nil
	}
	keep(m.releaseContexts())
	keep(m.releaseProfiling())
	keep(m.device.Release())
	keep(m.backend.Release())
	keep(m.terminateLog())
	keep(m.loader.UnloadAll())
	m.device, m.backend = nil, nil
	m.iface, m.system = nil, nil
	return firstErr
}

// Close releases every resource of the Manager. The Manager can't be used afterwards.
func (m *Manager) Close() error {
	m.AttachTraceControl(nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil
	}
	err := m.lockedRelease()
	m.state = StateClosed
	if err != nil {
		return errors.WithMessagef(err, "closing backend %q", m.config.BackendPath)
	}
	return nil
}

// State returns the current state of the Manager.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BackendType returns the type of the backend module (not of the serializer, if one is configured).
func (m *Manager) BackendType() qnn.BackendID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backendID
}

// IsNPUBackend returns whether the backend runs on a neural processing unit.
func (m *Manager) IsNPUBackend() bool {
	switch m.BackendType() {
	case qnn.BackendIDHTP, qnn.BackendIDDSP, qnn.BackendIDHTA:
		return true
	}
	return false
}

// SDKVersion returns the build id reported by the backend module.
func (m *Manager) SDKVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sdkVersion
}

// CoreAPIVersion returns the core API version of the active interface.
func (m *Manager) CoreAPIVersion() qnn.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coreAPIVersion
}

// Interface returns the active interface table, or nil before SetupBackend succeeds.
func (m *Manager) Interface() qnn.Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitialized {
		return nil
	}
	return m.iface
}

// BackendHandle returns the backend handle, or 0 before SetupBackend succeeds.
func (m *Manager) BackendHandle() qnn.BackendHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Get()
}

// DeviceHandle returns the device handle, or 0 if there is none.
func (m *Manager) DeviceHandle() qnn.DeviceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.Get()
}

// lockedReady fails with status.NotInitialized unless SetupBackend succeeded. It must be called
// with m.mu held.
func (m *Manager) lockedReady() error {
	if m.state != StateInitialized {
		return status.Errorf(status.NotInitialized, "backend %q not initialized (state %s)", m.config.BackendPath, m.state)
	}
	return nil
}
