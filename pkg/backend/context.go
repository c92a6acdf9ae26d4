// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"slices"
	"sync"

	"github.com/gomlx/go-qnn/internal/handles"
	"github.com/gomlx/go-qnn/pkg/builder"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// contextRecord owns a native context and the memory handles registered with it.
type contextRecord struct {
	iface  qnn.Interface
	handle *handles.Owned[qnn.ContextHandle]

	memMu sync.Mutex
	mems  map[uintptr]*handles.Owned[qnn.MemHandle] // By buffer address; nil once released.
}

func newContextRecord(iface qnn.Interface, h qnn.ContextHandle) *contextRecord {
	return &contextRecord{
		iface:  iface,
		handle: handles.Own(h, func(h qnn.ContextHandle) error { return iface.ContextFree(h, 0) }),
		mems:   make(map[uintptr]*handles.Owned[qnn.MemHandle]),
	}
}

// release frees the registered memory handles, then the context.
func (r *contextRecord) release() error {
	r.memMu.Lock()
	mems := r.mems
	r.mems = nil
	r.memMu.Unlock()
	var firstErr error
	for address, mem := range mems {
		if err := mem.Release(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "deregistering memory at 0x%x", address)
		}
	}
	if err := r.handle.Release(); err != nil && firstErr == nil {
		firstErr = status.Wrapf(err, status.Fail, "failed to free context")
	}
	return firstErr
}

// lockedContextConfigs returns the configs of a new context. It must be called with m.mu held.
func (m *Manager) lockedContextConfigs(enableWeightSharing bool) []qnn.ContextConfig {
	configs := []qnn.ContextConfig{{Option: qnn.ContextConfigPriority, Priority: m.config.ContextPriority.native()}}
	if enableWeightSharing && m.backendID == qnn.BackendIDHTP {
		configs = append(configs, qnn.ContextConfig{Option: qnn.ContextConfigHtpWeightSharing, WeightSharing: true})
	}
	return configs
}

// lockedCreateContext must be called with m.mu held.
func (m *Manager) lockedCreateContext(enableWeightSharing bool) (qnn.ContextHandle, error) {
	h, err := m.iface.ContextCreate(m.backend.Get(), m.device.Get(), m.lockedContextConfigs(enableWeightSharing))
	if err != nil {
		return 0, status.Wrapf(err, status.Fail, "failed to create context")
	}
	m.addContextRecord(newContextRecord(m.iface, h))
	klog.V(1).Infof("context 0x%x created (priority %s, weight sharing %v)", uintptr(h), m.config.ContextPriority, enableWeightSharing)
	return h, nil
}

// CreateContext creates a new context, appended to the list of contexts.
func (m *Manager) CreateContext(enableWeightSharing bool) (qnn.ContextHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockedReady(); err != nil {
		return 0, err
	}
	return m.lockedCreateContext(enableWeightSharing)
}

// AddContextHandle transfers the ownership of a context created outside the Manager (with the
// Manager's interface) to it.
func (m *Manager) AddContextHandle(h qnn.ContextHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockedReady(); err != nil {
		return err
	}
	if h == 0 {
		return status.Errorf(status.InvalidArgument, "adding a null context handle")
	}
	if m.record(h) != nil {
		return status.Errorf(status.InvalidArgument, "context 0x%x is already owned by the backend manager", uintptr(h))
	}
	m.addContextRecord(newContextRecord(m.iface, h))
	return nil
}

func (m *Manager) addContextRecord(r *contextRecord) {
	h := r.handle.Get()
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	m.contexts[h] = r
	m.contextOrder = append(m.contextOrder, h)
}

// record returns the record of context h, or nil.
func (m *Manager) record(h qnn.ContextHandle) *contextRecord {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	return m.contexts[h]
}

// Context returns the context at index, in order of creation. It fails with status.NotFound if
// there is no such context.
func (m *Manager) Context(index int) (qnn.ContextHandle, error) {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	if len(m.contextOrder) == 0 {
		return 0, status.Errorf(status.NotFound, "no contexts")
	}
	if index < 0 || index >= len(m.contextOrder) {
		return 0, status.Errorf(status.NotFound, "context index %d out of range (%d contexts)", index, len(m.contextOrder))
	}
	return m.contextOrder[index], nil
}

// Contexts returns the contexts, in order of creation.
func (m *Manager) Contexts() []qnn.ContextHandle {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	return slices.Clone(m.contextOrder)
}

// NumContexts returns the number of contexts.
func (m *Manager) NumContexts() int {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	return len(m.contextOrder)
}

// removeContexts releases the given contexts (all of them, if hs is nil), most recent first.
func (m *Manager) removeContexts(hs []qnn.ContextHandle) error {
	m.contextsMu.Lock()
	var records []*contextRecord
	var kept []qnn.ContextHandle
	for _, h := range m.contextOrder {
		if hs != nil && !slices.Contains(hs, h) {
			kept = append(kept, h)
			continue
		}
		records = append(records, m.contexts[h])
		delete(m.contexts, h)
	}
	m.contextOrder = kept
	m.contextsMu.Unlock()

	var firstErr error
	for _, r := range slices.Backward(records) {
		if err := r.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) releaseContexts() error {
	return m.removeContexts(nil)
}

// GraphConfigs returns the configs of a new graph named graphName: the context priority and, if a
// serializer is configured, its own configs.
func (m *Manager) GraphConfigs(graphName string) ([]qnn.GraphConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var configs []qnn.GraphConfig
	s := m.config.Serializer
	if s == nil || s.SupportsArbitraryGraphConfigs() {
		configs = append(configs, qnn.GraphConfig{Option: qnn.GraphConfigPriority, Priority: m.config.ContextPriority.native()})
	}
	if s != nil {
		s.SetGraphName(graphName)
		serializerConfigs, err := s.Configure()
		if err != nil {
			return nil, errors.WithMessagef(err, "configuring serializer for graph %q", graphName)
		}
		configs = append(configs, serializerConfigs...)
	}
	return configs, nil
}

// NewModelWrapper returns a graph builder for the Manager's backend.
func (m *Manager) NewModelWrapper(graphName string, inputs, outputs []string,
	initializers map[string]*builder.Initializer) (*builder.ModelWrapper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockedReady(); err != nil {
		return nil, err
	}
	return builder.NewModelWrapper(m.iface, m.backend.Get(), graphName, inputs, outputs, initializers), nil
}

// ComposeModel creates the graph built in mw in the context at contextIndex and finalizes it.
func (m *Manager) ComposeModel(mw *builder.ModelWrapper, contextIndex int) (*builder.Model, error) {
	iface := m.Interface()
	if iface == nil {
		return nil, status.Errorf(status.NotInitialized, "composing graph %q: backend not initialized", mw.GraphName())
	}
	context, err := m.Context(contextIndex)
	if err != nil {
		return nil, err
	}
	configs, err := m.GraphConfigs(mw.GraphName())
	if err != nil {
		return nil, err
	}
	model, err := builder.ComposeModel(iface, context, mw, configs)
	if err != nil {
		return nil, err
	}
	if err := model.Finalize(m.ProfileHandle()); err != nil {
		return nil, err
	}
	return model, nil
}
