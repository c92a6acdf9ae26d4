// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package qnntest implements an in-memory QNN SDK for tests.
//
// An SDK bundles fake backend modules, a system module and a shared-memory allocator. It plugs into
// the backend manager through its Opener (dynamic loading) and ProviderResolver (interface tables),
// so the manager runs the same code paths it runs against a real SDK. Every native handle the fakes
// hand out is tracked, so tests can check that nothing was leaked.
//
// The fake backend compiles graphs for real: it checks tensors and ops, serializes contexts into a
// binary format that the fake system module can describe, and executes FullyConnected, Transpose,
// Convert and Reshape ops (on dequantized values).
package qnntest

import (
	"sync"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

// Default module paths registered by New.
const (
	BackendPath = "/fake/qnn/libQnnHtp.so"
	SystemPath  = "/fake/qnn/libQnnSystem.so"
)

// SDK is a set of fake modules, loadable through Opener and resolvable through the SDK itself
// (it implements qnn.ProviderResolver).
type SDK struct {
	// Backend is the module registered at BackendPath.
	Backend *Backend

	// System is the module registered at SystemPath.
	System *System

	// Memory is the shared-memory allocator the backends read registered buffers from.
	Memory *SharedMemory

	mu        sync.Mutex
	modules   map[string]*module
	byHandle  map[uintptr]*module
	nextAddr  uintptr
	failOpen  map[string]bool
	providers map[uintptr]any // entry point -> *Backend or *System
}

type module struct {
	path     string
	handle   uintptr
	refs     int
	symbols  map[string]uintptr
	everOpen bool
}

// New creates an SDK with an HTP backend at BackendPath and a system module at SystemPath.
func New() *SDK {
	sdk := &SDK{
		Memory:    NewSharedMemory(),
		modules:   make(map[string]*module),
		byHandle:  make(map[uintptr]*module),
		nextAddr:  0x10000,
		failOpen:  make(map[string]bool),
		providers: make(map[uintptr]any),
	}
	sdk.Backend = NewBackend(qnn.BackendIDHTP, sdk.Memory)
	sdk.System = NewSystem()
	sdk.AddBackend(BackendPath, sdk.Backend)
	sdk.addModule(SystemPath, qnn.SystemInterfaceProvidersSymbol, sdk.System)
	return sdk
}

// AddBackend registers another backend module at path (e.g. a serializer backend).
func (sdk *SDK) AddBackend(path string, b *Backend) {
	if b.memory == nil {
		b.memory = sdk.Memory
	}
	sdk.addModule(path, qnn.InterfaceProvidersSymbol, b)
}

func (sdk *SDK) addModule(path, symbol string, provider any) {
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	sdk.nextAddr += 0x1000
	entry := sdk.nextAddr
	sdk.providers[entry] = provider
	sdk.nextAddr += 0x1000
	m := &module{path: path, handle: sdk.nextAddr, symbols: map[string]uintptr{symbol: entry}}
	sdk.modules[path] = m
	sdk.byHandle[m.handle] = m
}

// FailOpen makes opening the module at path fail.
func (sdk *SDK) FailOpen(path string) {
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	sdk.failOpen[path] = true
}

// Opener returns the fake dynamic loader of the SDK. It implements dynlib.Opener.
func (sdk *SDK) Opener() *Opener { return &Opener{sdk: sdk} }

// OpenModules returns the number of modules currently loaded.
func (sdk *SDK) OpenModules() int {
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	n := 0
	for _, m := range sdk.modules {
		if m.refs > 0 {
			n++
		}
	}
	return n
}

// WasLoaded returns whether the module at path was ever opened.
func (sdk *SDK) WasLoaded(path string) bool {
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	m, found := sdk.modules[path]
	return found && m.everOpen
}

// LiveHandles returns the number of native handles outstanding across all modules of the SDK.
func (sdk *SDK) LiveHandles() int {
	sdk.mu.Lock()
	providers := make([]any, 0, len(sdk.providers))
	for _, p := range sdk.providers {
		providers = append(providers, p)
	}
	sdk.mu.Unlock()
	n := 0
	for _, p := range providers {
		switch p := p.(type) {
		case *Backend:
			n += p.LiveHandles()
		case *System:
			n += p.LiveHandles()
		}
	}
	return n
}

// InterfaceProviders implements qnn.ProviderResolver.
func (sdk *SDK) InterfaceProviders(entryPoint uintptr) ([]qnn.InterfaceProvider, error) {
	sdk.mu.Lock()
	p, found := sdk.providers[entryPoint]
	sdk.mu.Unlock()
	b, ok := p.(*Backend)
	if !found || !ok {
		return nil, errors.Errorf("qnntest: no backend interface provider at 0x%x", entryPoint)
	}
	return b.providers(), nil
}

// SystemInterfaceProviders implements qnn.ProviderResolver.
func (sdk *SDK) SystemInterfaceProviders(entryPoint uintptr) ([]qnn.SystemInterfaceProvider, error) {
	sdk.mu.Lock()
	p, found := sdk.providers[entryPoint]
	sdk.mu.Unlock()
	s, ok := p.(*System)
	if !found || !ok {
		return nil, errors.Errorf("qnntest: no system interface provider at 0x%x", entryPoint)
	}
	return s.providers(), nil
}

var _ qnn.ProviderResolver = (*SDK)(nil)

// Opener is the fake dynamic loader of an SDK.
type Opener struct {
	sdk *SDK
}

// Open implements dynlib.Opener.
func (o *Opener) Open(path string) (uintptr, error) {
	sdk := o.sdk
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	m, found := sdk.modules[path]
	if !found || sdk.failOpen[path] {
		return 0, errors.Errorf("%s: cannot open shared object file: No such file or directory", path)
	}
	m.refs++
	m.everOpen = true
	return m.handle, nil
}

// Symbol implements dynlib.Opener.
func (o *Opener) Symbol(handle uintptr, name string) (uintptr, error) {
	sdk := o.sdk
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	m, found := sdk.byHandle[handle]
	if !found || m.refs == 0 {
		return 0, errors.Errorf("invalid module handle 0x%x", handle)
	}
	addr, found := m.symbols[name]
	if !found {
		return 0, errors.Errorf("%s: undefined symbol: %s", m.path, name)
	}
	return addr, nil
}

// Close implements dynlib.Opener.
func (o *Opener) Close(handle uintptr) error {
	sdk := o.sdk
	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	m, found := sdk.byHandle[handle]
	if !found || m.refs == 0 {
		return errors.Errorf("closing invalid module handle 0x%x", handle)
	}
	m.refs--
	return nil
}
