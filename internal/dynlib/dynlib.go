// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dynlib loads dynamic modules (shared libraries / DLLs) and resolves their symbols.
//
// The platform facility is abstracted by Opener, so the Loader's bookkeeping (which modules this
// instance loaded, and unloading them in reverse order) is the same everywhere, including tests.
package dynlib

import (
	"slices"
	"sync"

	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Opener is the platform's dynamic-loading facility.
type Opener interface {
	// Open loads the module at path and returns its handle.
	Open(path string) (uintptr, error)

	// Symbol returns the address of the named symbol in module.
	Symbol(module uintptr, name string) (uintptr, error)

	// Close unloads a module handle returned by Open.
	Close(module uintptr) error
}

// Loader loads modules through an Opener and tracks them for a symmetric unload.
//
// It is safe for concurrent use.
type Loader struct {
	opener Opener

	mu      sync.Mutex
	modules []loaded // In order of acquisition.
}

type loaded struct {
	path   string
	handle uintptr
}

// NewLoader returns a Loader using opener. If opener is nil, the platform's default is used.
func NewLoader(opener Opener) *Loader {
	if opener == nil {
		opener = Default()
	}
	return &Loader{opener: opener}
}

// Load loads the module at path. Loading the same path twice returns the same handle and
// doesn't acquire a second reference.
//
// It fails with status.LibraryLoadFailure carrying the platform's error string.
func (l *Loader) Load(path string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.modules {
		if m.path == path {
			return m.handle, nil
		}
	}
	handle, err := l.opener.Open(path)
	if err != nil {
		return 0, status.Wrapf(err, status.LibraryLoadFailure, "failed to load module %q", path)
	}
	if handle == 0 {
		return 0, status.Errorf(status.LibraryLoadFailure, "failed to load module %q: null handle", path)
	}
	// The platform may return an already-tracked handle for a different path (e.g. a symlink):
	// keep a single entry and drop the extra reference.
	for _, m := range l.modules {
		if m.handle == handle {
			if err := l.opener.Close(handle); err != nil {
				klog.Warningf("dynlib: closing duplicate reference to %q: %v", path, err)
			}
			return handle, nil
		}
	}
	l.modules = append(l.modules, loaded{path: path, handle: handle})
	klog.V(1).Infof("dynlib: loaded %q", path)
	return handle, nil
}

// Resolve returns the address of symbol in module. A missing symbol fails with
// status.LibraryLoadFailure.
func (l *Loader) Resolve(module uintptr, symbol string) (uintptr, error) {
	addr, err := l.opener.Symbol(module, symbol)
	if err != nil {
		return 0, status.Wrapf(err, status.LibraryLoadFailure, "failed to resolve symbol %q", symbol)
	}
	if addr == 0 {
		return 0, status.Errorf(status.LibraryLoadFailure, "symbol %q resolved to a null address", symbol)
	}
	return addr, nil
}

// NumLoaded returns the number of modules currently held by the Loader.
func (l *Loader) NumLoaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.modules)
}

// UnloadAll unloads every module this Loader loaded, in reverse order of acquisition.
// All modules are unloaded even if some fail; the first error is returned.
func (l *Loader) UnloadAll() error {
	l.mu.Lock()
	modules := l.modules
	l.modules = nil
	l.mu.Unlock()

	var firstErr error
	for _, m := range slices.Backward(modules) {
		if err := l.opener.Close(m.handle); err != nil {
			klog.Errorf("dynlib: failed to unload %q: %v", m.path, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to unload module %q", m.path)
			}
			continue
		}
		klog.V(1).Infof("dynlib: unloaded %q", m.path)
	}
	return firstErr
}
