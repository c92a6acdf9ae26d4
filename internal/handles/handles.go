// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package handles implements exclusive ownership of native handles.
//
// A native handle is created by one SDK call and must be freed by exactly one paired call. Owned
// binds the free function at construction, so the code releasing a handle doesn't need to know how
// it was created, and a released (or transferred) handle can't be freed again.
package handles

import (
	"sync"

	"github.com/pkg/errors"
)

// Owned is the exclusive owner of a native handle of type H.
//
// The zero value and the nil pointer are valid empty owners. Owned is safe for concurrent use.
type Owned[H comparable] struct {
	mu      sync.Mutex
	handle  H
	release func(H) error
	valid   bool
}

// Own takes ownership of handle. release is called (once) by Release.
// A zero handle yields an empty owner: there is nothing to release.
func Own[H comparable](handle H, release func(H) error) *Owned[H] {
	var zero H
	return &Owned[H]{handle: handle, release: release, valid: handle != zero}
}

// Get returns the owned handle, or the zero value if empty.
func (o *Owned[H]) Get() H {
	var zero H
	if o == nil {
		return zero
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.valid {
		return zero
	}
	return o.handle
}

// Valid returns whether o currently owns a handle.
func (o *Owned[H]) Valid() bool {
	if o == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.valid
}

// Release frees the handle with the function bound at construction and leaves o empty.
// Releasing an empty owner is a no-op.
//
// The owner is emptied even if the release function fails: a native free is never retried.
func (o *Owned[H]) Release() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	if !o.valid {
		o.mu.Unlock()
		return nil
	}
	h, release := o.handle, o.release
	var zero H
	o.handle, o.valid = zero, false
	o.mu.Unlock()
	if release == nil {
		return nil
	}
	if err := release(h); err != nil {
		return errors.WithMessagef(err, "releasing native handle %v", h)
	}
	return nil
}

// Take transfers the handle out of o without releasing it: o is left empty and the caller becomes
// responsible for the handle. It returns false if o was empty.
func (o *Owned[H]) Take() (H, bool) {
	var zero H
	if o == nil {
		return zero, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.valid {
		return zero, false
	}
	h := o.handle
	o.handle, o.valid = zero, false
	return h, true
}

// ReleaseAll releases the owners in the given order and returns the first error. Every owner is
// released, even after a failure.
func ReleaseAll(releasers ...interface{ Release() error }) error {
	var firstErr error
	for _, r := range releasers {
		if r == nil {
			continue
		}
		if err := r.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
