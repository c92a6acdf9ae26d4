// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || freebsd || linux

package dynlib

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// Module names on this platform: the HTP backend, the system library, and the IR and Saver
// serializer backends.
const (
	DefaultBackendLib      = "libQnnHtp.so"
	DefaultSystemLib       = "libQnnSystem.so"
	DefaultIRBackendLib    = "libQnnIr.so"
	DefaultSaverBackendLib = "libQnnSaver.so"
)

type dlOpener struct{}

// Default returns the platform's Opener: dlopen(RTLD_NOW|RTLD_LOCAL) through purego.
func Default() Opener { return dlOpener{} }

func (dlOpener) Open(path string) (uintptr, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return handle, nil
}

func (dlOpener) Symbol(module uintptr, name string) (uintptr, error) {
	addr, err := purego.Dlsym(module, name)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return addr, nil
}

func (dlOpener) Close(module uintptr) error {
	return errors.WithStack(purego.Dlclose(module))
}
