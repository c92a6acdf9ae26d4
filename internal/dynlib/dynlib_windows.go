// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build windows

package dynlib

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Module names on this platform: the HTP backend, the system library, and the IR and Saver
// serializer backends.
const (
	DefaultBackendLib      = "QnnHtp.dll"
	DefaultSystemLib       = "QnnSystem.dll"
	DefaultIRBackendLib    = "QnnIr.dll"
	DefaultSaverBackendLib = "QnnSaver.dll"
)

type winOpener struct{}

// Default returns the platform's Opener: LoadLibraryEx with LOAD_WITH_ALTERED_SEARCH_PATH, so a
// module's dependencies are searched next to it.
func Default() Opener { return winOpener{} }

func (winOpener) Open(path string) (uintptr, error) {
	handle, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return uintptr(handle), nil
}

func (winOpener) Symbol(module uintptr, name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(windows.Handle(module), name)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return addr, nil
}

func (winOpener) Close(module uintptr) error {
	return errors.WithStack(windows.FreeLibrary(windows.Handle(module)))
}
