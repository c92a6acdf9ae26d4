// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(darwin || freebsd || linux || windows)

package dynlib

import (
	"runtime"

	"github.com/pkg/errors"
)

const (
	DefaultBackendLib      = "libQnnHtp.so"
	DefaultSystemLib       = "libQnnSystem.so"
	DefaultIRBackendLib    = "libQnnIr.so"
	DefaultSaverBackendLib = "libQnnSaver.so"
)

type unsupportedOpener struct{}

// Default returns an Opener that fails: dynamic loading is not supported on this platform.
func Default() Opener { return unsupportedOpener{} }

func (unsupportedOpener) Open(path string) (uintptr, error) {
	return 0, errors.Errorf("dynamic loading not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (unsupportedOpener) Symbol(uintptr, string) (uintptr, error) {
	return 0, errors.Errorf("dynamic loading not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (unsupportedOpener) Close(uintptr) error { return nil }
