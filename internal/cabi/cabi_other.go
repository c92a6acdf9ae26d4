// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !((amd64 || arm64) && (darwin || freebsd || linux || windows))

package cabi

import (
	"runtime"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

type unsupported struct{}

// Default returns a ProviderResolver that fails: calling QNN modules is not supported on this
// platform.
func Default() qnn.ProviderResolver { return unsupported{} }

func (unsupported) InterfaceProviders(uintptr) ([]qnn.InterfaceProvider, error) {
	return nil, errors.Errorf("calling QNN modules is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (unsupported) SystemInterfaceProviders(uintptr) ([]qnn.SystemInterfaceProvider, error) {
	return nil, errors.Errorf("calling QNN modules is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
