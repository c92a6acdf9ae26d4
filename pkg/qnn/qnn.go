// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package qnn describes the native surface of a QNN backend SDK in Go terms: opaque handles, data
// and tensor descriptors, op configurations, profiling data and the interface tables exported by a
// backend module.
//
// Nothing here talks to a real SDK. The tables (Interface, SystemInterface) are implemented by the
// C binding in internal/cabi, and by the in-memory SDK in package qnntest for tests.
package qnn

import (
	"fmt"

	"github.com/gomlx/go-qnn/pkg/status"
)

// Opaque native handles. The zero value means "no handle".
type (
	BackendHandle       uintptr
	DeviceHandle        uintptr
	LogHandle           uintptr
	ProfileHandle       uintptr
	ContextHandle       uintptr
	GraphHandle         uintptr
	MemHandle           uintptr
	SystemContextHandle uintptr
)

// ProfileEventID identifies one event of a profile handle's event tree.
type ProfileEventID uint64

// Version of an API, as reported by an interface provider.
type Version struct {
	Major, Minor, Patch uint32
}

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Satisfies returns whether v can serve a client built against required: majors must match exactly
// and v's minor must be at least the required one. Patch is ignored.
func (v Version) Satisfies(required Version) bool {
	return v.Major == required.Major && v.Minor >= required.Minor
}

// BackendID identifies the kind of backend behind an interface provider.
type BackendID uint32

const (
	BackendIDSaver BackendID = 2
	BackendIDCPU   BackendID = 3
	BackendIDGPU   BackendID = 4
	BackendIDDSP   BackendID = 5
	BackendIDHTP   BackendID = 6
	BackendIDHTA   BackendID = 7
	BackendIDIR    BackendID = 14
)

// String implements fmt.Stringer.
func (id BackendID) String() string {
	switch id {
	case BackendIDSaver:
		return "SAVER"
	case BackendIDCPU:
		return "CPU"
	case BackendIDGPU:
		return "GPU"
	case BackendIDDSP:
		return "DSP"
	case BackendIDHTP:
		return "HTP"
	case BackendIDHTA:
		return "HTA"
	case BackendIDIR:
		return "IR"
	}
	return fmt.Sprintf("BackendID(%d)", uint32(id))
}

// ErrorCode is the raw result of a native call (Qnn_ErrorHandle_t). Zero is success.
type ErrorCode uint64

// Result codes this package interprets. Anything else is reported as-is.
const (
	Success ErrorCode = 0

	ErrorCommonGeneral      ErrorCode = 1000
	ErrorCommonNotSupported ErrorCode = 1002
	ErrorCommonMemAlloc     ErrorCode = 1003

	ErrorPropertyNotSupported ErrorCode = 1200
	ErrorPropertyUnknownKey   ErrorCode = 1201

	ErrorContextBinaryVersion ErrorCode = 5006
	ErrorContextNoBinary      ErrorCode = 5008

	ErrorMemAlreadyRegistered ErrorCode = 8002

	ErrorDeviceUnsupportedFeature ErrorCode = 14001
	ErrorDeviceInvalidConfig      ErrorCode = 14004
)

// CallError is the error returned by a failed native call.
type CallError struct {
	// Func is the name of the native function, e.g. "contextCreate".
	Func string
	Code ErrorCode

	// Message is the backend's description of Code, if it provided one.
	Message string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("qnn %s failed with error code %d", e.Func, uint64(e.Code))
	}
	return fmt.Sprintf("qnn %s failed with error code %d: %s", e.Func, uint64(e.Code), e.Message)
}

// CheckCall returns nil for Success, or a *CallError describing the failure. The message is resolved
// with iface.ErrorGetMessage when iface is not nil.
func CheckCall(iface Interface, funcName string, code ErrorCode) error {
	if code == Success {
		return nil
	}
	err := &CallError{Func: funcName, Code: code}
	if iface != nil {
		err.Message = iface.ErrorGetMessage(code)
	}
	return err
}

// Names of the entry points a backend module exports.
const (
	InterfaceProvidersSymbol       = "QnnInterface_getProviders"
	SystemInterfaceProvidersSymbol = "QnnSystemInterface_getProviders"
)

// Minimum API versions this package is written against.
var (
	RequiredCoreAPIVersion   = Version{Major: 2, Minor: 14, Patch: 0}
	RequiredSystemAPIVersion = Version{Major: 1, Minor: 3, Patch: 0}
)

// InterfaceProvider is one entry of the list returned by a backend module's InterfaceProvidersSymbol.
type InterfaceProvider struct {
	Name              string
	BackendID         BackendID
	CoreAPIVersion    Version
	BackendAPIVersion Version
	Interface         Interface
}

// SystemInterfaceProvider is one entry of the list returned by a system module's
// SystemInterfaceProvidersSymbol.
type SystemInterfaceProvider struct {
	Name             string
	BackendID        BackendID
	SystemAPIVersion Version
	Interface        SystemInterface
}

// ProviderResolver turns the address of a resolved provider entry point into the providers it lists.
//
// The default implementation calls into the loaded module (internal/cabi); tests use qnntest.
type ProviderResolver interface {
	InterfaceProviders(entryPoint uintptr) ([]InterfaceProvider, error)
	SystemInterfaceProviders(entryPoint uintptr) ([]SystemInterfaceProvider, error)
}

// SelectInterfaceProvider returns the first provider whose core API version satisfies required.
// It fails with status.InterfaceVersionMismatch if there is none.
func SelectInterfaceProvider(providers []InterfaceProvider, required Version) (*InterfaceProvider, error) {
	if len(providers) == 0 {
		return nil, status.Errorf(status.InterfaceVersionMismatch, "backend module lists no interface providers")
	}
	for i := range providers {
		if providers[i].Interface != nil && providers[i].CoreAPIVersion.Satisfies(required) {
			return &providers[i], nil
		}
	}
	return nil, status.Errorf(status.InterfaceVersionMismatch,
		"no interface provider satisfies core API version %s (found %s)", required, listVersions(providers))
}

// SelectSystemInterfaceProvider is the SystemInterfaceProvider counterpart of SelectInterfaceProvider.
func SelectSystemInterfaceProvider(providers []SystemInterfaceProvider, required Version) (*SystemInterfaceProvider, error) {
	if len(providers) == 0 {
		return nil, status.Errorf(status.InterfaceVersionMismatch, "system module lists no interface providers")
	}
	found := make([]string, 0, len(providers))
	for i := range providers {
		if providers[i].Interface != nil && providers[i].SystemAPIVersion.Satisfies(required) {
			return &providers[i], nil
		}
		found = append(found, providers[i].SystemAPIVersion.String())
	}
	return nil, status.Errorf(status.InterfaceVersionMismatch,
		"no system interface provider satisfies API version %s (found %q)", required, found)
}

func listVersions(providers []InterfaceProvider) string {
	s := ""
	for i, p := range providers {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%q: %s", p.Name, p.CoreAPIVersion)
	}
	return s
}
