// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (amd64 || arm64) && (darwin || freebsd || linux || windows)

package cabi

import (
	"github.com/ebitengine/purego"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

type resolver struct{}

// Default returns the ProviderResolver that calls into the loaded modules.
func Default() qnn.ProviderResolver { return resolver{} }

// call invokes the native function fn and returns its Qnn_ErrorHandle_t. A missing entry of an
// interface table (older SDKs) reports ErrorCommonNotSupported.
func call(fn uintptr, args ...uintptr) qnn.ErrorCode {
	if fn == 0 {
		return qnn.ErrorCommonNotSupported
	}
	r1, _, _ := purego.SyscallN(fn, args...)
	return qnn.ErrorCode(r1)
}

// cInterfaceProvider mirrors QnnInterface_t.
type cInterfaceProvider struct {
	backendID         uint32
	_                 uint32
	name              uintptr
	coreAPIVersion    cVersion
	backendAPIVersion cVersion
	table             coreTable
}

// InterfaceProviders implements qnn.ProviderResolver. entryPoint is QnnInterface_getProviders.
func (resolver) InterfaceProviders(entryPoint uintptr) ([]qnn.InterfaceProvider, error) {
	var a arena
	defer a.free()
	var list uintptr
	var n uint32
	if err := qnn.CheckCall(nil, qnn.InterfaceProvidersSymbol, call(entryPoint, pin(&a, &list), pin(&a, &n))); err != nil {
		return nil, err
	}
	if list == 0 && n > 0 {
		return nil, errors.Errorf("%s returned %d providers and a null list", qnn.InterfaceProvidersSymbol, n)
	}
	providers := make([]qnn.InterfaceProvider, 0, n)
	for _, p := range nativeSlice[uintptr](list, n) {
		if p == 0 {
			continue
		}
		c := at[cInterfaceProvider](p)
		providers = append(providers, qnn.InterfaceProvider{
			Name:              goString(c.name),
			BackendID:         qnn.BackendID(c.backendID),
			CoreAPIVersion:    c.coreAPIVersion.goVersion(),
			BackendAPIVersion: c.backendAPIVersion.goVersion(),
			Interface:         &coreInterface{fn: c.table},
		})
	}
	return providers, nil
}

// cSystemInterfaceProvider mirrors QnnSystemInterface_t.
type cSystemInterfaceProvider struct {
	backendID  uint32
	_          uint32
	name       uintptr
	apiVersion cVersion
	_          uint32
	table      systemTable
}

// SystemInterfaceProviders implements qnn.ProviderResolver. entryPoint is
// QnnSystemInterface_getProviders.
func (resolver) SystemInterfaceProviders(entryPoint uintptr) ([]qnn.SystemInterfaceProvider, error) {
	var a arena
	defer a.free()
	var list uintptr
	var n uint32
	if err := qnn.CheckCall(nil, qnn.SystemInterfaceProvidersSymbol, call(entryPoint, pin(&a, &list), pin(&a, &n))); err != nil {
		return nil, err
	}
	if list == 0 && n > 0 {
		return nil, errors.Errorf("%s returned %d providers and a null list", qnn.SystemInterfaceProvidersSymbol, n)
	}
	providers := make([]qnn.SystemInterfaceProvider, 0, n)
	for _, p := range nativeSlice[uintptr](list, n) {
		if p == 0 {
			continue
		}
		c := at[cSystemInterfaceProvider](p)
		providers = append(providers, qnn.SystemInterfaceProvider{
			Name:             goString(c.name),
			BackendID:        qnn.BackendID(c.backendID),
			SystemAPIVersion: c.apiVersion.goVersion(),
			Interface:        &systemInterface{fn: c.table},
		})
	}
	return providers, nil
}

// systemTable mirrors the function table of QnnSystemInterface_t, in header order.
type systemTable struct {
	systemContextCreate        uintptr
	systemContextGetBinaryInfo uintptr
	systemContextGetMetaData   uintptr
	systemContextFree          uintptr
}

type systemInterface struct {
	fn systemTable
}

var _ qnn.SystemInterface = (*systemInterface)(nil)

// SystemContextCreate implements qnn.SystemInterface.
func (s *systemInterface) SystemContextCreate() (qnn.SystemContextHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	if err := qnn.CheckCall(nil, "systemContextCreate", call(s.fn.systemContextCreate, pin(&a, &h))); err != nil {
		return 0, err
	}
	return qnn.SystemContextHandle(h), nil
}

// SystemContextGetBinaryInfo implements qnn.SystemInterface. The returned info is a copy: it
// doesn't depend on handle or binary afterwards.
func (s *systemInterface) SystemContextGetBinaryInfo(handle qnn.SystemContextHandle, binary []byte) (*qnn.BinaryInfo, error) {
	var a arena
	defer a.free()
	var info uintptr
	var infoSize uint64
	code := call(s.fn.systemContextGetBinaryInfo, uintptr(handle), pinSlice(&a, binary), uintptr(len(binary)),
		pin(&a, &info), pin(&a, &infoSize))
	if err := qnn.CheckCall(nil, "systemContextGetBinaryInfo", code); err != nil {
		return nil, err
	}
	return decodeBinaryInfo(info)
}

// SystemContextFree implements qnn.SystemInterface.
func (s *systemInterface) SystemContextFree(handle qnn.SystemContextHandle) error {
	return qnn.CheckCall(nil, "systemContextFree", call(s.fn.systemContextFree, uintptr(handle)))
}

// cHtpInfrastructure mirrors QnnHtpDevice_Infrastructure_t holding a perf infrastructure.
type cHtpInfrastructure struct {
	infraType            uint32
	_                    uint32
	createPowerConfigID  uintptr
	destroyPowerConfigID uintptr
	setPowerConfig       uintptr
	setMemoryConfig      uintptr
	setThreadConfig      uintptr
}

type perfInfrastructure struct {
	iface *coreInterface
	fn    cHtpInfrastructure
}

var _ qnn.PerfInfrastructure = (*perfInfrastructure)(nil)

// CreatePowerConfigID implements qnn.PerfInfrastructure.
func (p *perfInfrastructure) CreatePowerConfigID(deviceID, coreID uint32) (uint32, error) {
	var a arena
	defer a.free()
	var id uint32
	code := call(p.fn.createPowerConfigID, uintptr(deviceID), uintptr(coreID), pin(&a, &id))
	if err := qnn.CheckCall(p.iface, "createPowerConfigId", code); err != nil {
		return 0, err
	}
	return id, nil
}

// DestroyPowerConfigID implements qnn.PerfInfrastructure.
func (p *perfInfrastructure) DestroyPowerConfigID(id uint32) error {
	return qnn.CheckCall(p.iface, "destroyPowerConfigId", call(p.fn.destroyPowerConfigID, uintptr(id)))
}

// SetPowerConfig implements qnn.PerfInfrastructure.
func (p *perfInfrastructure) SetPowerConfig(id uint32, configs []qnn.PowerConfig) error {
	var a arena
	defer a.free()
	return qnn.CheckCall(p.iface, "setPowerConfig", call(p.fn.setPowerConfig, uintptr(id), a.powerConfigs(configs)))
}
