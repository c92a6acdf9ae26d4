// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (amd64 || arm64) && (darwin || freebsd || linux || windows)

package cabi

import (
	"fmt"
	"runtime"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

// coreTable mirrors the function table of QnnInterface_t (QNN_INTERFACE_VER_TYPE), in header order.
// Entries this package doesn't call are kept to preserve the offsets.
type coreTable struct {
	propertyHasCapability             uintptr
	backendCreate                     uintptr
	backendSetConfig                  uintptr
	backendGetAPIVersion              uintptr
	backendGetBuildID                 uintptr
	backendRegisterOpPackage          uintptr
	backendGetSupportedOperations     uintptr
	backendValidateOpConfig           uintptr
	backendFree                       uintptr
	contextCreate                     uintptr
	contextSetConfig                  uintptr
	contextGetBinarySize              uintptr
	contextGetBinary                  uintptr
	contextCreateFromBinary           uintptr
	contextFree                       uintptr
	graphCreate                       uintptr
	graphCreateSubgraph               uintptr
	graphSetConfig                    uintptr
	graphAddNode                      uintptr
	graphFinalize                     uintptr
	graphRetrieve                     uintptr
	graphExecute                      uintptr
	graphExecuteAsync                 uintptr
	tensorCreateContextTensor         uintptr
	tensorCreateGraphTensor           uintptr
	logCreate                         uintptr
	logSetLogLevel                    uintptr
	logFree                           uintptr
	profileCreate                     uintptr
	profileSetConfig                  uintptr
	profileGetEvents                  uintptr
	profileGetSubEvents               uintptr
	profileGetEventData               uintptr
	profileGetExtendedEventData       uintptr
	profileFree                       uintptr
	memRegister                       uintptr
	memDeRegister                     uintptr
	deviceGetInfrastructure           uintptr
	deviceCreate                      uintptr
	deviceSetConfig                   uintptr
	deviceGetInfo                     uintptr
	deviceFree                        uintptr
	signalCreate                      uintptr
	signalSetConfig                   uintptr
	signalTrigger                     uintptr
	signalFree                        uintptr
	errorGetMessage                   uintptr
	errorGetVerboseMessage            uintptr
	errorFreeVerboseMessage           uintptr
	graphPrepareExecutionEnvironment  uintptr
	graphReleaseExecutionEnvironment  uintptr
	graphGetProperty                  uintptr
	contextValidateBinary             uintptr
	contextCreateFromBinaryWithSignal uintptr
}

// coreInterface implements qnn.Interface over a provider's function table. The table lives in the
// module's static data, so it is valid as long as the module stays loaded.
type coreInterface struct {
	fn coreTable
}

var _ qnn.Interface = (*coreInterface)(nil)

func (c *coreInterface) check(funcName string, code qnn.ErrorCode) error {
	return qnn.CheckCall(c, funcName, code)
}

// checkOpConfigABI fails with ErrorCommonNotSupported where funcName's Qnn_OpConfig_t argument
// can't be passed. The other entry points only take pointers and scalars.
func checkOpConfigABI(funcName string) error {
	if opConfigByReference {
		return nil
	}
	return &qnn.CallError{
		Func:    funcName,
		Code:    qnn.ErrorCommonNotSupported,
		Message: fmt.Sprintf("passing Qnn_OpConfig_t by value is not supported on %s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// PropertyHasCapability implements qnn.Interface.
func (c *coreInterface) PropertyHasCapability(key qnn.PropertyKey) bool {
	return call(c.fn.propertyHasCapability, uintptr(key)) == qnn.Success
}

// BackendCreate implements qnn.Interface.
func (c *coreInterface) BackendCreate(log qnn.LogHandle) (qnn.BackendHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	if err := c.check("backendCreate", call(c.fn.backendCreate, uintptr(log), 0, pin(&a, &h))); err != nil {
		return 0, err
	}
	return qnn.BackendHandle(h), nil
}

// BackendGetBuildID implements qnn.Interface.
func (c *coreInterface) BackendGetBuildID() (string, error) {
	var a arena
	defer a.free()
	var id uintptr
	if err := c.check("backendGetBuildId", call(c.fn.backendGetBuildID, pin(&a, &id))); err != nil {
		return "", err
	}
	return goString(id), nil
}

// BackendValidateOpConfig implements qnn.Interface.
func (c *coreInterface) BackendValidateOpConfig(backend qnn.BackendHandle, op *qnn.OpConfig) error {
	if err := checkOpConfigABI("backendValidateOpConfig"); err != nil {
		return err
	}
	var a arena
	defer a.free()
	return c.check("backendValidateOpConfig", call(c.fn.backendValidateOpConfig, uintptr(backend), a.opConfig(op)))
}

// BackendFree implements qnn.Interface.
func (c *coreInterface) BackendFree(backend qnn.BackendHandle) error {
	return c.check("backendFree", call(c.fn.backendFree, uintptr(backend)))
}

// LogCreate implements qnn.Interface. See logCallback for how messages reach callback.
func (c *coreInterface) LogCreate(callback qnn.LogCallback, level qnn.LogLevel) (qnn.LogHandle, error) {
	var a arena
	defer a.free()
	sink := pushLogSink(callback)
	var h uintptr
	if err := c.check("logCreate", call(c.fn.logCreate, logCallback(), uintptr(level), pin(&a, &h))); err != nil {
		removeLogSink(sink)
		return 0, err
	}
	sink.setHandle(qnn.LogHandle(h))
	return qnn.LogHandle(h), nil
}

// LogSetLogLevel implements qnn.Interface.
func (c *coreInterface) LogSetLogLevel(log qnn.LogHandle, level qnn.LogLevel) error {
	return c.check("logSetLogLevel", call(c.fn.logSetLogLevel, uintptr(log), uintptr(level)))
}

// LogFree implements qnn.Interface.
func (c *coreInterface) LogFree(log qnn.LogHandle) error {
	err := c.check("logFree", call(c.fn.logFree, uintptr(log)))
	removeLogHandle(log)
	return err
}

// DeviceCreate implements qnn.Interface.
func (c *coreInterface) DeviceCreate(log qnn.LogHandle, configs []qnn.DeviceConfig) (qnn.DeviceHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	if err := c.check("deviceCreate", call(c.fn.deviceCreate, uintptr(log), a.deviceConfigs(configs), pin(&a, &h))); err != nil {
		return 0, err
	}
	return qnn.DeviceHandle(h), nil
}

// DeviceFree implements qnn.Interface.
func (c *coreInterface) DeviceFree(device qnn.DeviceHandle) error {
	return c.check("deviceFree", call(c.fn.deviceFree, uintptr(device)))
}

// DeviceGetInfrastructure implements qnn.Interface.
func (c *coreInterface) DeviceGetInfrastructure() (qnn.PerfInfrastructure, error) {
	var a arena
	defer a.free()
	var infra uintptr
	if err := c.check("deviceGetInfrastructure", call(c.fn.deviceGetInfrastructure, pin(&a, &infra))); err != nil {
		return nil, err
	}
	if infra == 0 {
		return nil, errors.New("deviceGetInfrastructure returned no infrastructure")
	}
	htp := at[cHtpInfrastructure](infra)
	if htp.infraType != htpInfrastructurePerf {
		return nil, errors.Errorf("device infrastructure of type %d is not a perf infrastructure", htp.infraType)
	}
	return &perfInfrastructure{iface: c, fn: *htp}, nil
}

// ContextCreate implements qnn.Interface.
func (c *coreInterface) ContextCreate(backend qnn.BackendHandle, device qnn.DeviceHandle, configs []qnn.ContextConfig) (qnn.ContextHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	code := call(c.fn.contextCreate, uintptr(backend), uintptr(device), a.contextConfigs(configs), pin(&a, &h))
	if err := c.check("contextCreate", code); err != nil {
		return 0, err
	}
	return qnn.ContextHandle(h), nil
}

// ContextGetBinarySize implements qnn.Interface.
func (c *coreInterface) ContextGetBinarySize(context qnn.ContextHandle) (uint64, error) {
	var a arena
	defer a.free()
	var size uint64
	if err := c.check("contextGetBinarySize", call(c.fn.contextGetBinarySize, uintptr(context), pin(&a, &size))); err != nil {
		return 0, err
	}
	return size, nil
}

// ContextGetBinary implements qnn.Interface.
func (c *coreInterface) ContextGetBinary(context qnn.ContextHandle, buffer []byte) (uint64, error) {
	var a arena
	defer a.free()
	var written uint64
	code := call(c.fn.contextGetBinary, uintptr(context), pinSlice(&a, buffer), uintptr(len(buffer)), pin(&a, &written))
	if err := c.check("contextGetBinary", code); err != nil {
		return 0, err
	}
	return written, nil
}

// ContextCreateFromBinary implements qnn.Interface.
func (c *coreInterface) ContextCreateFromBinary(backend qnn.BackendHandle, device qnn.DeviceHandle,
	configs []qnn.ContextConfig, binary []byte, profile qnn.ProfileHandle) (qnn.ContextHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	code := call(c.fn.contextCreateFromBinary, uintptr(backend), uintptr(device), a.contextConfigs(configs),
		pinSlice(&a, binary), uintptr(len(binary)), pin(&a, &h), uintptr(profile))
	if err := c.check("contextCreateFromBinary", code); err != nil {
		return 0, err
	}
	return qnn.ContextHandle(h), nil
}

// ContextFree implements qnn.Interface.
func (c *coreInterface) ContextFree(context qnn.ContextHandle, profile qnn.ProfileHandle) error {
	return c.check("contextFree", call(c.fn.contextFree, uintptr(context), uintptr(profile)))
}

// GraphCreate implements qnn.Interface.
func (c *coreInterface) GraphCreate(context qnn.ContextHandle, name string, configs []qnn.GraphConfig) (qnn.GraphHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	code := call(c.fn.graphCreate, uintptr(context), a.cString(name), a.graphConfigs(configs), pin(&a, &h))
	if err := c.check("graphCreate", code); err != nil {
		return 0, err
	}
	return qnn.GraphHandle(h), nil
}

// GraphRetrieve implements qnn.Interface.
func (c *coreInterface) GraphRetrieve(context qnn.ContextHandle, name string) (qnn.GraphHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	if err := c.check("graphRetrieve", call(c.fn.graphRetrieve, uintptr(context), a.cString(name), pin(&a, &h))); err != nil {
		return 0, err
	}
	return qnn.GraphHandle(h), nil
}

// TensorCreateGraphTensor implements qnn.Interface.
func (c *coreInterface) TensorCreateGraphTensor(graph qnn.GraphHandle, tensor *qnn.Tensor) error {
	var a arena
	defer a.free()
	ct := a.tensor(tensor)
	if err := c.check("tensorCreateGraphTensor", call(c.fn.tensorCreateGraphTensor, uintptr(graph), pin(&a, &ct))); err != nil {
		return err
	}
	tensor.ID = ct.v1.id
	return nil
}

// GraphAddNode implements qnn.Interface.
func (c *coreInterface) GraphAddNode(graph qnn.GraphHandle, op *qnn.OpConfig) error {
	if err := checkOpConfigABI("graphAddNode"); err != nil {
		return err
	}
	var a arena
	defer a.free()
	return c.check("graphAddNode", call(c.fn.graphAddNode, uintptr(graph), a.opConfig(op)))
}

// GraphFinalize implements qnn.Interface.
func (c *coreInterface) GraphFinalize(graph qnn.GraphHandle, profile qnn.ProfileHandle) error {
	return c.check("graphFinalize", call(c.fn.graphFinalize, uintptr(graph), uintptr(profile), 0))
}

// GraphExecute implements qnn.Interface. Output client buffers are written in place.
func (c *coreInterface) GraphExecute(graph qnn.GraphHandle, inputs, outputs []qnn.Tensor, profile qnn.ProfileHandle) error {
	var a arena
	defer a.free()
	code := call(c.fn.graphExecute, uintptr(graph), a.tensors(inputs), uintptr(len(inputs)),
		a.tensors(outputs), uintptr(len(outputs)), uintptr(profile), 0)
	return c.check("graphExecute", code)
}

// ProfileCreate implements qnn.Interface.
func (c *coreInterface) ProfileCreate(backend qnn.BackendHandle, level qnn.ProfileLevel) (qnn.ProfileHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	if err := c.check("profileCreate", call(c.fn.profileCreate, uintptr(backend), uintptr(level), pin(&a, &h))); err != nil {
		return 0, err
	}
	return qnn.ProfileHandle(h), nil
}

// eventIDs copies a native array of QnnProfile_EventId_t returned through an out parameter.
func (c *coreInterface) eventIDs(funcName string, fn, arg uintptr) ([]qnn.ProfileEventID, error) {
	var a arena
	defer a.free()
	var list uintptr
	var n uint32
	if err := c.check(funcName, call(fn, arg, pin(&a, &list), pin(&a, &n))); err != nil {
		return nil, err
	}
	native := nativeSlice[uint64](list, n)
	ids := make([]qnn.ProfileEventID, len(native))
	for i, id := range native {
		ids[i] = qnn.ProfileEventID(id)
	}
	return ids, nil
}

// ProfileGetEvents implements qnn.Interface.
func (c *coreInterface) ProfileGetEvents(profile qnn.ProfileHandle) ([]qnn.ProfileEventID, error) {
	return c.eventIDs("profileGetEvents", c.fn.profileGetEvents, uintptr(profile))
}

// ProfileGetSubEvents implements qnn.Interface.
func (c *coreInterface) ProfileGetSubEvents(event qnn.ProfileEventID) ([]qnn.ProfileEventID, error) {
	return c.eventIDs("profileGetSubEvents", c.fn.profileGetSubEvents, uintptr(event))
}

// ProfileGetEventData implements qnn.Interface.
func (c *coreInterface) ProfileGetEventData(event qnn.ProfileEventID) (qnn.ProfileEventData, error) {
	var a arena
	defer a.free()
	var data cProfileEventData
	if err := c.check("profileGetEventData", call(c.fn.profileGetEventData, uintptr(event), pin(&a, &data))); err != nil {
		return qnn.ProfileEventData{}, err
	}
	return qnn.ProfileEventData{
		Type:       qnn.ProfileEventType(data.eventType),
		Value:      data.value,
		Unit:       qnn.ProfileEventUnit(data.unit),
		Identifier: goString(data.identifier),
	}, nil
}

// ProfileGetExtendedEventData implements qnn.Interface.
func (c *coreInterface) ProfileGetExtendedEventData(event qnn.ProfileEventID) (qnn.ProfileExtendedEventData, error) {
	var a arena
	defer a.free()
	var data cProfileExtendedEventData
	code := call(c.fn.profileGetExtendedEventData, uintptr(event), pin(&a, &data))
	if err := c.check("profileGetExtendedEventData", code); err != nil {
		return qnn.ProfileExtendedEventData{}, err
	}
	return qnn.ProfileExtendedEventData{
		Type:       qnn.ProfileEventType(data.eventType),
		Value:      qnn.ScalarFromBits(qnn.DataType(data.value.dataType), data.value.bits),
		Timestamp:  data.timestamp,
		Unit:       qnn.ProfileEventUnit(data.unit),
		Identifier: goString(data.identifier),
	}, nil
}

// ProfileFree implements qnn.Interface.
func (c *coreInterface) ProfileFree(profile qnn.ProfileHandle) error {
	return c.check("profileFree", call(c.fn.profileFree, uintptr(profile)))
}

// MemRegister implements qnn.Interface.
func (c *coreInterface) MemRegister(context qnn.ContextHandle, descriptor qnn.MemDescriptor) (qnn.MemHandle, error) {
	var a arena
	defer a.free()
	var h uintptr
	code := call(c.fn.memRegister, uintptr(context), a.memDescriptor(&descriptor), 1, pin(&a, &h))
	if err := c.check("memRegister", code); err != nil {
		return 0, err
	}
	return qnn.MemHandle(h), nil
}

// MemDeRegister implements qnn.Interface.
func (c *coreInterface) MemDeRegister(mem qnn.MemHandle) error {
	var a arena
	defer a.free()
	h := uintptr(mem)
	return c.check("memDeRegister", call(c.fn.memDeRegister, pin(&a, &h), 1))
}

// ErrorGetMessage implements qnn.Interface.
func (c *coreInterface) ErrorGetMessage(code qnn.ErrorCode) string {
	var a arena
	defer a.free()
	var msg uintptr
	if call(c.fn.errorGetMessage, uintptr(code), pin(&a, &msg)) != qnn.Success {
		return ""
	}
	return goString(msg)
}
