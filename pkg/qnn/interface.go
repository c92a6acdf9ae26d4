// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnn

// Interface is the table of native functions exported by a backend module's interface provider.
//
// Methods mirror the SDK functions one to one, with Go types instead of C structs and with errors
// (usually *CallError) instead of raw result codes. Implementations don't keep state beyond what the
// backend keeps: ownership of every returned handle belongs to the caller.
type Interface interface {
	// PropertyHasCapability reports whether the backend supports the given property.
	PropertyHasCapability(key PropertyKey) bool

	BackendCreate(log LogHandle) (BackendHandle, error)
	BackendGetBuildID() (string, error)
	BackendValidateOpConfig(backend BackendHandle, op *OpConfig) error
	BackendFree(backend BackendHandle) error

	LogCreate(callback LogCallback, level LogLevel) (LogHandle, error)
	LogSetLogLevel(log LogHandle, level LogLevel) error
	LogFree(log LogHandle) error

	DeviceCreate(log LogHandle, configs []DeviceConfig) (DeviceHandle, error)
	DeviceFree(device DeviceHandle) error

	// DeviceGetInfrastructure returns the backend's performance infrastructure, used for power
	// configuration. Backends without one return an error.
	DeviceGetInfrastructure() (PerfInfrastructure, error)

	ContextCreate(backend BackendHandle, device DeviceHandle, configs []ContextConfig) (ContextHandle, error)
	ContextGetBinarySize(context ContextHandle) (uint64, error)

	// ContextGetBinary writes the context's binary into buffer and returns the number of bytes written.
	ContextGetBinary(context ContextHandle, buffer []byte) (uint64, error)
	ContextCreateFromBinary(backend BackendHandle, device DeviceHandle, configs []ContextConfig,
		binary []byte, profile ProfileHandle) (ContextHandle, error)
	ContextFree(context ContextHandle, profile ProfileHandle) error

	GraphCreate(context ContextHandle, name string, configs []GraphConfig) (GraphHandle, error)
	GraphRetrieve(context ContextHandle, name string) (GraphHandle, error)

	// TensorCreateGraphTensor creates tensor in graph and sets tensor.ID.
	TensorCreateGraphTensor(graph GraphHandle, tensor *Tensor) error
	GraphAddNode(graph GraphHandle, op *OpConfig) error
	GraphFinalize(graph GraphHandle, profile ProfileHandle) error
	GraphExecute(graph GraphHandle, inputs, outputs []Tensor, profile ProfileHandle) error

	ProfileCreate(backend BackendHandle, level ProfileLevel) (ProfileHandle, error)
	ProfileGetEvents(profile ProfileHandle) ([]ProfileEventID, error)
	ProfileGetSubEvents(event ProfileEventID) ([]ProfileEventID, error)
	ProfileGetEventData(event ProfileEventID) (ProfileEventData, error)
	ProfileGetExtendedEventData(event ProfileEventID) (ProfileExtendedEventData, error)
	ProfileFree(profile ProfileHandle) error

	MemRegister(context ContextHandle, descriptor MemDescriptor) (MemHandle, error)
	MemDeRegister(mem MemHandle) error

	// ErrorGetMessage returns the backend's description of an error code, or "" if unknown.
	ErrorGetMessage(code ErrorCode) string
}

// SystemInterface is the table exported by the system module. It inspects context binaries without
// a backend.
type SystemInterface interface {
	SystemContextCreate() (SystemContextHandle, error)
	SystemContextGetBinaryInfo(handle SystemContextHandle, binary []byte) (*BinaryInfo, error)
	SystemContextFree(handle SystemContextHandle) error
}

// PerfInfrastructure is the device's power and performance control table.
type PerfInfrastructure interface {
	CreatePowerConfigID(deviceID, coreID uint32) (uint32, error)
	DestroyPowerConfigID(powerConfigID uint32) error
	SetPowerConfig(powerConfigID uint32, configs []PowerConfig) error
}

// HtpArch is the Hexagon NPU architecture version, 0 if unknown.
type HtpArch uint32

const (
	HtpArchNone HtpArch = 0
	HtpArchV68  HtpArch = 68
	HtpArchV69  HtpArch = 69
	HtpArchV73  HtpArch = 73
	HtpArchV75  HtpArch = 75
)

// DeviceConfigOption selects the field of DeviceConfig in use.
type DeviceConfigOption int

const (
	DeviceConfigHtpSocModel DeviceConfigOption = iota
	DeviceConfigHtpArch
)

// DeviceConfig is one custom device configuration for the HTP backend.
type DeviceConfig struct {
	Option   DeviceConfigOption
	SocModel uint32
	Arch     HtpArch
	DeviceID uint32
}

// ContextConfigOption selects the field of ContextConfig in use.
type ContextConfigOption int

const (
	ContextConfigPriority ContextConfigOption = iota
	ContextConfigHtpWeightSharing
	ContextConfigHtpSpillFill
)

// ContextConfig is one context creation configuration.
type ContextConfig struct {
	Option   ContextConfigOption
	Priority Priority

	// WeightSharing is used with ContextConfigHtpWeightSharing.
	WeightSharing bool

	// MaxSpillFillBufferSize and Group are used with ContextConfigHtpSpillFill: all contexts registered
	// with the same group share one spill-fill buffer of that size.
	MaxSpillFillBufferSize uint64
	Group                  ContextHandle
}

// GraphConfigOption selects the field of GraphConfig in use.
type GraphConfigOption int

const (
	GraphConfigPriority GraphConfigOption = iota
	GraphConfigIRSerialization
)

// GraphConfig is one graph creation configuration.
type GraphConfig struct {
	Option   GraphConfigOption
	Priority Priority

	// SerializationPath is the output file of GraphConfigIRSerialization.
	SerializationPath string
}

// MemType of a registered memory region.
type MemType uint32

const (
	MemTypeION    MemType = 0
	MemTypeCustom MemType = 1
)

// MemDescriptor describes a shared-memory region to register as a tensor's memory.
type MemDescriptor struct {
	Dimensions []uint32
	DataType   DataType
	MemType    MemType

	// FD, Offset and TotalSize locate the tensor inside the shared buffer (HTP shared buffer layout).
	FD        int32
	Offset    uint64
	TotalSize uint64
}

// ProfileEventType classifies a profile event. Values match QnnProfile_EventType_t.
type ProfileEventType uint32

const (
	ProfileEventTypeInit               ProfileEventType = 1
	ProfileEventTypeFinalize           ProfileEventType = 2
	ProfileEventTypeExecute            ProfileEventType = 3
	ProfileEventTypeNode               ProfileEventType = 4
	ProfileEventTypeExecuteQueueWait   ProfileEventType = 5
	ProfileEventTypeExecutePreProcess  ProfileEventType = 6
	ProfileEventTypeExecuteDevice      ProfileEventType = 7
	ProfileEventTypeExecutePostProcess ProfileEventType = 8
	ProfileEventTypeDeinit             ProfileEventType = 9
	ProfileEventTypeBackend            ProfileEventType = 1000
)

// String implements fmt.Stringer.
func (t ProfileEventType) String() string {
	switch t {
	case ProfileEventTypeInit:
		return "INIT"
	case ProfileEventTypeFinalize:
		return "FINALIZE"
	case ProfileEventTypeExecute:
		return "EXECUTE"
	case ProfileEventTypeNode:
		return "NODE"
	case ProfileEventTypeExecuteQueueWait:
		return "EXECUTE QUEUE WAIT"
	case ProfileEventTypeExecutePreProcess:
		return "EXECUTE PRE-PROCESS"
	case ProfileEventTypeExecuteDevice:
		return "EXECUTE DEVICE"
	case ProfileEventTypeExecutePostProcess:
		return "EXECUTE POST-PROCESS"
	case ProfileEventTypeDeinit:
		return "DE-INIT"
	case ProfileEventTypeBackend:
		return "BACKEND"
	}
	return "UNKNOWN"
}

// ProfileEventUnit of a profile event's value. Values match QnnProfile_EventUnit_t.
type ProfileEventUnit uint32

const (
	ProfileEventUnitMicrosec ProfileEventUnit = 0
	ProfileEventUnitBytes    ProfileEventUnit = 1
	ProfileEventUnitCycles   ProfileEventUnit = 2
	ProfileEventUnitCount    ProfileEventUnit = 3
	ProfileEventUnitObject   ProfileEventUnit = 4
	ProfileEventUnitBackend  ProfileEventUnit = 0xFFFFFFFE
)

// String returns the short unit label used in profiling reports.
func (u ProfileEventUnit) String() string {
	switch u {
	case ProfileEventUnitMicrosec:
		return "US"
	case ProfileEventUnitBytes:
		return "BYTES"
	case ProfileEventUnitCycles:
		return "CYCLES"
	case ProfileEventUnitCount:
		return "COUNT"
	case ProfileEventUnitObject:
		return "OBJECT"
	case ProfileEventUnitBackend:
		return "BACKEND"
	}
	return "UNKNOWN"
}

// ProfileEventData is the basic data of a profile event.
type ProfileEventData struct {
	Type       ProfileEventType
	Value      uint64
	Unit       ProfileEventUnit
	Identifier string
}

// ProfileExtendedEventData is the extended data of a profile event, available when the backend
// reports PropertyProfileSupportsExtendedEvent.
type ProfileExtendedEventData struct {
	Type       ProfileEventType
	Value      Scalar
	Timestamp  uint64
	Unit       ProfileEventUnit
	Identifier string
}

// BinaryInfo describes a context binary, as reported by the system interface.
type BinaryInfo struct {
	// Version of the binary info structure itself (1 to 3).
	Version           uint32
	BackendID         BackendID
	CoreAPIVersion    Version
	BackendAPIVersion Version
	BuildID           string

	// ContextBlobSize is the size of the context binary this info was read from. Zero if the SDK
	// didn't report it (info version 1).
	ContextBlobSize uint64

	Graphs []GraphInfo
}

// GraphInfo describes one graph of a context binary.
type GraphInfo struct {
	Name    string
	Inputs  []Tensor
	Outputs []Tensor

	// SpillFillBufferSize is the scratch memory the graph needs; only meaningful when HasSpillFill.
	SpillFillBufferSize uint64
	HasSpillFill        bool
}

// SharedBufferInfo locates an address inside a shared (fd-backed) buffer allocation.
type SharedBufferInfo struct {
	FD        int32
	Offset    uint64
	TotalSize uint64
}
