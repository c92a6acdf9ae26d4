// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cabi binds the interface-provider tables of QNN modules loaded at runtime to the
// interfaces of package qnn. Native functions are called through purego, without cgo.
//
// Arguments are laid out as the SDK's C structs on 64-bit targets. Two native functions take an
// aggregate larger than 16 bytes by value (backendValidateOpConfig and graphAddNode): arm64 and
// Windows x64 pass those by reference to a caller-owned copy, which is what this package does. The
// System V amd64 convention copies them onto the stack instead, so on linux, darwin and freebsd amd64
// those two calls fail with ErrorCommonNotSupported: graphs can't be composed there, but cached
// contexts load and execute.
package cabi

import (
	"math"
	"runtime"
	"unsafe"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

// Struct versions and enum values of the SDK headers.
const (
	tensorVersion1   = 1
	opConfigVersion1 = 1

	tensorDataFormatFlatBuffer = 0

	deviceConfigOptionCustom  = 0
	htpDeviceConfigOptionSoc  = 0
	htpDeviceConfigOptionArch = 1

	contextConfigOptionCustom             = 0
	contextConfigOptionPriority           = 1
	htpContextOptionWeightSharing         = 1
	htpContextOptionRegisterMultiContexts = 2

	graphConfigOptionCustom        = 0
	graphConfigOptionPriority      = 3
	irGraphOptionSerialization     = 1
	irSerializationTypeFlatBuffers = 1

	htpMemSharedBuffer       = 1
	htpInfrastructurePerf    = 0
	htpGraphBlobInfoVersion1 = 1
)

// arena holds the Go memory handed to native code during one call: everything it returns stays
// pinned until free.
type arena struct {
	pinner runtime.Pinner
}

func (a *arena) free() { a.pinner.Unpin() }

// pin pins *v and returns its address.
func pin[T any](a *arena, v *T) uintptr {
	a.pinner.Pin(v)
	return uintptr(unsafe.Pointer(v))
}

// pinSlice pins the backing array of s and returns its address, or 0 if s is empty.
func pinSlice[T any](a *arena, s []T) uintptr {
	if len(s) == 0 {
		return 0
	}
	return pin(a, &s[0])
}

// cString returns the address of a pinned NUL-terminated copy of s.
func (a *arena) cString(s string) uintptr {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return pinSlice(a, b)
}

// nullTerminated returns the NULL-terminated array of pointers to each element of configs, the
// form of every "const Qnn*_Config_t**" argument, or 0 if there are no configs.
func nullTerminated[T any](a *arena, configs []T) uintptr {
	if len(configs) == 0 {
		return 0
	}
	ptrs := make([]uintptr, len(configs)+1)
	for i := range configs {
		ptrs[i] = pin(a, &configs[i])
	}
	return pinSlice(a, ptrs)
}

// at views native memory at addr as a T.
func at[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}

// nativeSlice views n consecutive Ts of native memory starting at addr.
func nativeSlice[T any](addr uintptr, n uint32) []T {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(addr)), n)
}

// goString copies the NUL-terminated string at addr.
func goString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	p := unsafe.Pointer(addr)
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

type cVersion struct {
	major, minor, patch uint32
}

func (v cVersion) goVersion() qnn.Version {
	return qnn.Version{Major: v.major, Minor: v.minor, Patch: v.patch}
}

type cScaleOffset struct {
	scale  float32
	offset int32
}

// cQuantizeParams mirrors Qnn_QuantizeParams_t. The encoding union holds either a
// Qnn_ScaleOffset_t (word0 = scale bits, word1 = offset) or a Qnn_AxisScaleOffset_t (word0 = axis,
// word1 = number of pairs, ptr = pairs).
type cQuantizeParams struct {
	definition uint32
	encoding   uint32
	word0      uint32
	word1      uint32
	ptr        uintptr
	_          [2]uint64
}

// cTensorV1 mirrors Qnn_TensorV1_t. buf is the client buffer's data pointer or the memory handle,
// depending on memType.
type cTensorV1 struct {
	id         uint32
	_          uint32
	name       uintptr
	tensorType uint32
	dataFormat uint32
	dataType   uint32
	_          uint32
	quantize   cQuantizeParams
	rank       uint32
	_          uint32
	dimensions uintptr
	memType    uint32
	_          uint32
	buf        uintptr
	bufSize    uint32
	_          uint32
}

// cTensor mirrors Qnn_Tensor_t, sized for its largest member (v2). Tensors are always written as
// v1; v2 tensors read from the SDK share the v1 prefix.
type cTensor struct {
	version uint32
	_       uint32
	v1      cTensorV1
	_       [32]byte
}

type cScalar struct {
	dataType uint32
	_        uint32
	bits     uint64
}

// cParam mirrors Qnn_Param_t: value holds a Qnn_Scalar_t or a Qnn_Tensor_t.
type cParam struct {
	paramType uint32
	_         uint32
	name      uintptr
	value     cTensor
}

type cOpConfig struct {
	version     uint32
	_           uint32
	name        uintptr
	packageName uintptr
	typeName    uintptr
	numParams   uint32
	_           uint32
	params      uintptr
	numInputs   uint32
	_           uint32
	inputs      uintptr
	numOutputs  uint32
	_           uint32
	outputs     uintptr
}

func (a *arena) quantizeParams(q *qnn.QuantizeParams) cQuantizeParams {
	c := cQuantizeParams{definition: uint32(q.Definition), encoding: uint32(q.Encoding)}
	switch q.Encoding {
	case qnn.QuantizationEncodingScaleOffset:
		c.word0 = math.Float32bits(q.ScaleOffset.Scale)
		c.word1 = uint32(q.ScaleOffset.Offset)
	case qnn.QuantizationEncodingAxisScaleOffset:
		pairs := make([]cScaleOffset, len(q.ScaleOffsets))
		for i, so := range q.ScaleOffsets {
			pairs[i] = cScaleOffset{scale: so.Scale, offset: so.Offset}
		}
		c.word0 = uint32(q.Axis)
		c.word1 = uint32(len(pairs))
		c.ptr = pinSlice(a, pairs)
	}
	return c
}

func goQuantizeParams(c *cQuantizeParams) qnn.QuantizeParams {
	q := qnn.QuantizeParams{Definition: qnn.Definition(c.definition), Encoding: qnn.QuantizationEncoding(c.encoding)}
	switch q.Encoding {
	case qnn.QuantizationEncodingScaleOffset:
		q.ScaleOffset = qnn.ScaleOffset{Scale: math.Float32frombits(c.word0), Offset: int32(c.word1)}
	case qnn.QuantizationEncodingAxisScaleOffset:
		q.Axis = int32(c.word0)
		for _, so := range nativeSlice[cScaleOffset](c.ptr, c.word1) {
			q.ScaleOffsets = append(q.ScaleOffsets, qnn.ScaleOffset{Scale: so.scale, Offset: so.offset})
		}
	}
	return q
}

func (a *arena) tensor(t *qnn.Tensor) cTensor {
	c := cTensor{version: tensorVersion1}
	v := &c.v1
	v.id = t.ID
	v.name = a.cString(t.Name)
	v.tensorType = uint32(t.Type)
	v.dataFormat = tensorDataFormatFlatBuffer
	v.dataType = uint32(t.DataType)
	v.quantize = a.quantizeParams(&t.Quantize)
	v.rank = uint32(len(t.Dimensions))
	v.dimensions = pinSlice(a, t.Dimensions)
	v.memType = uint32(t.MemType)
	if t.MemType == qnn.TensorMemTypeMemHandle {
		v.buf = uintptr(t.MemHandle)
	} else {
		v.buf = pinSlice(a, t.ClientBuf)
		v.bufSize = uint32(len(t.ClientBuf))
	}
	return c
}

// tensors returns the address of a pinned array of tensors, or 0.
func (a *arena) tensors(ts []qnn.Tensor) uintptr {
	cs := make([]cTensor, len(ts))
	for i := range ts {
		cs[i] = a.tensor(&ts[i])
	}
	return pinSlice(a, cs)
}

// goTensor copies the description of a native tensor. Data buffers are not copied.
func goTensor(c *cTensorV1) qnn.Tensor {
	return qnn.Tensor{
		ID:         c.id,
		Name:       goString(c.name),
		Type:       qnn.TensorType(c.tensorType),
		DataType:   qnn.DataType(c.dataType),
		Quantize:   goQuantizeParams(&c.quantize),
		Dimensions: append([]uint32(nil), nativeSlice[uint32](c.dimensions, c.rank)...),
		MemType:    qnn.TensorMemType(c.memType),
	}
}

func goTensors(addr uintptr, n uint32) []qnn.Tensor {
	cs := nativeSlice[cTensor](addr, n)
	ts := make([]qnn.Tensor, len(cs))
	for i := range cs {
		ts[i] = goTensor(&cs[i].v1)
	}
	return ts
}

func (a *arena) param(p *qnn.Param) cParam {
	c := cParam{paramType: uint32(p.Kind), name: a.cString(p.Name)}
	if p.Kind == qnn.ParamKindTensor {
		c.value = a.tensor(&p.Tensor)
	} else {
		*(*cScalar)(unsafe.Pointer(&c.value)) = cScalar{dataType: uint32(p.Scalar.DataType), bits: p.Scalar.Bits()}
	}
	return c
}

// opConfig returns the address of a pinned Qnn_OpConfig_t describing op.
func (a *arena) opConfig(op *qnn.OpConfig) uintptr {
	params := make([]cParam, len(op.Params))
	for i := range op.Params {
		params[i] = a.param(&op.Params[i])
	}
	c := &cOpConfig{
		version:     opConfigVersion1,
		name:        a.cString(op.Name),
		packageName: a.cString(op.PackageName),
		typeName:    a.cString(op.TypeName),
		numParams:   uint32(len(params)),
		params:      pinSlice(a, params),
		numInputs:   uint32(len(op.Inputs)),
		inputs:      a.tensors(op.Inputs),
		numOutputs:  uint32(len(op.Outputs)),
		outputs:     a.tensors(op.Outputs),
	}
	return pin(a, c)
}

type cDeviceConfig struct {
	option uint32
	_      uint32
	custom uintptr
}

// cHtpDeviceCustomConfig mirrors QnnHtpDevice_CustomConfig_t: word0 is the SoC model or the
// device id, word1 the architecture.
type cHtpDeviceCustomConfig struct {
	option uint32
	word0  uint32
	word1  uint32
	_      [4]uint32
}

func (a *arena) deviceConfigs(configs []qnn.DeviceConfig) uintptr {
	customs := make([]cHtpDeviceCustomConfig, len(configs))
	cs := make([]cDeviceConfig, len(configs))
	for i, config := range configs {
		switch config.Option {
		case qnn.DeviceConfigHtpSocModel:
			customs[i] = cHtpDeviceCustomConfig{option: htpDeviceConfigOptionSoc, word0: config.SocModel}
		case qnn.DeviceConfigHtpArch:
			customs[i] = cHtpDeviceCustomConfig{option: htpDeviceConfigOptionArch, word0: config.DeviceID, word1: uint32(config.Arch)}
		}
		cs[i] = cDeviceConfig{option: deviceConfigOptionCustom, custom: pin(a, &customs[i])}
	}
	return nullTerminated(a, cs)
}

// cContextConfig mirrors QnnContext_Config_t: value holds the custom config pointer or the
// Qnn_Priority_t.
type cContextConfig struct {
	option uint32
	_      uint32
	value  uintptr
}

// cHtpContextCustomConfig mirrors QnnHtpContext_CustomConfig_t: word0 is the weight-sharing flag or
// the first context of the group, word1 the group's spill-fill buffer size.
type cHtpContextCustomConfig struct {
	option uint32
	_      uint32
	word0  uint64
	word1  uint64
}

func (a *arena) contextConfigs(configs []qnn.ContextConfig) uintptr {
	cs := make([]cContextConfig, len(configs))
	for i, config := range configs {
		switch config.Option {
		case qnn.ContextConfigPriority:
			cs[i] = cContextConfig{option: contextConfigOptionPriority, value: uintptr(config.Priority)}
		case qnn.ContextConfigHtpWeightSharing:
			custom := &cHtpContextCustomConfig{option: htpContextOptionWeightSharing}
			if config.WeightSharing {
				custom.word0 = 1
			}
			cs[i] = cContextConfig{option: contextConfigOptionCustom, value: pin(a, custom)}
		case qnn.ContextConfigHtpSpillFill:
			custom := &cHtpContextCustomConfig{
				option: htpContextOptionRegisterMultiContexts,
				word0:  uint64(config.Group),
				word1:  config.MaxSpillFillBufferSize,
			}
			cs[i] = cContextConfig{option: contextConfigOptionCustom, value: pin(a, custom)}
		}
	}
	return nullTerminated(a, cs)
}

type cGraphConfig struct {
	option uint32
	_      uint32
	value  uintptr
}

type cIrGraphCustomConfig struct {
	option            uint32
	_                 uint32
	serializationType uint32
	_                 uint32
	outputPath        uintptr
}

func (a *arena) graphConfigs(configs []qnn.GraphConfig) uintptr {
	cs := make([]cGraphConfig, len(configs))
	for i, config := range configs {
		switch config.Option {
		case qnn.GraphConfigPriority:
			cs[i] = cGraphConfig{option: graphConfigOptionPriority, value: uintptr(config.Priority)}
		case qnn.GraphConfigIRSerialization:
			custom := &cIrGraphCustomConfig{
				option:            irGraphOptionSerialization,
				serializationType: irSerializationTypeFlatBuffers,
				outputPath:        a.cString(config.SerializationPath),
			}
			cs[i] = cGraphConfig{option: graphConfigOptionCustom, value: pin(a, custom)}
		}
	}
	return nullTerminated(a, cs)
}

// cMemDescriptor mirrors Qnn_MemDescriptor_t: info holds the ION fd or the custom info pointer.
type cMemDescriptor struct {
	numDims     uint32
	_           uint32
	dims        uintptr
	shapeConfig uintptr
	dataType    uint32
	memType     uint32
	info        uintptr
}

// cHtpMemDescriptor mirrors QnnMemHtp_Descriptor_t for shared buffers.
type cHtpMemDescriptor struct {
	memType uint32
	_       uint32
	size    uint64
	fd      int32
	_       uint32
	offset  uint64
}

func (a *arena) memDescriptor(d *qnn.MemDescriptor) uintptr {
	c := &cMemDescriptor{
		numDims:  uint32(len(d.Dimensions)),
		dims:     pinSlice(a, d.Dimensions),
		dataType: uint32(d.DataType),
		memType:  uint32(d.MemType),
	}
	if d.MemType == qnn.MemTypeCustom {
		c.info = pin(a, &cHtpMemDescriptor{memType: htpMemSharedBuffer, size: d.TotalSize, fd: d.FD, offset: d.Offset})
	} else {
		c.info = uintptr(uint32(d.FD))
	}
	return pin(a, c)
}

type cProfileEventData struct {
	eventType  uint32
	_          uint32
	value      uint64
	identifier uintptr
	unit       uint32
	_          uint32
}

type cProfileExtendedEventData struct {
	version    uint32
	_          uint32
	eventType  uint32
	_          uint32
	value      cScalar
	timestamp  uint64
	identifier uintptr
	unit       uint32
	_          uint32
}

// cPowerConfig mirrors QnnHtpPerfInfrastructure_PowerConfig_t. The union holds a DCVS v3 config or
// a single uint32 value.
type cPowerConfig struct {
	option uint32
	value  cDcvsV3
}

type cDcvsV3 struct {
	contextID        uint32
	setDcvsEnable    uint32
	dcvsEnable       uint32
	powerMode        uint32
	setSleepLatency  uint32
	sleepLatency     uint32
	setSleepDisable  uint32
	sleepDisable     uint32
	setBusParams     uint32
	busMinCorner     uint32
	busTargetCorner  uint32
	busMaxCorner     uint32
	setCoreParams    uint32
	coreMinCorner    uint32
	coreTargetCorner uint32
	coreMaxCorner    uint32
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (a *arena) powerConfigs(configs []qnn.PowerConfig) uintptr {
	cs := make([]cPowerConfig, len(configs))
	for i, config := range configs {
		cs[i].option = uint32(config.Option)
		if config.Option != qnn.PowerConfigDcvsV3 {
			cs[i].value.contextID = config.Value
			continue
		}
		d := &config.Dcvs
		cs[i].value = cDcvsV3{
			contextID:        d.ContextID,
			setDcvsEnable:    1,
			dcvsEnable:       boolWord(d.DcvsEnable),
			powerMode:        uint32(d.PowerMode),
			setSleepLatency:  1,
			sleepLatency:     d.SleepLatency,
			setSleepDisable:  1,
			sleepDisable:     boolWord(d.SleepDisable),
			setBusParams:     1,
			busMinCorner:     uint32(d.BusMinCorner),
			busTargetCorner:  uint32(d.BusTargetCorner),
			busMaxCorner:     uint32(d.BusMaxCorner),
			setCoreParams:    1,
			coreMinCorner:    uint32(d.CoreMinCorner),
			coreTargetCorner: uint32(d.CoreTargetCorner),
			coreMaxCorner:    uint32(d.CoreMaxCorner),
		}
	}
	return nullTerminated(a, cs)
}

// cBinaryInfo mirrors QnnSystemContext_BinaryInfo_t. The fields up to graphs are common to the v1,
// v2 and v3 layouts; contextBlobSize exists from v2 on.
type cBinaryInfo struct {
	version            uint32
	_                  uint32
	backendID          uint32
	_                  uint32
	buildID            uintptr
	coreAPIVersion     cVersion
	backendAPIVersion  cVersion
	contextBlobVersion cVersion
	_                  uint32
	socVersion         uintptr
	hwInfoBlobSize     uint32
	_                  uint32
	hwInfoBlob         uintptr
	numContextTensors  uint32
	_                  uint32
	contextTensors     uintptr
	numGraphs          uint32
	_                  uint32
	graphs             uintptr
	contextBlobSize    uint64
}

// cGraphInfo mirrors QnnSystemContext_GraphInfo_t, sized for its largest member (v3).
type cGraphInfo struct {
	version              uint32
	_                    uint32
	name                 uintptr
	numInputs            uint32
	_                    uint32
	inputs               uintptr
	numOutputs           uint32
	_                    uint32
	outputs              uintptr
	numUpdateableTensors uint32
	_                    uint32
	updateableTensors    uintptr
	graphBlobInfoSize    uint32
	_                    uint32
	graphBlobInfo        uintptr
}

type cHtpGraphBlobInfo struct {
	version             uint32
	_                   uint32
	spillFillBufferSize uint64
	vtcmSize            uint64
}

// decodeBinaryInfo copies the binary info at addr, which the SDK owns.
func decodeBinaryInfo(addr uintptr) (*qnn.BinaryInfo, error) {
	if addr == 0 {
		return nil, errors.New("null binary info")
	}
	c := at[cBinaryInfo](addr)
	if c.version < 1 || c.version > 3 {
		return nil, errors.Errorf("unsupported binary info version %d", c.version)
	}
	info := &qnn.BinaryInfo{
		Version:           c.version,
		BackendID:         qnn.BackendID(c.backendID),
		CoreAPIVersion:    c.coreAPIVersion.goVersion(),
		BackendAPIVersion: c.backendAPIVersion.goVersion(),
		BuildID:           goString(c.buildID),
	}
	if c.version >= 2 {
		info.ContextBlobSize = c.contextBlobSize
	}
	graphs := nativeSlice[cGraphInfo](c.graphs, c.numGraphs)
	info.Graphs = make([]qnn.GraphInfo, len(graphs))
	for i := range graphs {
		g := &graphs[i]
		info.Graphs[i] = qnn.GraphInfo{
			Name:    goString(g.name),
			Inputs:  goTensors(g.inputs, g.numInputs),
			Outputs: goTensors(g.outputs, g.numOutputs),
		}
		if g.version >= 3 && g.graphBlobInfo != 0 {
			if blob := at[cHtpGraphBlobInfo](g.graphBlobInfo); blob.version == htpGraphBlobInfoVersion1 {
				info.Graphs[i].HasSpillFill = true
				info.Graphs[i].SpillFillBufferSize = blob.spillFillBufferSize
			}
		}
	}
	return info, nil
}
