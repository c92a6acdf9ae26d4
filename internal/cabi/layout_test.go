// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cabi

import (
	"testing"
	"unsafe"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	assert.Equal(t, uintptr(40), unsafe.Sizeof(cQuantizeParams{}))
	assert.Equal(t, uintptr(112), unsafe.Sizeof(cTensorV1{}))
	assert.Equal(t, uintptr(152), unsafe.Sizeof(cTensor{}))
	assert.Equal(t, uintptr(16), unsafe.Sizeof(cScalar{}))
	assert.Equal(t, uintptr(168), unsafe.Sizeof(cParam{}))
	assert.Equal(t, uintptr(80), unsafe.Sizeof(cOpConfig{}))
	assert.Equal(t, uintptr(40), unsafe.Sizeof(cMemDescriptor{}))
	assert.Equal(t, uintptr(32), unsafe.Sizeof(cHtpMemDescriptor{}))
	assert.Equal(t, uintptr(32), unsafe.Sizeof(cProfileEventData{}))
	assert.Equal(t, uintptr(56), unsafe.Sizeof(cProfileExtendedEventData{}))
	assert.Equal(t, uintptr(68), unsafe.Sizeof(cPowerConfig{}))
	assert.Equal(t, uintptr(80), unsafe.Sizeof(cGraphInfo{}))
	assert.Equal(t, uintptr(128), unsafe.Sizeof(cBinaryInfo{}))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(cTensor{}.v1))
	assert.Equal(t, uintptr(96), unsafe.Offsetof(cTensorV1{}.buf))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(cBinaryInfo{}.backendID))
	assert.Equal(t, uintptr(64), unsafe.Offsetof(cBinaryInfo{}.socVersion))
	assert.Equal(t, uintptr(96), unsafe.Offsetof(cBinaryInfo{}.contextTensors))
	assert.Equal(t, uintptr(112), unsafe.Offsetof(cBinaryInfo{}.graphs))
	assert.Equal(t, uintptr(120), unsafe.Offsetof(cBinaryInfo{}.contextBlobSize))
}

func TestGoString(t *testing.T) {
	var a arena
	defer a.free()
	assert.Equal(t, "", goString(0))
	assert.Equal(t, "", goString(a.cString("")))
	assert.Equal(t, "gemm_graph", goString(a.cString("gemm_graph")))
}

func TestTensorConversion(t *testing.T) {
	var a arena
	defer a.free()
	data := []byte{1, 2, 3, 4, 5, 6}
	tensor := qnn.Tensor{
		ID:       7,
		Name:     "weights",
		Type:     qnn.TensorTypeStatic,
		DataType: qnn.DataTypeUFixedPoint8,
		Quantize: qnn.QuantizeParams{
			Definition:   qnn.DefinitionDefined,
			Encoding:     qnn.QuantizationEncodingAxisScaleOffset,
			Axis:         1,
			ScaleOffsets: []qnn.ScaleOffset{{Scale: 0.5, Offset: -128}, {Scale: 0.25, Offset: -3}},
		},
		Dimensions: []uint32{3, 2},
		MemType:    qnn.TensorMemTypeRaw,
		ClientBuf:  data,
	}
	c := a.tensor(&tensor)
	assert.Equal(t, uint32(tensorVersion1), c.version)
	assert.Equal(t, uintptr(unsafe.Pointer(&data[0])), c.v1.buf)
	assert.Equal(t, uint32(len(data)), c.v1.bufSize)

	want := tensor
	want.ClientBuf = nil
	assert.Equal(t, want, goTensor(&c.v1))

	perTensor := qnn.Tensor{
		Name:       "input",
		Type:       qnn.TensorTypeAppWrite,
		DataType:   qnn.DataTypeUFixedPoint16,
		Quantize:   qnn.QuantizeParams{Definition: qnn.DefinitionDefined, Encoding: qnn.QuantizationEncodingScaleOffset, ScaleOffset: qnn.ScaleOffset{Scale: 0.125, Offset: -7}},
		Dimensions: []uint32{1, 4},
		MemType:    qnn.TensorMemTypeMemHandle,
		MemHandle:  0x1234,
	}
	c = a.tensor(&perTensor)
	assert.Equal(t, uintptr(0x1234), c.v1.buf)
	got := goTensor(&c.v1)
	assert.Equal(t, perTensor.Quantize, got.Quantize)
	assert.Equal(t, perTensor.Dimensions, got.Dimensions)
	assert.Equal(t, qnn.TensorMemTypeMemHandle, got.MemType)
}

func TestOpConfig(t *testing.T) {
	var a arena
	defer a.free()
	in := qnn.Tensor{Name: "A", Type: qnn.TensorTypeAppWrite, DataType: qnn.DataTypeFloat32,
		Quantize: qnn.UndefinedQuantizeParams, Dimensions: []uint32{1, 2}}
	out := qnn.Tensor{Name: "Y", Type: qnn.TensorTypeAppRead, DataType: qnn.DataTypeFloat32,
		Quantize: qnn.UndefinedQuantizeParams, Dimensions: []uint32{1, 3}}
	perm := qnn.Tensor{Name: "perm", Type: qnn.TensorTypeStatic, DataType: qnn.DataTypeUint32,
		Quantize: qnn.UndefinedQuantizeParams, Dimensions: []uint32{2}, ClientBuf: make([]byte, 8)}
	op := &qnn.OpConfig{
		Name:        "gemm",
		PackageName: qnn.DefaultOpPackage,
		TypeName:    "FullyConnected",
		Params: []qnn.Param{
			{Kind: qnn.ParamKindScalar, Name: "keep_dims", Scalar: qnn.BoolScalar(true)},
			{Kind: qnn.ParamKindTensor, Name: "perm", Tensor: perm},
		},
		Inputs:  []qnn.Tensor{in},
		Outputs: []qnn.Tensor{out},
	}
	c := at[cOpConfig](a.opConfig(op))
	assert.Equal(t, uint32(opConfigVersion1), c.version)
	assert.Equal(t, "gemm", goString(c.name))
	assert.Equal(t, qnn.DefaultOpPackage, goString(c.packageName))
	assert.Equal(t, "FullyConnected", goString(c.typeName))

	params := nativeSlice[cParam](c.params, c.numParams)
	require.Len(t, params, 2)
	assert.Equal(t, "keep_dims", goString(params[0].name))
	scalar := (*cScalar)(unsafe.Pointer(&params[0].value))
	assert.Equal(t, uint32(qnn.DataTypeBool8), scalar.dataType)
	assert.Equal(t, uint64(1), scalar.bits)
	assert.Equal(t, uint32(qnn.ParamKindTensor), params[1].paramType)
	assert.Equal(t, "perm", goTensor(&params[1].value.v1).Name)

	assert.Equal(t, []qnn.Tensor{in}, goTensors(c.inputs, c.numInputs))
	assert.Equal(t, []qnn.Tensor{out}, goTensors(c.outputs, c.numOutputs))
}

func TestNullTerminated(t *testing.T) {
	var a arena
	defer a.free()
	assert.Zero(t, nullTerminated[cGraphConfig](&a, nil))

	configs := []cGraphConfig{{option: 1}, {option: 2}}
	ptrs := nativeSlice[uintptr](nullTerminated(&a, configs), 3)
	assert.Equal(t, uintptr(unsafe.Pointer(&configs[0])), ptrs[0])
	assert.Equal(t, uintptr(unsafe.Pointer(&configs[1])), ptrs[1])
	assert.Zero(t, ptrs[2])
}

func TestContextConfigs(t *testing.T) {
	var a arena
	defer a.free()
	configs := []qnn.ContextConfig{
		{Option: qnn.ContextConfigPriority, Priority: qnn.PriorityHigh},
		{Option: qnn.ContextConfigHtpWeightSharing, WeightSharing: true},
		{Option: qnn.ContextConfigHtpSpillFill, MaxSpillFillBufferSize: 4096, Group: 0xABC},
	}
	ptrs := nativeSlice[uintptr](a.contextConfigs(configs), 4)
	assert.Zero(t, ptrs[3])

	priority := at[cContextConfig](ptrs[0])
	assert.Equal(t, uint32(contextConfigOptionPriority), priority.option)
	assert.Equal(t, uintptr(qnn.PriorityHigh), priority.value)

	sharing := at[cHtpContextCustomConfig](at[cContextConfig](ptrs[1]).value)
	assert.Equal(t, uint32(htpContextOptionWeightSharing), sharing.option)
	assert.Equal(t, uint64(1), sharing.word0)

	group := at[cHtpContextCustomConfig](at[cContextConfig](ptrs[2]).value)
	assert.Equal(t, uint32(htpContextOptionRegisterMultiContexts), group.option)
	assert.Equal(t, uint64(0xABC), group.word0)
	assert.Equal(t, uint64(4096), group.word1)
}

func TestPowerConfigs(t *testing.T) {
	var a arena
	defer a.free()
	configs := []qnn.PowerConfig{
		{Option: qnn.PowerConfigDcvsV3, Dcvs: qnn.DcvsV3{
			ContextID:        3,
			PowerMode:        qnn.DcvsPowerModePerformance,
			SleepLatency:     40,
			SleepDisable:     true,
			BusMinCorner:     qnn.VoltageCornerTurbo,
			BusTargetCorner:  qnn.VoltageCornerTurbo,
			BusMaxCorner:     qnn.VoltageCornerTurbo,
			CoreMinCorner:    qnn.VoltageCornerTurbo,
			CoreTargetCorner: qnn.VoltageCornerTurbo,
			CoreMaxCorner:    qnn.VoltageCornerTurbo,
		}},
		{Option: qnn.PowerConfigRpcControlLatency, Value: 100},
	}
	ptrs := nativeSlice[uintptr](a.powerConfigs(configs), 3)
	dcvs := at[cPowerConfig](ptrs[0])
	assert.Equal(t, uint32(qnn.PowerConfigDcvsV3), dcvs.option)
	assert.Equal(t, cDcvsV3{
		contextID:        3,
		setDcvsEnable:    1,
		powerMode:        uint32(qnn.DcvsPowerModePerformance),
		setSleepLatency:  1,
		sleepLatency:     40,
		setSleepDisable:  1,
		sleepDisable:     1,
		setBusParams:     1,
		busMinCorner:     uint32(qnn.VoltageCornerTurbo),
		busTargetCorner:  uint32(qnn.VoltageCornerTurbo),
		busMaxCorner:     uint32(qnn.VoltageCornerTurbo),
		setCoreParams:    1,
		coreMinCorner:    uint32(qnn.VoltageCornerTurbo),
		coreTargetCorner: uint32(qnn.VoltageCornerTurbo),
		coreMaxCorner:    uint32(qnn.VoltageCornerTurbo),
	}, dcvs.value)
	rpc := at[cPowerConfig](ptrs[1])
	assert.Equal(t, uint32(qnn.PowerConfigRpcControlLatency), rpc.option)
	assert.Equal(t, uint32(100), rpc.value.contextID, "single values use the first word of the union")
	assert.Zero(t, ptrs[2])
}

func TestDecodeBinaryInfo(t *testing.T) {
	var a arena
	defer a.free()
	input := qnn.Tensor{Name: "A", Type: qnn.TensorTypeAppWrite, DataType: qnn.DataTypeFloat32,
		Quantize: qnn.UndefinedQuantizeParams, Dimensions: []uint32{1, 2}}
	output := qnn.Tensor{Name: "Y", Type: qnn.TensorTypeAppRead, DataType: qnn.DataTypeFloat32,
		Quantize: qnn.UndefinedQuantizeParams, Dimensions: []uint32{1, 3}}
	blob := &cHtpGraphBlobInfo{version: htpGraphBlobInfoVersion1, spillFillBufferSize: 8192}
	graphs := []cGraphInfo{
		{version: 3, name: a.cString("g1"), numInputs: 1, inputs: a.tensors([]qnn.Tensor{input}),
			numOutputs: 1, outputs: a.tensors([]qnn.Tensor{output}), graphBlobInfo: pin(&a, blob)},
		{version: 1, name: a.cString("g2")},
	}
	info := &cBinaryInfo{
		version:           3,
		backendID:         uint32(qnn.BackendIDHTP),
		buildID:           a.cString("v2.26.0"),
		coreAPIVersion:    cVersion{2, 20, 0},
		backendAPIVersion: cVersion{5, 26, 1},
		numGraphs:         uint32(len(graphs)),
		graphs:            pinSlice(&a, graphs),
		contextBlobSize:   1 << 20,
	}
	got := must.M1(decodeBinaryInfo(pin(&a, info)))
	assert.Equal(t, &qnn.BinaryInfo{
		Version:           3,
		BackendID:         qnn.BackendIDHTP,
		CoreAPIVersion:    qnn.Version{Major: 2, Minor: 20},
		BackendAPIVersion: qnn.Version{Major: 5, Minor: 26, Patch: 1},
		BuildID:           "v2.26.0",
		ContextBlobSize:   1 << 20,
		Graphs: []qnn.GraphInfo{
			{Name: "g1", Inputs: []qnn.Tensor{input}, Outputs: []qnn.Tensor{output}, SpillFillBufferSize: 8192, HasSpillFill: true},
			{Name: "g2", Inputs: []qnn.Tensor{}, Outputs: []qnn.Tensor{}},
		},
	}, got)

	// Version 1 has no context blob size.
	info.version = 1
	got = must.M1(decodeBinaryInfo(pin(&a, info)))
	assert.Zero(t, got.ContextBlobSize)

	info.version = 4
	_, err := decodeBinaryInfo(pin(&a, info))
	assert.Error(t, err)
	_, err = decodeBinaryInfo(0)
	assert.Error(t, err)
}
