// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/qnn/qnntest"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float32Bytes(values ...float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func float32Values(buf []byte) []float32 {
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return values
}

func f32(name string, dims ...uint32) NodeArg {
	return NodeArg{Name: name, DataType: qnn.DataTypeFloat32, Shape: dims}
}

func gemmNode(attrs Attributes, inputs ...NodeArg) *Node {
	return &Node{
		Name:       "gemm",
		OpType:     "Gemm",
		Inputs:     inputs,
		Outputs:    []NodeArg{f32("Y", 1, 3)},
		Attributes: attrs,
	}
}

// constB is B = [[1, 2, 3], [4, 5, 6]].
func constB() map[string]*Initializer {
	return map[string]*Initializer{
		"B": {DataType: qnn.DataTypeFloat32, Shape: []uint32{2, 3}, Data: float32Bytes(1, 2, 3, 4, 5, 6)},
	}
}

func opTypes(mw *ModelWrapper) []string {
	var types []string
	for _, op := range mw.Ops() {
		types = append(types, op.TypeName)
	}
	return types
}

func TestGemmValidateDoesNotMutate(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	backend := must.M1(be.BackendCreate(0))
	defer func() { require.NoError(t, be.BackendFree(backend)) }()

	// Constant B is transposed eagerly: only the FullyConnected op is validated.
	mw := NewModelWrapper(be, backend, "g", []string{"A"}, []string{"Y"}, constB())
	node := gemmNode(nil, f32("A", 1, 2), f32("B", 2, 3))
	require.NoError(t, ValidateNode(mw, node))
	assert.Zero(t, mw.NumTensors())
	assert.Empty(t, mw.Ops())
	assert.Equal(t, 1, be.NumValidated())

	// Runtime B needs a Transpose op, validated as well.
	mw = NewModelWrapper(be, backend, "g", []string{"A", "B"}, []string{"Y"}, nil)
	require.NoError(t, ValidateNode(mw, node))
	assert.Zero(t, mw.NumTensors())
	assert.Empty(t, mw.Ops())
	assert.Equal(t, 3, be.NumValidated())

	// Validation failure from the backend.
	be.FailOn("backendValidateOpConfig", qnn.ErrorCommonNotSupported)
	err := ValidateNode(mw, node)
	require.Error(t, err)
	assert.Zero(t, mw.NumTensors())
	be.FailOn("backendValidateOpConfig", qnn.Success)

	// Same node, added for real.
	mw = NewModelWrapper(be, backend, "g", []string{"A"}, []string{"Y"}, constB())
	require.NoError(t, AddNode(mw, node))
	assert.Equal(t, []string{OpTypeFullyConnected}, opTypes(mw))
	assert.Equal(t, []string{"A", "B" + TransposedSuffix}, mw.Ops()[0].Inputs)
	weight := mw.Tensor("B_transposed")
	require.NotNil(t, weight)
	assert.Equal(t, qnn.TensorTypeStatic, weight.Type)
	assert.Equal(t, []uint32{3, 2}, weight.Shape)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, float32Values(weight.Data))
	assert.False(t, mw.TensorExists("B"), "the original constant is not used by the graph")
	assert.Equal(t, qnn.TensorTypeAppRead, mw.Tensor("Y").Type)
}

func TestGemmUnsupportedAttributes(t *testing.T) {
	for _, attrs := range []Attributes{{"alpha": float32(0.5)}, {"beta": float32(2)}, {"alpha": 2.0, "beta": 1.0}} {
		for _, validate := range []bool{true, false} {
			mw := NewModelWrapper(nil, 0, "g", []string{"A"}, []string{"Y"}, constB())
			node := gemmNode(attrs, f32("A", 1, 2), f32("B", 2, 3))
			var err error
			if validate {
				err = ValidateNode(mw, node)
			} else {
				err = AddNode(mw, node)
			}
			require.Error(t, err, "attributes %v", attrs)
			assert.Equal(t, status.UnsupportedAttribute, status.CodeOf(err))
			assert.Zero(t, mw.NumTensors())
		}
	}

	// Explicit 1 is fine.
	mw := NewModelWrapper(nil, 0, "g", []string{"A"}, []string{"Y"}, constB())
	require.NoError(t, AddNode(mw, gemmNode(Attributes{"alpha": float32(1), "beta": float32(1)}, f32("A", 1, 2), f32("B", 2, 3))))
}

func TestGemmBiasShape(t *testing.T) {
	testCases := []struct {
		name      string
		transB    int64
		b, bias   []uint32
		wantCode  status.Code
		wantShape []uint32
	}{
		{"rank1", 0, []uint32{2, 3}, []uint32{3}, status.OK, []uint32{3}},
		{"rank2", 0, []uint32{2, 3}, []uint32{1, 3}, status.OK, []uint32{3}},
		{"wrong size", 0, []uint32{2, 3}, []uint32{4}, status.ShapeMismatch, nil},
		{"not a row", 0, []uint32{2, 3}, []uint32{3, 1}, status.ShapeMismatch, nil},
		{"scalar", 0, []uint32{2, 3}, []uint32{}, status.ShapeMismatch, nil},
		{"transB", 1, []uint32{3, 2}, []uint32{3}, status.OK, []uint32{3}},
		{"transB wrong size", 1, []uint32{3, 2}, []uint32{2}, status.ShapeMismatch, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mw := NewModelWrapper(nil, 0, "g", []string{"A", "B", "C"}, []string{"Y"}, nil)
			node := gemmNode(Attributes{"transB": tc.transB}, f32("A", 1, 2), f32("B", tc.b...), f32("C", tc.bias...))
			err := AddNode(mw, node)
			assert.Equal(t, tc.wantCode, status.CodeOf(err), "error: %v", err)
			if tc.wantCode != status.OK {
				assert.Zero(t, mw.NumTensors())
				return
			}
			bias := mw.Tensor("C")
			require.NotNil(t, bias)
			assert.Equal(t, tc.wantShape, bias.Shape)
			ops := mw.Ops()
			fc := ops[len(ops)-1]
			assert.Equal(t, OpTypeFullyConnected, fc.TypeName)
			assert.Equal(t, "C", fc.Inputs[2])
		})
	}
}

func TestGemmPerChannelWeight(t *testing.T) {
	quant := PerChannelQuant(1, []float32{0.1, 0.2, 0.3}, []int32{0, 0, 0})
	a := NodeArg{Name: "A", DataType: qnn.DataTypeSFixedPoint8, Shape: []uint32{1, 2}, Quant: PerTensorQuant(0.5, 0)}
	b := NodeArg{Name: "B", DataType: qnn.DataTypeSFixedPoint8, Shape: []uint32{2, 3}, Quant: quant}
	out := NodeArg{Name: "Y", DataType: qnn.DataTypeSFixedPoint8, Shape: []uint32{1, 3}, Quant: PerTensorQuant(1, 0)}
	newNode := func(transB int64) *Node {
		return &Node{Name: "gemm", OpType: "Gemm", Inputs: []NodeArg{a, b}, Outputs: []NodeArg{out},
			Attributes: Attributes{"transB": transB}}
	}

	t.Run("constant", func(t *testing.T) {
		inits := map[string]*Initializer{
			"B": {DataType: qnn.DataTypeSFixedPoint8, Shape: []uint32{2, 3}, Data: []byte{1, 2, 3, 4, 5, 6}},
		}
		mw := NewModelWrapper(nil, 0, "g", []string{"A"}, []string{"Y"}, inits)
		require.NoError(t, AddNode(mw, newNode(0)))
		weight := mw.Tensor("B_transposed")
		require.NotNil(t, weight)
		assert.Equal(t, []uint32{3, 2}, weight.Shape)
		assert.Equal(t, []byte{1, 4, 2, 5, 3, 6}, weight.Data)
		assert.True(t, weight.Quant.IsPerChannel())
		assert.Equal(t, int32(0), weight.Quant.Axis)
		assert.Equal(t, quant.Scales, weight.Quant.Scales)
		assert.Equal(t, []string{OpTypeFullyConnected}, opTypes(mw))
	})

	t.Run("runtime", func(t *testing.T) {
		mw := NewModelWrapper(nil, 0, "g", []string{"A", "B"}, []string{"Y"}, nil)
		err := AddNode(mw, newNode(0))
		require.Error(t, err)
		assert.Equal(t, status.QuantizationConstraintViolation, status.CodeOf(err))
		assert.Zero(t, mw.NumTensors(), "input A registered before the failure must be rolled back")
		assert.Empty(t, mw.Ops())
	})

	t.Run("runtime without transpose", func(t *testing.T) {
		transposedB := b
		transposedB.Shape = []uint32{3, 2}
		transposedB.Quant = PerChannelQuant(0, quant.Scales, quant.Offsets)
		node := &Node{Name: "gemm", OpType: "Gemm", Inputs: []NodeArg{a, transposedB}, Outputs: []NodeArg{out},
			Attributes: Attributes{"transB": int64(1)}}
		mw := NewModelWrapper(nil, 0, "g", []string{"A", "B"}, []string{"Y"}, nil)
		require.NoError(t, AddNode(mw, node))
		assert.Equal(t, []string{OpTypeFullyConnected}, opTypes(mw))
	})
}

func TestGemmConvertWeight(t *testing.T) {
	a := NodeArg{Name: "A", DataType: qnn.DataTypeUFixedPoint8, Shape: []uint32{1, 2}, Quant: PerTensorQuant(0.5, 0)}
	out := NodeArg{Name: "Y", DataType: qnn.DataTypeUFixedPoint8, Shape: []uint32{1, 3}, Quant: PerTensorQuant(1, 0)}
	wantScale := 0.5 * (65535.0 - 100.0) / 32767.0

	t.Run("transpose then convert", func(t *testing.T) {
		b := NodeArg{Name: "B", DataType: qnn.DataTypeUFixedPoint16, Shape: []uint32{2, 3}, Quant: PerTensorQuant(0.5, -100)}
		mw := NewModelWrapper(nil, 0, "g", []string{"A", "B"}, []string{"Y"}, nil)
		node := &Node{Name: "gemm", OpType: "Gemm", Inputs: []NodeArg{a, b}, Outputs: []NodeArg{out}}
		require.NoError(t, AddNode(mw, node))

		assert.Equal(t, []string{OpTypeTranspose, OpTypeConvert, OpTypeFullyConnected}, opTypes(mw))
		ops := mw.Ops()
		assert.Equal(t, []string{"B"}, ops[0].Inputs)
		assert.Equal(t, []string{"B_transposed"}, ops[0].Outputs)
		assert.Equal(t, []string{"B_transposed"}, ops[1].Inputs)
		assert.Equal(t, []string{"B_transposed_convert_Y"}, ops[1].Outputs)
		assert.Equal(t, []string{"A", "B_transposed_convert_Y"}, ops[2].Inputs)

		converted := mw.Tensor("B_transposed_convert_Y")
		require.NotNil(t, converted)
		assert.Equal(t, qnn.DataTypeSFixedPoint16, converted.DataType)
		assert.Equal(t, qnn.TensorTypeNative, converted.Type)
		assert.Equal(t, []uint32{3, 2}, converted.Shape)
		assert.InDelta(t, wantScale, converted.Quant.Scale(), 1e-5)
		assert.Equal(t, int32(0), converted.Quant.Offset())
	})

	t.Run("constant", func(t *testing.T) {
		b := NodeArg{Name: "B", DataType: qnn.DataTypeUFixedPoint16, Shape: []uint32{3, 2}, Quant: PerTensorQuant(0.5, -100)}
		inits := map[string]*Initializer{
			"B": {DataType: qnn.DataTypeUFixedPoint16, Shape: []uint32{3, 2}, Data: make([]byte, 12)},
		}
		mw := NewModelWrapper(nil, 0, "g", []string{"A"}, []string{"Y"}, inits)
		node := &Node{Name: "gemm", OpType: "Gemm", Inputs: []NodeArg{a, b}, Outputs: []NodeArg{out},
			Attributes: Attributes{"transB": int64(1)}}
		require.NoError(t, AddNode(mw, node))
		assert.Equal(t, []string{OpTypeConvert, OpTypeFullyConnected}, opTypes(mw))
		assert.True(t, mw.TensorExists("B_convert_Y"))
	})

	t.Run("per-channel", func(t *testing.T) {
		b := NodeArg{Name: "B", DataType: qnn.DataTypeUFixedPoint16, Shape: []uint32{3, 2},
			Quant: PerChannelQuant(0, []float32{1, 1, 1}, []int32{0, 0, 0})}
		mw := NewModelWrapper(nil, 0, "g", []string{"A", "B"}, []string{"Y"}, nil)
		node := &Node{Name: "gemm", OpType: "Gemm", Inputs: []NodeArg{a, b}, Outputs: []NodeArg{out},
			Attributes: Attributes{"transB": int64(1)}}
		err := AddNode(mw, node)
		assert.Equal(t, status.QuantizationConstraintViolation, status.CodeOf(err))
		assert.Zero(t, mw.NumTensors())
	})
}

func TestGemmRollbackOnLateFailure(t *testing.T) {
	// The output has broken quantization: the failure happens after the Transpose op of B was added.
	mw := NewModelWrapper(nil, 0, "g", []string{"A", "B"}, []string{"Y"}, nil)
	node := gemmNode(nil, f32("A", 1, 2), f32("B", 2, 3))
	node.Outputs[0].Quant = QuantParams{Encoding: PerTensor}
	err := AddNode(mw, node)
	require.Error(t, err)
	assert.Equal(t, status.QuantizationConstraintViolation, status.CodeOf(err))
	assert.Zero(t, mw.NumTensors())
	assert.Empty(t, mw.Ops())

	// A good node still goes through afterwards, and earlier nodes are kept on failure.
	node.Outputs[0].Quant = QuantParams{}
	require.NoError(t, AddNode(mw, node))
	numTensors, numOps := mw.NumTensors(), len(mw.Ops())
	bad := gemmNode(Attributes{"alpha": float32(3)}, f32("Y", 1, 3), f32("B", 3, 3))
	bad.Name, bad.Outputs[0].Name = "gemm2", "Z"
	require.Error(t, AddNode(mw, bad))
	assert.Equal(t, numTensors, mw.NumTensors())
	assert.Equal(t, numOps, len(mw.Ops()))
}

func TestGemmSharesTransposedInputs(t *testing.T) {
	mw := NewModelWrapper(nil, 0, "g", []string{"A", "B"}, []string{"Y", "Z"}, nil)
	first := gemmNode(nil, f32("A", 1, 2), f32("B", 2, 3))
	second := gemmNode(nil, f32("A", 1, 2), f32("B", 2, 3))
	second.Name, second.Outputs[0].Name = "gemm2", "Z"
	require.NoError(t, AddNode(mw, first))
	require.NoError(t, AddNode(mw, second))
	assert.Equal(t, []string{OpTypeTranspose, OpTypeFullyConnected, OpTypeFullyConnected}, opTypes(mw))
	// A, B, B_transposed, Y and Z.
	assert.Equal(t, 5, mw.NumTensors())
}

func TestLowerErrors(t *testing.T) {
	mw := NewModelWrapper(nil, 0, "g", []string{"A"}, []string{"Y"}, constB())
	err := AddNode(mw, &Node{Name: "conv", OpType: "Conv"})
	assert.Equal(t, status.NotFound, status.CodeOf(err))

	err = AddNode(mw, gemmNode(Attributes{"alpha": "one"}, f32("A", 1, 2), f32("B", 2, 3)))
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	assert.Contains(t, err.Error(), `attribute "alpha"`)

	err = AddNode(mw, gemmNode(nil, f32("A", 1, 2)))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	err = AddNode(mw, gemmNode(nil, f32("A", 1, 2, 1), f32("B", 2, 3)))
	assert.Equal(t, status.ShapeMismatch, status.CodeOf(err))
	assert.Zero(t, mw.NumTensors())
}

func TestLayoutOps(t *testing.T) {
	mw := NewModelWrapper(nil, 0, "g", []string{"X"}, []string{"Z"}, nil)
	require.NoError(t, AddNode(mw, &Node{
		Name:       "t",
		OpType:     "Transpose",
		Inputs:     []NodeArg{f32("X", 2, 3, 4)},
		Outputs:    []NodeArg{f32("T", 4, 2, 3)},
		Attributes: Attributes{"perm": []int64{2, 0, 1}},
	}))
	err := AddNode(mw, &Node{
		Name:    "bad",
		OpType:  "Transpose",
		Inputs:  []NodeArg{f32("X", 2, 3, 4)},
		Outputs: []NodeArg{f32("U", 2, 3, 4)},
	})
	assert.Equal(t, status.ShapeMismatch, status.CodeOf(err))
	require.NoError(t, AddNode(mw, &Node{
		Name:    "r",
		OpType:  "Reshape",
		Inputs:  []NodeArg{f32("T", 4, 2, 3), {Name: "shape", DataType: qnn.DataTypeInt64, Shape: []uint32{2}}},
		Outputs: []NodeArg{f32("Z", 4, 6)},
	}))
	assert.Equal(t, []string{OpTypeTranspose, OpTypeReshape}, opTypes(mw))
	assert.Equal(t, []string{"T"}, mw.Ops()[1].Inputs)
	assert.False(t, mw.TensorExists("shape"))
	assert.Equal(t, qnn.TensorTypeAppRead, mw.Tensor("Z").Type)
	require.Len(t, mw.Ops()[0].Params, 1)
	assert.Equal(t, "t_perm", mw.Ops()[0].Params[0].Tensor.Name)
}
