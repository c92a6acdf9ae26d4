// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"slices"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
)

// GemmOpBuilder lowers Gemm (Y = alpha * A' * B' + beta * C) to the native FullyConnected op,
// which computes Y = A * W^T + bias, with W of shape [M, K].
//
// So the lowering transposes A when transA is set, and transposes B when transB is *not* set.
// Only alpha == beta == 1 is supported. A UFIXED_POINT_16 weight is converted to
// SFIXED_POINT_16, which is what the native op accepts.
type GemmOpBuilder struct{}

var _ OpBuilder = GemmOpBuilder{}

// gemmTransposePerm swaps the two axes of a rank-2 tensor.
var gemmTransposePerm = []uint32{1, 0}

// checkGemm checks the attributes and shapes the lowering supports. It runs in both modes.
func checkGemm(node *Node) error {
	if alpha := node.Attributes.Float("alpha", 1); alpha != 1 {
		return status.Errorf(status.UnsupportedAttribute, "Gemm %q: alpha=%g, only 1 is supported", node.Name, alpha)
	}
	if beta := node.Attributes.Float("beta", 1); beta != 1 {
		return status.Errorf(status.UnsupportedAttribute, "Gemm %q: beta=%g, only 1 is supported", node.Name, beta)
	}
	if n := len(node.Inputs); n < 2 || n > 3 {
		return status.Errorf(status.InvalidArgument, "Gemm %q takes 2 or 3 inputs, got %d", node.Name, n)
	}
	if len(node.Outputs) != 1 {
		return status.Errorf(status.InvalidArgument, "Gemm %q has 1 output, got %d", node.Name, len(node.Outputs))
	}
	for i, in := range node.Inputs[:2] {
		if len(in.Shape) != 2 {
			return status.Errorf(status.ShapeMismatch, "Gemm %q: input %d (%q) must be rank 2, got shape %v",
				node.Name, i, in.Name, in.Shape)
		}
	}
	if len(node.Inputs) < 3 || !node.Inputs[2].Exists() {
		return nil
	}
	b := node.Inputs[1].Shape
	m := b[1]
	if node.Attributes.Int("transB", 0) != 0 {
		m = b[0]
	}
	bias := node.Inputs[2].Shape
	switch {
	case len(bias) == 1 && bias[0] == m:
	case len(bias) == 2 && bias[0] == 1 && bias[1] == m:
	default:
		return status.Errorf(status.ShapeMismatch, "Gemm %q: bias shape %v, wants [%d] or [1, %d]", node.Name, bias, m, m)
	}
	return nil
}

// ProcessInputs implements OpBuilder.
func (GemmOpBuilder) ProcessInputs(mw *ModelWrapper, node *Node, doOpValidation bool) ([]string, error) {
	if err := checkGemm(node); err != nil {
		return nil, err
	}
	needsTranspose := []bool{
		node.Attributes.Int("transA", 0) != 0,
		node.Attributes.Int("transB", 0) == 0,
		false,
	}
	inputNames := make([]string, 0, len(node.Inputs))
	for i := range node.Inputs {
		in := &node.Inputs[i]
		if !in.Exists() {
			continue
		}
		name, err := gemmInput(mw, node, in, i == 2, needsTranspose[i], doOpValidation)
		if err != nil {
			return nil, err
		}
		if i == 1 {
			name, err = convertGemmWeight(mw, node, name, doOpValidation)
			if err != nil {
				return nil, err
			}
		}
		inputNames = append(inputNames, name)
	}
	return inputNames, nil
}

// gemmInput registers (or reuses) one input, and returns the name of the tensor to consume.
//
// A constant is transposed right away into a new static tensor; a runtime value gets a Transpose
// op. In both cases the transposed copy is named after the input with TransposedSuffix, and shared
// by every consumer.
func gemmInput(mw *ModelWrapper, node *Node, in *NodeArg, isBias, transpose, doOpValidation bool) (string, error) {
	if !transpose && mw.TensorExists(in.Name) {
		return in.Name, nil
	}
	if in.DataType.Size() == 0 {
		return "", status.Errorf(status.InvalidArgument, "Gemm %q: input %q has unsupported data type %s",
			node.Name, in.Name, in.DataType)
	}
	name := in.Name
	shape := slices.Clone(in.Shape)
	quant := in.Quant
	tensorType := mw.TensorType(in.Name)
	var data []byte
	if transpose {
		name = in.Name + TransposedSuffix
		if mw.TensorExists(name) {
			return name, nil
		}
		transposedShape, err := PermuteDims(shape, gemmTransposePerm)
		if err != nil {
			return "", err
		}
		if !mw.IsConstant(in.Name) {
			err = AddTransposeNode(mw, node.Name, in.Name, name, shape, gemmTransposePerm, transposedShape,
				in.DataType, quant, doOpValidation)
			return name, err
		}
		init := mw.Initializer(in.Name)
		data, err = TransposeData(init.Data, in.DataType.Size(), shape, gemmTransposePerm)
		if err != nil {
			return "", status.Wrapf(err, status.CodeOf(err), "Gemm %q: transposing constant %q", node.Name, in.Name)
		}
		if quant, err = quant.Transposed(gemmTransposePerm); err != nil {
			return "", err
		}
		shape = transposedShape
	} else if init := mw.Initializer(in.Name); init != nil {
		data = init.Data
	}
	if isBias && len(shape) == 2 {
		// [1, M] -> [M]: the native op takes a rank-1 bias.
		shape = shape[1:]
	}
	err := mw.AddTensor(&TensorWrapper{
		Name:     name,
		Type:     tensorType,
		DataType: in.DataType,
		Quant:    quant,
		Shape:    shape,
		Data:     data,
	})
	return name, err
}

// convertGemmWeight inserts a Convert op if the weight is UFIXED_POINT_16, and returns the name of
// the tensor the FullyConnected op consumes.
func convertGemmWeight(mw *ModelWrapper, node *Node, weightName string, doOpValidation bool) (string, error) {
	weight := mw.Tensor(weightName)
	if weight == nil {
		return "", status.Errorf(status.InvalidArgument, "Gemm %q: weight %q is not registered", node.Name, weightName)
	}
	if weight.DataType != qnn.DataTypeUFixedPoint16 {
		return weightName, nil
	}
	if !weight.Quant.IsPerTensor() {
		return "", status.Errorf(status.QuantizationConstraintViolation,
			"Gemm %q: UFIXED_POINT_16 weight %q must be per-tensor quantized to be converted, got %s",
			node.Name, weightName, weight.Quant)
	}
	convertName := weightName + "_convert_" + node.Outputs[0].Name
	if mw.TensorExists(convertName) {
		return convertName, nil
	}
	err := InsertConvertOp(mw, weightName, convertName, qnn.DataTypeUFixedPoint16, qnn.DataTypeSFixedPoint16,
		weight.Quant.Offset(), weight.Quant.Scale(), weight.Shape, true, doOpValidation)
	return convertName, err
}

// ProcessAttributesAndOutputs implements OpBuilder.
func (GemmOpBuilder) ProcessAttributesAndOutputs(mw *ModelWrapper, node *Node, inputNames []string, doOpValidation bool) error {
	return ProcessOutputs(mw, node, inputNames, nil, doOpValidation, OpTypeFullyConnected)
}
