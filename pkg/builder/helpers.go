// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"math"
	"slices"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
)

// Native op type names.
const (
	OpTypeFullyConnected = "FullyConnected"
	OpTypeTranspose      = "Transpose"
	OpTypeConvert        = "Convert"
	OpTypeReshape        = "Reshape"
)

// TransposedSuffix is appended to the name of a value to name its transposed copy.
const TransposedSuffix = "_transposed"

// AddTransposeNode adds a Transpose op from the runtime tensor inputName to a new native tensor
// outputName, of shape outputShape. If inputName isn't registered yet (a graph input), it is
// registered first with inputShape.
//
// Runtime tensors are transposed by the op at execution, so only per-tensor (or no) quantization
// is accepted: the output shares the input's parameters.
func AddTransposeNode(mw *ModelWrapper, nodeName, inputName, outputName string, inputShape, perm, outputShape []uint32,
	dataType qnn.DataType, quant QuantParams, doOpValidation bool) error {
	if quant.IsPerChannel() {
		return status.Errorf(status.QuantizationConstraintViolation,
			"node %q: runtime tensor %q needs a transpose, which only supports per-tensor quantization", nodeName, inputName)
	}
	want, err := PermuteDims(inputShape, perm)
	if err != nil {
		return err
	}
	if !slices.Equal(want, outputShape) {
		return status.Errorf(status.ShapeMismatch, "node %q: transposing %v with %v gives %v, not %v",
			nodeName, inputShape, perm, want, outputShape)
	}
	if !mw.TensorExists(inputName) {
		err := mw.AddTensor(&TensorWrapper{
			Name:     inputName,
			Type:     mw.TensorType(inputName),
			DataType: dataType,
			Quant:    quant,
			Shape:    inputShape,
		})
		if err != nil {
			return err
		}
	}
	outputType := qnn.TensorTypeNative
	if mw.IsGraphOutput(outputName) {
		outputType = qnn.TensorTypeAppRead
	}
	err = mw.AddTensor(&TensorWrapper{
		Name:     outputName,
		Type:     outputType,
		DataType: dataType,
		Quant:    quant,
		Shape:    outputShape,
	})
	if err != nil {
		return err
	}
	return mw.CreateOp(outputName, qnn.DefaultOpPackage, OpTypeTranspose, []string{inputName}, []string{outputName},
		[]ParamWrapper{Uint32TensorParam(outputName, "perm", perm)}, doOpValidation)
}

// QuantRange returns the range of quantized values of dataType. With symmetric, signed ranges
// are made symmetric around zero (e.g. [-32767, 32767]).
func QuantRange(dataType qnn.DataType, symmetric bool) (qmin, qmax float64, err error) {
	switch dataType {
	case qnn.DataTypeUFixedPoint8:
		return 0, math.MaxUint8, nil
	case qnn.DataTypeUFixedPoint16:
		return 0, math.MaxUint16, nil
	case qnn.DataTypeSFixedPoint8:
		qmin, qmax = math.MinInt8, math.MaxInt8
	case qnn.DataTypeSFixedPoint16:
		qmin, qmax = math.MinInt16, math.MaxInt16
	case qnn.DataTypeSFixedPoint32:
		qmin, qmax = math.MinInt32, math.MaxInt32
	default:
		return 0, 0, status.Errorf(status.QuantizationConstraintViolation, "%s is not a quantized type", dataType)
	}
	if symmetric {
		qmin = -qmax
	}
	return qmin, qmax, nil
}

// Dequantize returns the real value of quantized value q: scale * (q + offset).
func Dequantize(offset int32, scale float32, q float64) float64 {
	return float64(scale) * (q + float64(offset))
}

// ComputeQuantParams returns the per-tensor parameters quantizing [rmin, rmax] (always extended
// to include 0) into dataType. With symmetric the range is centered on zero and the offset is 0.
func ComputeQuantParams(rmin, rmax float64, dataType qnn.DataType, symmetric bool) (scale float32, offset int32, err error) {
	qmin, qmax, err := QuantRange(dataType, symmetric)
	if err != nil {
		return 0, 0, err
	}
	rmin, rmax = math.Min(rmin, 0), math.Max(rmax, 0)
	if symmetric {
		absMax := math.Max(math.Abs(rmin), math.Abs(rmax))
		rmin, rmax = -absMax, absMax
	}
	s := (rmax - rmin) / (qmax - qmin)
	if s == 0 {
		s = 1
	}
	zeroPoint := math.Round(math.Max(qmin, math.Min(qmax, qmin-rmin/s)))
	if symmetric {
		zeroPoint = 0
	}
	return float32(s), int32(-zeroPoint), nil
}

// InsertConvertOp adds a Convert op from inputName (per-tensor quantized as inputType with
// inputScale/inputOffset) to a new native tensor outputName of outputType, quantized to cover
// the same real range.
//
// Only UFIXED_POINT_16 to SFIXED_POINT_16 is defined; anything else fails with
// status.QuantizationConstraintViolation.
func InsertConvertOp(mw *ModelWrapper, inputName, outputName string, inputType, outputType qnn.DataType,
	inputOffset int32, inputScale float32, outputShape []uint32, symmetric, doOpValidation bool) error {
	if inputType != qnn.DataTypeUFixedPoint16 || outputType != qnn.DataTypeSFixedPoint16 {
		return status.Errorf(status.QuantizationConstraintViolation,
			"convert %q from %s to %s is not supported, only %s to %s", inputName, inputType, outputType,
			qnn.DataTypeUFixedPoint16, qnn.DataTypeSFixedPoint16)
	}
	input := mw.Tensor(inputName)
	if input == nil {
		return status.Errorf(status.InvalidArgument, "convert input %q is not registered", inputName)
	}
	if !input.Quant.IsPerTensor() {
		return status.Errorf(status.QuantizationConstraintViolation,
			"convert %q needs per-tensor quantization, got %s", inputName, input.Quant)
	}
	qmin, qmax, err := QuantRange(inputType, false)
	if err != nil {
		return err
	}
	rmin := Dequantize(inputOffset, inputScale, qmin)
	rmax := Dequantize(inputOffset, inputScale, qmax)
	scale, offset, err := ComputeQuantParams(rmin, rmax, outputType, symmetric)
	if err != nil {
		return err
	}
	err = mw.AddTensor(&TensorWrapper{
		Name:     outputName,
		Type:     qnn.TensorTypeNative,
		DataType: outputType,
		Quant:    PerTensorQuant(scale, offset),
		Shape:    outputShape,
	})
	if err != nil {
		return err
	}
	return mw.CreateOp(outputName, qnn.DefaultOpPackage, OpTypeConvert, []string{inputName}, []string{outputName},
		nil, doOpValidation)
}

// ProcessOutputs registers the node's outputs and creates its op with the given inputs and params.
// This is the shared last step of every OpBuilder.
func ProcessOutputs(mw *ModelWrapper, node *Node, inputNames []string, params []ParamWrapper,
	doOpValidation bool, qnnOpType string) error {
	outputNames := make([]string, 0, len(node.Outputs))
	for i := range node.Outputs {
		out := &node.Outputs[i]
		outputType := qnn.TensorTypeNative
		if mw.IsGraphOutput(out.Name) {
			outputType = qnn.TensorTypeAppRead
		}
		err := mw.AddTensor(&TensorWrapper{
			Name:     out.Name,
			Type:     outputType,
			DataType: out.DataType,
			Quant:    out.Quant,
			Shape:    out.Shape,
		})
		if err != nil {
			return err
		}
		outputNames = append(outputNames, out.Name)
	}
	return mw.CreateOp(node.Name, qnn.DefaultOpPackage, qnnOpType, inputNames, outputNames, params, doOpValidation)
}
