// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"slices"

	"github.com/gomlx/go-qnn/pkg/status"
)

// TransposeOpBuilder lowers Transpose (attribute "perm", reversed axes by default) to the native
// Transpose op.
type TransposeOpBuilder struct{}

var _ OpBuilder = TransposeOpBuilder{}

// ProcessInputs implements OpBuilder.
func (TransposeOpBuilder) ProcessInputs(mw *ModelWrapper, node *Node, _ bool) ([]string, error) {
	if len(node.Inputs) != 1 || len(node.Outputs) != 1 {
		return nil, status.Errorf(status.InvalidArgument, "Transpose %q takes 1 input and 1 output, got %d and %d",
			node.Name, len(node.Inputs), len(node.Outputs))
	}
	if node.Inputs[0].Quant.IsPerChannel() {
		return nil, status.Errorf(status.QuantizationConstraintViolation,
			"Transpose %q: input %q is per-channel quantized, only per-tensor is supported", node.Name, node.Inputs[0].Name)
	}
	return processSimpleInputs(mw, node)
}

// ProcessAttributesAndOutputs implements OpBuilder.
func (TransposeOpBuilder) ProcessAttributesAndOutputs(mw *ModelWrapper, node *Node, inputNames []string, doOpValidation bool) error {
	in := &node.Inputs[0]
	rank := len(in.Shape)
	perm := make([]uint32, rank)
	if attr := node.Attributes.Ints("perm", nil); attr != nil {
		if len(attr) != rank {
			return status.Errorf(status.ShapeMismatch, "Transpose %q: perm %v for input of rank %d", node.Name, attr, rank)
		}
		for i, p := range attr {
			if p < 0 {
				return status.Errorf(status.InvalidArgument, "Transpose %q: negative axis in perm %v", node.Name, attr)
			}
			perm[i] = uint32(p)
		}
	} else {
		for i := range perm {
			perm[i] = uint32(rank - 1 - i)
		}
	}
	want, err := PermuteDims(in.Shape, perm)
	if err != nil {
		return err
	}
	if out := node.Outputs[0].Shape; !slices.Equal(want, out) {
		return status.Errorf(status.ShapeMismatch, "Transpose %q: output shape %v, wants %v", node.Name, out, want)
	}
	return ProcessOutputs(mw, node, inputNames, []ParamWrapper{Uint32TensorParam(node.Name, "perm", perm)},
		doOpValidation, OpTypeTranspose)
}

// ReshapeOpBuilder lowers Reshape to the native Reshape op. The target shape is taken from the
// output; the shape input (if any) is not consumed by the native op.
type ReshapeOpBuilder struct{}

var _ OpBuilder = ReshapeOpBuilder{}

// ProcessInputs implements OpBuilder.
func (ReshapeOpBuilder) ProcessInputs(mw *ModelWrapper, node *Node, _ bool) ([]string, error) {
	if len(node.Inputs) < 1 || len(node.Outputs) != 1 {
		return nil, status.Errorf(status.InvalidArgument, "Reshape %q takes a data input and 1 output", node.Name)
	}
	in, out := &node.Inputs[0], &node.Outputs[0]
	if numElements(in.Shape) != numElements(out.Shape) {
		return nil, status.Errorf(status.ShapeMismatch, "Reshape %q: can't reshape %v to %v", node.Name, in.Shape, out.Shape)
	}
	if in.Quant.IsPerChannel() {
		return nil, status.Errorf(status.QuantizationConstraintViolation,
			"Reshape %q: input %q is per-channel quantized, only per-tensor is supported", node.Name, in.Name)
	}
	trimmed := *node
	trimmed.Inputs = node.Inputs[:1]
	return processSimpleInputs(mw, &trimmed)
}

// ProcessAttributesAndOutputs implements OpBuilder.
func (ReshapeOpBuilder) ProcessAttributesAndOutputs(mw *ModelWrapper, node *Node, inputNames []string, doOpValidation bool) error {
	return ProcessOutputs(mw, node, inputNames, nil, doOpValidation, OpTypeReshape)
}

// processSimpleInputs registers the inputs of node as they are.
func processSimpleInputs(mw *ModelWrapper, node *Node) ([]string, error) {
	names := make([]string, 0, len(node.Inputs))
	for i := range node.Inputs {
		in := &node.Inputs[i]
		names = append(names, in.Name)
		if mw.TensorExists(in.Name) {
			continue
		}
		var data []byte
		if init := mw.Initializer(in.Name); init != nil {
			data = init.Data
		}
		err := mw.AddTensor(&TensorWrapper{
			Name:     in.Name,
			Type:     mw.TensorType(in.Name),
			DataType: in.DataType,
			Quant:    in.Quant,
			Shape:    slices.Clone(in.Shape),
			Data:     data,
		})
		if err != nil {
			return nil, err
		}
	}
	return names, nil
}

func numElements(shape []uint32) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
