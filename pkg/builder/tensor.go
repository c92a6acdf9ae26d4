// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"fmt"
	"slices"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"golang.org/x/exp/constraints"
)

// QuantEncoding tells how a tensor is quantized.
type QuantEncoding int

const (
	NotQuantized QuantEncoding = iota
	PerTensor
	PerChannel
)

// QuantParams are the quantization parameters of a tensor: one scale/offset pair (PerTensor) or
// one per channel along Axis (PerChannel). Offsets follow the SDK convention (negated zero point).
//
// QuantParams values are immutable: methods return modified copies.
type QuantParams struct {
	Encoding QuantEncoding
	Axis     int32
	Scales   []float32
	Offsets  []int32
}

// PerTensorQuant returns per-tensor parameters.
func PerTensorQuant(scale float32, offset int32) QuantParams {
	return QuantParams{Encoding: PerTensor, Scales: []float32{scale}, Offsets: []int32{offset}}
}

// PerChannelQuant returns per-channel parameters along axis. scales and offsets must have the same length.
func PerChannelQuant(axis int32, scales []float32, offsets []int32) QuantParams {
	return QuantParams{Encoding: PerChannel, Axis: axis, Scales: slices.Clone(scales), Offsets: slices.Clone(offsets)}
}

// IsQuantized returns whether q holds any parameters.
func (q QuantParams) IsQuantized() bool { return q.Encoding != NotQuantized }

// IsPerTensor returns whether q is per-tensor.
func (q QuantParams) IsPerTensor() bool { return q.Encoding == PerTensor }

// IsPerChannel returns whether q is per-channel.
func (q QuantParams) IsPerChannel() bool { return q.Encoding == PerChannel }

// Scale and Offset return the per-tensor pair. They are zero for other encodings.
func (q QuantParams) Scale() float32 {
	if q.Encoding != PerTensor {
		return 0
	}
	return q.Scales[0]
}

func (q QuantParams) Offset() int32 {
	if q.Encoding != PerTensor {
		return 0
	}
	return q.Offsets[0]
}

// Validate checks the parameters are consistent with a tensor of the given shape.
func (q QuantParams) Validate(shape []uint32) error {
	switch q.Encoding {
	case NotQuantized:
		return nil
	case PerTensor:
		if len(q.Scales) != 1 || len(q.Offsets) != 1 {
			return status.Errorf(status.QuantizationConstraintViolation,
				"per-tensor quantization wants 1 scale/offset, got %d/%d", len(q.Scales), len(q.Offsets))
		}
		return nil
	case PerChannel:
		if q.Axis < 0 || int(q.Axis) >= len(shape) {
			return status.Errorf(status.QuantizationConstraintViolation,
				"per-channel quantization axis %d out of range for shape %v", q.Axis, shape)
		}
		if len(q.Scales) != int(shape[q.Axis]) || len(q.Offsets) != len(q.Scales) {
			return status.Errorf(status.QuantizationConstraintViolation,
				"per-channel quantization along axis %d of shape %v has %d scales and %d offsets",
				q.Axis, shape, len(q.Scales), len(q.Offsets))
		}
		return nil
	}
	return status.Errorf(status.InvalidArgument, "unknown quantization encoding %d", q.Encoding)
}

// Transposed returns the parameters of the tensor once transposed with perm: the per-channel axis
// follows its data (it moves to the position perm maps it to). The per-channel scales and offsets
// keep their order, since they are indexed along the axis itself.
func (q QuantParams) Transposed(perm []uint32) (QuantParams, error) {
	if q.Encoding != PerChannel {
		return q, nil
	}
	axis, err := TransposeQuantAxis(uint32(q.Axis), perm)
	if err != nil {
		return QuantParams{}, err
	}
	return PerChannelQuant(int32(axis), q.Scales, q.Offsets), nil
}

// Native converts to the SDK representation.
func (q QuantParams) Native() qnn.QuantizeParams {
	switch q.Encoding {
	case PerTensor:
		return qnn.QuantizeParams{
			Definition:  qnn.DefinitionDefined,
			Encoding:    qnn.QuantizationEncodingScaleOffset,
			ScaleOffset: qnn.ScaleOffset{Scale: q.Scales[0], Offset: q.Offsets[0]},
		}
	case PerChannel:
		pairs := make([]qnn.ScaleOffset, len(q.Scales))
		for i := range pairs {
			pairs[i] = qnn.ScaleOffset{Scale: q.Scales[i], Offset: q.Offsets[i]}
		}
		return qnn.QuantizeParams{
			Definition:   qnn.DefinitionDefined,
			Encoding:     qnn.QuantizationEncodingAxisScaleOffset,
			Axis:         q.Axis,
			ScaleOffsets: pairs,
		}
	}
	return qnn.UndefinedQuantizeParams
}

// String implements fmt.Stringer.
func (q QuantParams) String() string {
	switch q.Encoding {
	case PerTensor:
		return fmt.Sprintf("per-tensor(scale=%g, offset=%d)", q.Scales[0], q.Offsets[0])
	case PerChannel:
		return fmt.Sprintf("per-channel(axis=%d, %d channels)", q.Axis, len(q.Scales))
	}
	return "not-quantized"
}

// TransposeQuantAxis returns the position of axis after transposing with perm, where output axis i
// is input axis perm[i]. So with perm [1, 0], axis 1 moves to 0.
func TransposeQuantAxis[T constraints.Integer](axis T, perm []T) (T, error) {
	if err := checkPermutation(perm); err != nil {
		return 0, err
	}
	for i, p := range perm {
		if p == axis {
			return T(i), nil
		}
	}
	return 0, status.Errorf(status.QuantizationConstraintViolation,
		"quantization axis %d not in permutation %v", axis, perm)
}

// PermuteDims returns the dimensions after transposing with perm.
func PermuteDims[T constraints.Integer](dims, perm []T) ([]T, error) {
	if len(dims) != len(perm) {
		return nil, status.Errorf(status.ShapeMismatch, "permutation %v doesn't match rank of shape %v", perm, dims)
	}
	if err := checkPermutation(perm); err != nil {
		return nil, err
	}
	out := make([]T, len(dims))
	for i, p := range perm {
		out[i] = dims[p]
	}
	return out, nil
}

func checkPermutation[T constraints.Integer](perm []T) error {
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || int(p) >= len(perm) || seen[p] {
			return status.Errorf(status.InvalidArgument, "%v is not a permutation", perm)
		}
		seen[p] = true
	}
	return nil
}

// TransposeData permutes the raw data of a tensor of the given dims, with elements of elemSize
// bytes. Output axis i is input axis perm[i].
func TransposeData(data []byte, elemSize int, dims, perm []uint32) ([]byte, error) {
	outDims, err := PermuteDims(dims, perm)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	if elemSize <= 0 || len(data) != n*elemSize {
		return nil, status.Errorf(status.ShapeMismatch,
			"tensor data has %d bytes, shape %v of %d-byte elements wants %d", len(data), dims, elemSize, n*elemSize)
	}
	rank := len(dims)
	inStrides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		inStrides[i] = stride
		stride *= int(dims[i])
	}
	out := make([]byte, len(data))
	index := make([]int, rank)
	for o := 0; o < n; o++ {
		in := 0
		for i, p := range perm {
			in += index[i] * inStrides[p]
		}
		copy(out[o*elemSize:(o+1)*elemSize], data[in*elemSize:(in+1)*elemSize])
		for i := rank - 1; i >= 0; i-- {
			index[i]++
			if index[i] < int(outDims[i]) {
				break
			}
			index[i] = 0
		}
	}
	return out, nil
}

// TensorWrapper is a tensor of the graph under construction.
//
// Once registered in a ModelWrapper under its name, a TensorWrapper is never modified: a consumer
// needing a different layout registers a new tensor under a new name.
type TensorWrapper struct {
	Name     string
	Type     qnn.TensorType
	DataType qnn.DataType
	Quant    QuantParams
	Shape    []uint32

	// Data of static (constant) tensors.
	Data []byte
}

// NumElements returns the product of the dimensions.
func (tw *TensorWrapper) NumElements() int {
	n := 1
	for _, d := range tw.Shape {
		n *= int(d)
	}
	return n
}

// Native returns the SDK descriptor of the tensor, without an ID.
func (tw *TensorWrapper) Native() qnn.Tensor {
	return qnn.Tensor{
		Name:       tw.Name,
		Type:       tw.Type,
		DataType:   tw.DataType,
		Quantize:   tw.Quant.Native(),
		Dimensions: slices.Clone(tw.Shape),
		MemType:    qnn.TensorMemTypeRaw,
		ClientBuf:  tw.Data,
	}
}

// String implements fmt.Stringer.
func (tw *TensorWrapper) String() string {
	return fmt.Sprintf("%q %s %s%v %s", tw.Name, tw.Type, tw.DataType, tw.Shape, tw.Quant)
}
