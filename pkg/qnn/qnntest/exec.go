// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnntest

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// lockedExecute runs the graph on dequantized float64 values. It must be called with b.mu held.
func (b *Backend) lockedExecute(g *fakeGraph, inputs, outputs []qnn.Tensor) error {
	fail := func(format string, args ...any) error {
		return &qnn.CallError{Func: "graphExecute", Code: qnn.ErrorCommonGeneral, Message: fmt.Sprintf(format, args...)}
	}
	values := make(map[string][]float64, len(g.tensors))
	for _, t := range g.tensors {
		switch t.Type {
		case qnn.TensorTypeStatic:
			v, err := decodeValues(t, t.ClientBuf)
			if err != nil {
				return fail("static tensor %q: %v", t.Name, err)
			}
			values[t.Name] = v
		case qnn.TensorTypeAppWrite:
			io := findIO(g, t, inputs)
			if io == nil {
				return fail("missing input tensor %q", t.Name)
			}
			data, err := b.lockedIOBytes(io, t)
			if err != nil {
				return fail("input %q: %v", t.Name, err)
			}
			v, err := decodeValues(t, data)
			if err != nil {
				return fail("input %q: %v", t.Name, err)
			}
			values[t.Name] = v
		}
	}

	for _, op := range g.ops {
		args := make([][]float64, len(op.Inputs))
		for i, in := range op.Inputs {
			v, found := values[in.Name]
			if !found {
				return fail("node %q: input %q not computed", op.Name, in.Name)
			}
			args[i] = v
		}
		if len(op.Outputs) != 1 {
			return fail("node %q: expected one output, got %d", op.Name, len(op.Outputs))
		}
		out := g.tensor(op.Outputs[0].Name)
		result, err := evalOp(g, op, args, out)
		if err != nil {
			return fail("node %q (%s): %v", op.Name, op.TypeName, err)
		}
		values[out.Name] = result
	}

	for _, t := range g.tensors {
		if t.Type != qnn.TensorTypeAppRead {
			continue
		}
		io := findIO(g, t, outputs)
		if io == nil {
			return fail("missing output tensor %q", t.Name)
		}
		data, err := b.lockedIOBytes(io, t)
		if err != nil {
			return fail("output %q: %v", t.Name, err)
		}
		if err := encodeValues(t, values[t.Name], data); err != nil {
			return fail("output %q: %v", t.Name, err)
		}
	}
	return nil
}

// findIO returns the client tensor matching the graph tensor t, by id or by name.
func findIO(g *fakeGraph, t *qnn.Tensor, ios []qnn.Tensor) *qnn.Tensor {
	for i := range ios {
		if (ios[i].ID != 0 && g.tensorByID(ios[i].ID) == t) || (ios[i].ID == 0 && ios[i].Name == t.Name) {
			return &ios[i]
		}
	}
	return nil
}

// lockedIOBytes returns the bytes backing an input/output tensor: its client buffer, or the
// registered shared memory of its mem handle.
func (b *Backend) lockedIOBytes(io, t *qnn.Tensor) ([]byte, error) {
	size := t.NumElements() * t.DataType.Size()
	if io.MemType == qnn.TensorMemTypeMemHandle {
		m, found := b.mems[io.MemHandle]
		if !found {
			return nil, errors.Errorf("unregistered mem handle 0x%x", uintptr(io.MemHandle))
		}
		return b.memory.bytes(m.descriptor.FD, m.descriptor.Offset, uint64(size))
	}
	if len(io.ClientBuf) < size {
		return nil, errors.Errorf("client buffer has %d bytes, wants %d", len(io.ClientBuf), size)
	}
	return io.ClientBuf[:size], nil
}

// scaleOffsetAt returns the quantization pair for flat element index i of t.
func scaleOffsetAt(t *qnn.Tensor, i int) qnn.ScaleOffset {
	q := &t.Quantize
	if !q.IsPerChannel() {
		return q.ScaleOffset
	}
	stride := 1
	for _, d := range t.Dimensions[q.Axis+1:] {
		stride *= int(d)
	}
	channel := (i / stride) % int(t.Dimensions[q.Axis])
	return q.ScaleOffsets[channel]
}

func decodeValues(t *qnn.Tensor, data []byte) ([]float64, error) {
	n := t.NumElements()
	size := t.DataType.Size()
	if size == 0 || len(data) < n*size {
		return nil, errors.Errorf("can't decode %d elements of %s from %d bytes", n, t.DataType, len(data))
	}
	values := make([]float64, n)
	quantized := t.DataType.IsQuantized()
	for i := range values {
		chunk := data[i*size : (i+1)*size]
		var v float64
		switch t.DataType {
		case qnn.DataTypeFloat32:
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case qnn.DataTypeFloat16:
			v = float64(float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32())
		case qnn.DataTypeUint8, qnn.DataTypeUFixedPoint8, qnn.DataTypeBool8:
			v = float64(chunk[0])
		case qnn.DataTypeInt8, qnn.DataTypeSFixedPoint8:
			v = float64(int8(chunk[0]))
		case qnn.DataTypeUint16, qnn.DataTypeUFixedPoint16:
			v = float64(binary.LittleEndian.Uint16(chunk))
		case qnn.DataTypeInt16, qnn.DataTypeSFixedPoint16:
			v = float64(int16(binary.LittleEndian.Uint16(chunk)))
		case qnn.DataTypeUint32, qnn.DataTypeUFixedPoint32:
			v = float64(binary.LittleEndian.Uint32(chunk))
		case qnn.DataTypeInt32, qnn.DataTypeSFixedPoint32:
			v = float64(int32(binary.LittleEndian.Uint32(chunk)))
		default:
			return nil, errors.Errorf("data type %s not supported", t.DataType)
		}
		if quantized {
			so := scaleOffsetAt(t, i)
			v = float64(so.Scale) * (v + float64(so.Offset))
		}
		values[i] = v
	}
	return values, nil
}

func encodeValues(t *qnn.Tensor, values []float64, data []byte) error {
	size := t.DataType.Size()
	if len(values) != t.NumElements() || len(data) < len(values)*size {
		return errors.Errorf("can't encode %d values into %d bytes of %s", len(values), len(data), t.DataType)
	}
	quantized := t.DataType.IsQuantized()
	for i, v := range values {
		if quantized {
			so := scaleOffsetAt(t, i)
			v = math.Round(v/float64(so.Scale)) - float64(so.Offset)
		}
		chunk := data[i*size : (i+1)*size]
		switch t.DataType {
		case qnn.DataTypeFloat32:
			binary.LittleEndian.PutUint32(chunk, math.Float32bits(float32(v)))
		case qnn.DataTypeFloat16:
			binary.LittleEndian.PutUint16(chunk, float16.Fromfloat32(float32(v)).Bits())
		case qnn.DataTypeUint8, qnn.DataTypeUFixedPoint8:
			chunk[0] = uint8(clamp(v, 0, math.MaxUint8))
		case qnn.DataTypeInt8, qnn.DataTypeSFixedPoint8:
			chunk[0] = uint8(int8(clamp(v, math.MinInt8, math.MaxInt8)))
		case qnn.DataTypeUint16, qnn.DataTypeUFixedPoint16:
			binary.LittleEndian.PutUint16(chunk, uint16(clamp(v, 0, math.MaxUint16)))
		case qnn.DataTypeInt16, qnn.DataTypeSFixedPoint16:
			binary.LittleEndian.PutUint16(chunk, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		case qnn.DataTypeInt32, qnn.DataTypeSFixedPoint32:
			binary.LittleEndian.PutUint32(chunk, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
		default:
			return errors.Errorf("data type %s not supported", t.DataType)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func evalOp(g *fakeGraph, op *qnn.OpConfig, args [][]float64, out *qnn.Tensor) ([]float64, error) {
	switch op.TypeName {
	case "Convert", "Reshape":
		if len(args) != 1 {
			return nil, errors.Errorf("wants 1 input, got %d", len(args))
		}
		return args[0], nil

	case "Transpose":
		if len(args) != 1 {
			return nil, errors.Errorf("wants 1 input, got %d", len(args))
		}
		var perm []uint32
		for _, p := range op.Params {
			if p.Name == "perm" && p.Kind == qnn.ParamKindTensor {
				for i := 0; i+4 <= len(p.Tensor.ClientBuf); i += 4 {
					perm = append(perm, binary.LittleEndian.Uint32(p.Tensor.ClientBuf[i:]))
				}
			}
		}
		in := g.tensor(op.Inputs[0].Name)
		if len(perm) != len(in.Dimensions) {
			return nil, errors.Errorf("perm %v doesn't match rank %d", perm, len(in.Dimensions))
		}
		return transpose(args[0], in.Dimensions, perm), nil

	case "FullyConnected":
		if len(args) != 2 && len(args) != 3 {
			return nil, errors.Errorf("wants 2 or 3 inputs, got %d", len(args))
		}
		weights := g.tensor(op.Inputs[1].Name)
		if len(weights.Dimensions) != 2 {
			return nil, errors.Errorf("weights must be rank 2, got %v", weights.Dimensions)
		}
		m, k := int(weights.Dimensions[0]), int(weights.Dimensions[1])
		if len(args[0])%k != 0 {
			return nil, errors.Errorf("input of %d elements is not a multiple of %d", len(args[0]), k)
		}
		n := len(args[0]) / k
		result := make([]float64, n*m)
		for row := 0; row < n; row++ {
			for col := 0; col < m; col++ {
				var sum float64
				for i := 0; i < k; i++ {
					sum += args[0][row*k+i] * args[1][col*k+i]
				}
				if len(args) == 3 {
					sum += args[2][col]
				}
				result[row*m+col] = sum
			}
		}
		if len(result) != out.NumElements() {
			return nil, errors.Errorf("output %q has %d elements, computed %d", out.Name, out.NumElements(), len(result))
		}
		return result, nil
	}
	return nil, errors.Errorf("op type %q not supported", op.TypeName)
}

// transpose permutes values of shape dims: output axis i is input axis perm[i].
func transpose(values []float64, dims, perm []uint32) []float64 {
	rank := len(dims)
	inStrides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		inStrides[i] = stride
		stride *= int(dims[i])
	}
	outDims := make([]int, rank)
	for i, p := range perm {
		outDims[i] = int(dims[p])
	}
	result := make([]float64, len(values))
	index := make([]int, rank)
	for o := range result {
		in := 0
		for i, p := range perm {
			in += index[i] * inStrides[p]
		}
		result[o] = values[in]
		for i := rank - 1; i >= 0; i-- {
			index[i]++
			if index[i] < outDims[i] {
				break
			}
			index[i] = 0
		}
	}
	return result
}
