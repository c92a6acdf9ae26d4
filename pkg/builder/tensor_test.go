// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"testing"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestTransposeQuantAxis(t *testing.T) {
	axis := must.M1(TransposeQuantAxis[uint32](1, []uint32{1, 0}))
	assert.Equal(t, uint32(0), axis)
	axis = must.M1(TransposeQuantAxis[uint32](0, []uint32{1, 0}))
	assert.Equal(t, uint32(1), axis)

	// Rank 3: output axis i is input axis perm[i].
	axis3 := must.M1(TransposeQuantAxis(2, []int{2, 0, 1}))
	assert.Equal(t, 0, axis3)
	axis3 = must.M1(TransposeQuantAxis(0, []int{2, 0, 1}))
	assert.Equal(t, 1, axis3)

	_, err := TransposeQuantAxis(0, []int{0, 0})
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	_, err = TransposeQuantAxis(2, []int{1, 0})
	assert.Equal(t, status.QuantizationConstraintViolation, status.CodeOf(err))
}

func TestPermuteDims(t *testing.T) {
	assert.Equal(t, []uint32{3, 2}, must.M1(PermuteDims([]uint32{2, 3}, []uint32{1, 0})))
	assert.Equal(t, []uint32{4, 2, 3}, must.M1(PermuteDims([]uint32{2, 3, 4}, []uint32{2, 0, 1})))
	_, err := PermuteDims([]uint32{2, 3}, []uint32{0})
	assert.Equal(t, status.ShapeMismatch, status.CodeOf(err))
}

func TestTransposeData(t *testing.T) {
	// [2, 3] of 1-byte elements.
	data := []byte{1, 2, 3, 4, 5, 6}
	got := must.M1(TransposeData(data, 1, []uint32{2, 3}, []uint32{1, 0}))
	assert.Equal(t, []byte{1, 4, 2, 5, 3, 6}, got)

	// 2-byte elements keep their byte order.
	data16 := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	got = must.M1(TransposeData(data16, 2, []uint32{2, 2}, []uint32{1, 0}))
	assert.Equal(t, []byte{1, 0, 3, 0, 2, 0, 4, 0}, got)

	// Rank 3, [1, 2, 2] -> perm [2, 1, 0] -> [2, 2, 1].
	got = must.M1(TransposeData([]byte{1, 2, 3, 4}, 1, []uint32{1, 2, 2}, []uint32{2, 1, 0}))
	assert.Equal(t, []byte{1, 3, 2, 4}, got)

	_, err := TransposeData(data, 1, []uint32{2, 2}, []uint32{1, 0})
	assert.Equal(t, status.ShapeMismatch, status.CodeOf(err))
}

func TestQuantParams(t *testing.T) {
	pc := PerChannelQuant(1, []float32{0.1, 0.2, 0.3}, []int32{0, 0, 0})
	require.NoError(t, pc.Validate([]uint32{2, 3}))
	err := pc.Validate([]uint32{3, 2})
	assert.Equal(t, status.QuantizationConstraintViolation, status.CodeOf(err))

	transposed := must.M1(pc.Transposed([]uint32{1, 0}))
	assert.Equal(t, int32(0), transposed.Axis)
	assert.Equal(t, pc.Scales, transposed.Scales)
	require.NoError(t, transposed.Validate([]uint32{3, 2}))
	assert.Equal(t, int32(1), pc.Axis, "Transposed must not modify the receiver")

	pt := PerTensorQuant(0.5, -10)
	assert.Equal(t, pt, must.M1(pt.Transposed([]uint32{1, 0})))
	native := pt.Native()
	assert.True(t, native.IsPerTensor())
	assert.Equal(t, qnn.ScaleOffset{Scale: 0.5, Offset: -10}, native.ScaleOffset)
	assert.Equal(t, qnn.UndefinedQuantizeParams, QuantParams{}.Native())

	nativePC := transposed.Native()
	assert.True(t, nativePC.IsPerChannel())
	assert.Equal(t, int32(0), nativePC.Axis)
	assert.Len(t, nativePC.ScaleOffsets, 3)
}

func TestComputeQuantParams(t *testing.T) {
	scale, offset, err := ComputeQuantParams(-50, 32717.5, qnn.DataTypeSFixedPoint16, true)
	require.NoError(t, err)
	assert.InDelta(t, 32717.5/32767.0, scale, 1e-6)
	assert.Equal(t, int32(0), offset)

	// Asymmetric unsigned 8 bits, range of width 255: scale 1, zero point 64.
	scale, offset, err = ComputeQuantParams(-64, 191, qnn.DataTypeUFixedPoint8, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scale, 1e-6)
	assert.Equal(t, int32(-64), offset)

	// The range is extended to include 0.
	scale, offset, err = ComputeQuantParams(10, 255, qnn.DataTypeUFixedPoint8, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scale, 1e-6)
	assert.Equal(t, int32(0), offset)

	_, _, err = ComputeQuantParams(0, 1, qnn.DataTypeFloat32, false)
	assert.Equal(t, status.QuantizationConstraintViolation, status.CodeOf(err))
}
