// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"testing"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/qnn/qnntest"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelGemmEndToEnd(t *testing.T) {
	// Y = A * B + C, with A = [1, 2], B = [[1, 2, 3], [4, 5, 6]] and C = [0.5, 0.5, 0.5].
	want := []float32{9.5, 12.5, 15.5}
	testCases := []struct {
		name    string
		transA  int64
		aShape  []uint32
		wantOps []string
	}{
		{"plain", 0, []uint32{1, 2}, []string{OpTypeFullyConnected}},
		{"transA", 1, []uint32{2, 1}, []string{OpTypeTranspose, OpTypeFullyConnected}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sdk := qnntest.New()
			be := sdk.Backend
			backend := must.M1(be.BackendCreate(0))
			ctx := must.M1(be.ContextCreate(backend, 0, nil))

			inits := constB()
			inits["C"] = &Initializer{DataType: qnn.DataTypeFloat32, Shape: []uint32{3}, Data: float32Bytes(0.5, 0.5, 0.5)}
			mw := NewModelWrapper(be, backend, "gemm_graph", []string{"A"}, []string{"Y"}, inits)
			node := gemmNode(Attributes{"transA": tc.transA}, f32("A", tc.aShape...), f32("B", 2, 3), f32("C", 3))
			require.NoError(t, ValidateNode(mw, node))
			require.NoError(t, AddNode(mw, node))

			model := must.M1(ComposeModel(be, ctx, mw, nil))
			assert.Equal(t, "gemm_graph", model.Name())
			assert.Equal(t, tc.wantOps, be.GraphOps(model.Graph()))
			require.Len(t, model.Inputs(), 1)
			assert.Equal(t, "A", model.Inputs()[0].Name)
			assert.NotZero(t, model.Inputs()[0].ID)

			out := make([]byte, 3*4)
			err := model.Execute([]Buffer{{Data: float32Bytes(1, 2)}}, []Buffer{{Data: out}}, 0)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err), "executing before Finalize")

			require.NoError(t, model.Finalize(0))
			require.NoError(t, model.Finalize(0))
			require.NoError(t, model.Execute([]Buffer{{Data: float32Bytes(1, 2)}}, []Buffer{{Data: out}}, 0))
			assert.Equal(t, want, float32Values(out))

			err = model.Execute([]Buffer{{Data: float32Bytes(1)}}, []Buffer{{Data: out}}, 0)
			assert.Equal(t, status.ShapeMismatch, status.CodeOf(err))
			err = model.Execute(nil, []Buffer{{Data: out}}, 0)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

			require.NoError(t, be.ContextFree(ctx, 0))
			require.NoError(t, be.BackendFree(backend))
			assert.Zero(t, sdk.LiveHandles())
		})
	}
}

func TestModelComposeFailure(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	backend := must.M1(be.BackendCreate(0))
	ctx := must.M1(be.ContextCreate(backend, 0, nil))
	defer func() {
		require.NoError(t, be.ContextFree(ctx, 0))
		require.NoError(t, be.BackendFree(backend))
	}()

	mw := NewModelWrapper(be, backend, "g", []string{"A"}, []string{"Y"}, constB())
	require.NoError(t, AddNode(mw, gemmNode(nil, f32("A", 1, 2), f32("B", 2, 3))))

	be.FailOn("graphAddNode", qnn.ErrorCommonGeneral)
	_, err := ComposeModel(be, ctx, mw, nil)
	require.Error(t, err)
	var callErr *qnn.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "graphAddNode", callErr.Func)
	be.FailOn("graphAddNode", qnn.Success)

	// A graph output that no node produces.
	mw = NewModelWrapper(be, backend, "g2", []string{"A"}, []string{"Y", "missing"}, constB())
	require.NoError(t, AddNode(mw, gemmNode(nil, f32("A", 1, 2), f32("B", 2, 3))))
	_, err = ComposeModel(be, ctx, mw, nil)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}
