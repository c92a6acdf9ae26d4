// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"

	"github.com/gomlx/go-qnn/pkg/builder"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/qnn/qnntest"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContexts(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	config := testConfig(sdk)
	config.ContextPriority = PriorityHigh
	m := setup(t, sdk, config, SetupOptions{})

	first := must.M1(m.Context(0))
	assert.Equal(t, []qnn.ContextConfig{{Option: qnn.ContextConfigPriority, Priority: qnn.PriorityHigh}},
		be.ContextConfigs(first))

	shared := must.M1(m.CreateContext(true))
	assert.Equal(t, []qnn.ContextConfig{
		{Option: qnn.ContextConfigPriority, Priority: qnn.PriorityHigh},
		{Option: qnn.ContextConfigHtpWeightSharing, WeightSharing: true},
	}, be.ContextConfigs(shared))
	assert.Equal(t, []qnn.ContextHandle{first, shared}, m.Contexts())
	assert.Equal(t, shared, must.M1(m.Context(1)))

	for _, index := range []int{-1, 2} {
		_, err := m.Context(index)
		assert.Equal(t, status.NotFound, status.CodeOf(err), "index %d", index)
	}

	// Ownership transfer of an externally created context.
	external := must.M1(be.ContextCreate(m.BackendHandle(), m.DeviceHandle(), nil))
	require.NoError(t, m.AddContextHandle(external))
	assert.Equal(t, 3, m.NumContexts())
	assert.Equal(t, status.InvalidArgument, status.CodeOf(m.AddContextHandle(external)))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(m.AddContextHandle(0)))
	assert.Equal(t, 3, be.LiveHandlesOf(qnntest.KindContext))

	require.NoError(t, m.Close())
	assert.Zero(t, be.LiveHandlesOf(qnntest.KindContext))
	assert.Zero(t, m.NumContexts())
	_, err := m.Context(0)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestLoadFromCachedContextCreatesNoContext(t *testing.T) {
	sdk := qnntest.New()
	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true})
	assert.Zero(t, m.NumContexts())
	_, err := m.Context(0)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
	_, err = m.GetContextBinaryBuffer()
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestMemHandles(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	m := setup(t, sdk, testConfig(sdk), SetupOptions{})
	ctx := must.M1(m.Context(0))
	tensor := &qnn.Tensor{Name: "A", DataType: qnn.DataTypeFloat32, Dimensions: []uint32{1, 2}}

	buf := sdk.Memory.Alloc(64)
	addr := qnntest.Address(buf)
	h := must.M1(m.GetOrRegisterContextMemHandle(ctx, addr, tensor))
	assert.NotZero(t, h)
	assert.Equal(t, h, must.M1(m.GetOrRegisterContextMemHandle(ctx, addr, tensor)), "same (context, address), same handle")
	assert.Equal(t, 1, be.NumMemRegistrations())

	// Another address in the same allocation.
	h2 := must.M1(m.GetOrRegisterContextMemHandle(ctx, addr+16, tensor))
	assert.NotEqual(t, h, h2)
	assert.Equal(t, 2, m.NumMemHandles(ctx))
	assert.Equal(t, 2, be.LiveHandlesOf(qnntest.KindMem))

	// Freeing the allocation deregisters both.
	require.NoError(t, sdk.Memory.Free(buf))
	assert.Zero(t, m.NumMemHandles(ctx))
	assert.Zero(t, be.LiveHandlesOf(qnntest.KindMem))

	// Registering again after the free is a new registration.
	buf = sdk.Memory.Alloc(64)
	h3 := must.M1(m.GetOrRegisterContextMemHandle(ctx, qnntest.Address(buf), tensor))
	assert.NotZero(t, h3)
	assert.Equal(t, 3, be.NumMemRegistrations())
	require.NoError(t, sdk.Memory.Free(buf))

	// Failures.
	_, err := m.GetOrRegisterContextMemHandle(qnn.ContextHandle(0xdead), addr, tensor)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
	notShared := make([]byte, 8)
	_, err = m.GetOrRegisterContextMemHandle(ctx, qnntest.Address(notShared), tensor)
	assert.Equal(t, status.MemoryHandleRegistrationFailure, status.CodeOf(err))
	buf = sdk.Memory.Alloc(64)
	be.FailOn("memRegister", qnn.ErrorMemAlreadyRegistered)
	_, err = m.GetOrRegisterContextMemHandle(ctx, qnntest.Address(buf), tensor)
	assert.Equal(t, status.MemoryHandleRegistrationFailure, status.CodeOf(err))
	be.FailOn("memRegister", qnn.Success)
	assert.Zero(t, m.NumMemHandles(ctx))
	require.NoError(t, sdk.Memory.Free(buf))
}

func TestMemHandlesWithoutAllocator(t *testing.T) {
	sdk := qnntest.New()
	config := testConfig(sdk)
	config.SharedMemory = nil
	m := setup(t, sdk, config, SetupOptions{})
	buf := sdk.Memory.Alloc(16)
	_, err := m.GetOrRegisterContextMemHandle(must.M1(m.Context(0)), qnntest.Address(buf),
		&qnn.Tensor{Name: "A", DataType: qnn.DataTypeFloat32, Dimensions: []uint32{2}})
	assert.Equal(t, status.MemoryHandleRegistrationFailure, status.CodeOf(err))
}

func TestMemHandlesOutliveContext(t *testing.T) {
	sdk := qnntest.New()
	m := NewManager(testConfig(sdk))
	require.NoError(t, m.SetupBackend(SetupOptions{}))
	ctx := must.M1(m.Context(0))
	buf := sdk.Memory.Alloc(32)
	tensor := &qnn.Tensor{Name: "A", DataType: qnn.DataTypeFloat32, Dimensions: []uint32{2}}
	must.M1(m.GetOrRegisterContextMemHandle(ctx, qnntest.Address(buf), tensor))

	// The context (and its registrations) go first, the allocation later.
	require.NoError(t, m.Close())
	assert.Zero(t, sdk.LiveHandles())
	require.NoError(t, sdk.Memory.Free(buf))
	assert.Zero(t, sdk.LiveHandles())
	assert.Zero(t, m.NumMemHandles(ctx))
}

func TestExecuteWithMemHandles(t *testing.T) {
	sdk := qnntest.New()
	m := setup(t, sdk, testConfig(sdk), SetupOptions{})
	model := must.M1(m.ComposeModel(buildGemm(t, m, "gemm_graph", false), 0))

	in := sdk.Memory.Alloc(8)
	copy(in, float32Bytes(1, 2))
	inputs := model.Inputs()
	mem := must.M1(m.GetOrRegisterContextMemHandle(model.Context(), qnntest.Address(in), &inputs[0]))
	out := make([]byte, 3*4)
	require.NoError(t, model.Execute([]builder.Buffer{{Mem: mem}}, []builder.Buffer{{Data: out}}, 0))
	assert.Equal(t, gemmWant, float32Values(out))
	require.NoError(t, sdk.Memory.Free(in))
}
