// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"slices"
	"testing"

	"github.com/gomlx/go-qnn/pkg/builder"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/qnn/qnntest"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCache composes one gemm graph per name, each in its own context, and returns the serialized
// contexts.
func writeCache(t *testing.T, sdk *qnntest.SDK, transA bool, graphNames ...string) []byte {
	m := NewManager(testConfig(sdk))
	defer func() { require.NoError(t, m.Close()) }()
	require.NoError(t, m.SetupBackend(SetupOptions{LoadFromCachedContext: true}))
	for i, name := range graphNames {
		must.M1(m.CreateContext(false))
		must.M1(m.ComposeModel(buildGemm(t, m, name, transA), i))
	}
	return must.M1(m.GetContextBinaryBuffer())
}

func TestContextCacheRoundTrip(t *testing.T) {
	sdk := qnntest.New()
	cache := writeCache(t, sdk, false, "g1", "g2")
	assert.Zero(t, sdk.LiveHandles(), "the writer released everything")

	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	models := make(map[string]*builder.Model)
	require.NoError(t, m.LoadCachedContextsFromBuffer(cache, "node", models, 0))
	assert.Equal(t, 2, m.NumContexts())
	require.Len(t, models, 2)
	for _, name := range []string{"g1", "g2"} {
		model := models[name]
		require.NotNil(t, model, "graph %q", name)
		assert.True(t, model.IsFinalized())
		assert.Equal(t, gemmWant, runGemm(t, model, m.ProfileHandle()))
	}
	assert.NotEqual(t, models["g1"].Context(), models["g2"].Context())
	assert.Equal(t, 2, sdk.System.NumQueries(), "one binary info query per context binary")
	assert.Zero(t, sdk.System.LiveHandles())
}

func TestContextCacheSingleGraph(t *testing.T) {
	sdk := qnntest.New()
	cache := writeCache(t, sdk, false, "g1")
	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	models := make(map[string]*builder.Model)
	require.NoError(t, m.LoadCachedContextsFromBuffer(cache, "node", models, 0))
	require.Len(t, models, 1)
	model := models["node"]
	require.NotNil(t, model, "a single graph is stored under the node name")
	assert.Equal(t, "g1", model.Name())
	assert.Equal(t, gemmWant, runGemm(t, model, 0))
}

func TestContextCacheOldBinaryInfo(t *testing.T) {
	// Version 1 binaries don't report their size: a single one is the whole buffer.
	sdk := qnntest.New()
	sdk.Backend.BinaryInfoVersion = 1
	cache := writeCache(t, sdk, false, "g1")
	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	models := make(map[string]*builder.Model)
	require.NoError(t, m.LoadCachedContextsFromBuffer(cache, "", models, 0))
	require.NotNil(t, models["g1"], "without a node name graphs keep their names")
}

func TestContextCacheErrors(t *testing.T) {
	sdk := qnntest.New()
	cache := writeCache(t, sdk, false, "g1")

	t.Run("system library not loaded", func(t *testing.T) {
		m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true})
		err := m.LoadCachedContextsFromBuffer(cache, "node", map[string]*builder.Model{}, 0)
		assert.Equal(t, status.NotInitialized, status.CodeOf(err))
	})

	t.Run("not initialized", func(t *testing.T) {
		m := NewManager(testConfig(sdk))
		err := m.LoadCachedContextsFromBuffer(cache, "node", map[string]*builder.Model{}, 0)
		assert.Equal(t, status.NotInitialized, status.CodeOf(err))
	})

	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	testCases := []struct {
		name     string
		buffer   []byte
		wantCode status.Code
	}{
		{"empty", nil, status.InvalidArgument},
		{"garbage", []byte("definitely not a context binary"), status.ContextCacheVersionMismatch},
		{"truncated", cache[:len(cache)-5], status.ContextCacheVersionMismatch},
		{"duplicate graph", slices.Concat(cache, cache), status.InvalidArgument},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			models := make(map[string]*builder.Model)
			err := m.LoadCachedContextsFromBuffer(tc.buffer, "node", models, 0)
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, status.CodeOf(err), "error: %+v", err)
			assert.Empty(t, models)
			assert.Zero(t, m.NumContexts(), "contexts of a failed load are released")
			assert.Zero(t, sdk.Backend.LiveHandlesOf(qnntest.KindContext))
		})
	}

	t.Run("context creation", func(t *testing.T) {
		sdk.Backend.FailOn("contextCreateFromBinary", qnn.ErrorContextBinaryVersion)
		defer sdk.Backend.FailOn("contextCreateFromBinary", qnn.Success)
		err := m.LoadCachedContextsFromBuffer(cache, "node", map[string]*builder.Model{}, 0)
		assert.Equal(t, status.ContextCacheVersionMismatch, status.CodeOf(err))
		assert.Zero(t, m.NumContexts())
	})
}

func TestContextCacheBackendMismatch(t *testing.T) {
	sdk := qnntest.New()
	cache := writeCache(t, sdk, false, "g1")

	const cpuPath = "/fake/qnn/libQnnCpu.so"
	cpu := qnntest.NewBackend(qnn.BackendIDCPU, nil)
	sdk.AddBackend(cpuPath, cpu)
	config := testConfig(sdk)
	config.BackendPath = cpuPath
	m := setup(t, sdk, config, SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	models := make(map[string]*builder.Model)
	err := m.LoadCachedContextsFromBuffer(cache, "node", models, 0)
	assert.Equal(t, status.ContextCacheVersionMismatch, status.CodeOf(err))
	assert.Empty(t, models)
	assert.Zero(t, cpu.LiveHandlesOf(qnntest.KindContext))
}

func TestContextCacheCoreAPIMismatch(t *testing.T) {
	sdk := qnntest.New()
	sdk.Backend.CoreAPIVersion = qnn.Version{Major: 2, Minor: 25}
	cache := writeCache(t, sdk, false, "g1")

	// The runtime backend is older than the one that built the cache.
	sdk.Backend.CoreAPIVersion = qnn.Version{Major: 2, Minor: 20}
	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	err := m.LoadCachedContextsFromBuffer(cache, "node", map[string]*builder.Model{}, 0)
	assert.Equal(t, status.ContextCacheVersionMismatch, status.CodeOf(err))
}

func TestSpillFillNegotiation(t *testing.T) {
	sdk := qnntest.New()
	small := writeCache(t, sdk, false, "plain")
	withScratch := writeCache(t, sdk, true, "transposed_a", "transposed_b")

	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	assert.Zero(t, must.M1(m.MaxSpillFillBufferSize(small)))
	size := must.M1(m.MaxSpillFillBufferSize(small, withScratch))
	assert.Positive(t, size, "the transpose of A is an intermediate tensor")
	assert.Equal(t, size, must.M1(m.MaxSpillFillBufferSize(withScratch)))

	_, err := m.MaxSpillFillBufferSize()
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
	_, err = m.MaxSpillFillBufferSize(small, []byte("garbage"))
	assert.Equal(t, status.SpillBufferNegotiationFailed, status.CodeOf(err))

	// A shared buffer too small for the graphs.
	models := make(map[string]*builder.Model)
	err = m.LoadCachedContextsFromBuffer(withScratch, "", models, size-1)
	assert.Equal(t, status.SpillBufferNegotiationFailed, status.CodeOf(err))
	assert.Zero(t, m.NumContexts())

	// All contexts join the group of the first one.
	require.NoError(t, m.LoadCachedContextsFromBuffer(withScratch, "", models, size))
	contexts := m.Contexts()
	require.Len(t, contexts, 2)
	spillFill := func(h qnn.ContextHandle) qnn.ContextConfig {
		for _, c := range sdk.Backend.ContextConfigs(h) {
			if c.Option == qnn.ContextConfigHtpSpillFill {
				return c
			}
		}
		t.Fatalf("context 0x%x has no spill-fill config", uintptr(h))
		return qnn.ContextConfig{}
	}
	assert.Equal(t, size, spillFill(contexts[0]).MaxSpillFillBufferSize)
	assert.Zero(t, spillFill(contexts[0]).Group)
	assert.Equal(t, contexts[0], spillFill(contexts[1]).Group)
	assert.Equal(t, gemmWant, runGemm(t, models["transposed_b"], 0))
}

func TestSpillFillNotReported(t *testing.T) {
	sdk := qnntest.New()
	sdk.Backend.BinaryInfoVersion = 2
	cache := writeCache(t, sdk, true, "g1")
	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	_, err := m.MaxSpillFillBufferSize(cache)
	assert.Equal(t, status.SpillBufferNegotiationFailed, status.CodeOf(err))
	assert.Zero(t, sdk.System.LiveHandles())

	// Sharing a spill-fill buffer requires every graph to report its size.
	models := make(map[string]*builder.Model)
	err = m.LoadCachedContextsFromBuffer(cache, "node", models, 1<<20)
	assert.True(t, status.Is(err, status.SpillBufferNegotiationFailed), "unexpected error: %v", err)
	assert.Zero(t, m.NumContexts())
	assert.Empty(t, models)

	// Without a shared buffer the load doesn't need the size.
	require.NoError(t, m.LoadCachedContextsFromBuffer(cache, "node", models, 0))
	assert.Equal(t, 1, m.NumContexts())
}

func TestContextBinaryInfos(t *testing.T) {
	sdk := qnntest.New()
	cache := writeCache(t, sdk, false, "g1", "g2")
	m := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true, NeedSystemLib: true})
	infos := must.M1(m.ContextBinaryInfos(cache))
	require.Len(t, infos, 2)
	var total uint64
	for i, info := range infos {
		assert.Equal(t, qnn.BackendIDHTP, info.BackendID)
		assert.Equal(t, sdk.Backend.BuildID, info.BuildID)
		require.Len(t, info.Graphs, 1)
		assert.Equal(t, []string{"g1", "g2"}[i], info.Graphs[0].Name)
		total += info.ContextBlobSize
	}
	assert.Equal(t, uint64(len(cache)), total)
	assert.Zero(t, m.NumContexts(), "inspecting doesn't load contexts")

	noSystem := setup(t, sdk, testConfig(sdk), SetupOptions{LoadFromCachedContext: true})
	_, err := noSystem.ContextBinaryInfos(cache)
	assert.True(t, status.Is(err, status.NotInitialized), "unexpected error: %v", err)
}
