// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (amd64 || arm64) && (darwin || freebsd || linux || windows)

package cabi

import (
	"testing"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultResolver(t *testing.T) {
	_, ok := Default().(resolver)
	assert.True(t, ok, "native calls are available on this platform")
}

func TestOpConfigABI(t *testing.T) {
	// An empty table: every call reports ErrorCommonNotSupported without reaching native code.
	c := &coreInterface{}
	op := &qnn.OpConfig{Name: "fc", PackageName: "qti.aisw", TypeName: "FullyConnected"}
	for name, fn := range map[string]func() error{
		"graphAddNode":            func() error { return c.GraphAddNode(1, op) },
		"backendValidateOpConfig": func() error { return c.BackendValidateOpConfig(1, op) },
	} {
		err := fn()
		var callErr *qnn.CallError
		require.ErrorAs(t, err, &callErr, name)
		assert.Equal(t, name, callErr.Func)
		assert.Equal(t, qnn.ErrorCommonNotSupported, callErr.Code)
		if opConfigByReference {
			assert.NotContains(t, callErr.Message, "by value")
		} else {
			assert.Contains(t, callErr.Message, "by value")
		}
	}

	// Entry points without by-value structs are never gated.
	_, err := c.ContextGetBinarySize(1)
	var callErr *qnn.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "contextGetBinarySize", callErr.Func)
	assert.Empty(t, callErr.Message)
}
