// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	got, err := ReplaceTildeInDir("~/profiles")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "profiles"), got)

	got, err = ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got)
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	got, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = FileExists(filepath.Join(dir, "nothing"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSibling(t *testing.T) {
	assert.Equal(t, "libQnnSystem.so", Sibling("libQnnHtp.so", "libQnnSystem.so"))
	assert.Equal(t, filepath.Join("/opt/qnn/lib", "libQnnSystem.so"), Sibling("/opt/qnn/lib/libQnnHtp.so", "libQnnSystem.so"))
}
