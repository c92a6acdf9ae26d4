// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dynlib

import (
	"testing"

	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingOpener hands out sequential handles and records closes.
type recordingOpener struct {
	next    uintptr
	byPath  map[string]uintptr
	closed  []uintptr
	symbols map[string]uintptr
}

func newRecordingOpener() *recordingOpener {
	return &recordingOpener{next: 100, byPath: map[string]uintptr{}, symbols: map[string]uintptr{"entry": 0xbeef}}
}

func (o *recordingOpener) Open(path string) (uintptr, error) {
	if path == "missing.so" {
		return 0, errors.New("missing.so: cannot open shared object file")
	}
	if h, found := o.byPath[path]; found {
		return h, nil
	}
	o.next++
	o.byPath[path] = o.next
	return o.next, nil
}

func (o *recordingOpener) Symbol(_ uintptr, name string) (uintptr, error) {
	if addr, found := o.symbols[name]; found {
		return addr, nil
	}
	return 0, errors.Errorf("undefined symbol: %s", name)
}

func (o *recordingOpener) Close(module uintptr) error {
	o.closed = append(o.closed, module)
	return nil
}

func TestLoader(t *testing.T) {
	opener := newRecordingOpener()
	l := NewLoader(opener)

	a, err := l.Load("a.so")
	require.NoError(t, err)
	b, err := l.Load("b.so")
	require.NoError(t, err)
	again, err := l.Load("a.so")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Equal(t, 2, l.NumLoaded())

	addr, err := l.Resolve(a, "entry")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xbeef), addr)

	_, err = l.Resolve(a, "nope")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.LibraryLoadFailure))

	_, err = l.Load("missing.so")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.LibraryLoadFailure))
	assert.Contains(t, err.Error(), "cannot open shared object file")

	require.NoError(t, l.UnloadAll())
	assert.Equal(t, []uintptr{b, a}, opener.closed)
	assert.Zero(t, l.NumLoaded())
	require.NoError(t, l.UnloadAll())
	assert.Len(t, opener.closed, 2)
}

func TestLoaderDuplicateHandle(t *testing.T) {
	opener := newRecordingOpener()
	opener.byPath["link.so"] = 101
	l := NewLoader(opener)
	h, err := l.Load("real.so") // Gets 101.
	require.NoError(t, err)
	h2, err := l.Load("link.so")
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	assert.Equal(t, 1, l.NumLoaded())
	assert.Equal(t, []uintptr{101}, opener.closed)
}
