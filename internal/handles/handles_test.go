// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package handles

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwned(t *testing.T) {
	var freed []uintptr
	release := func(h uintptr) error {
		freed = append(freed, h)
		return nil
	}

	t.Run("ReleaseOnce", func(t *testing.T) {
		freed = nil
		o := Own[uintptr](7, release)
		require.True(t, o.Valid())
		assert.Equal(t, uintptr(7), o.Get())
		require.NoError(t, o.Release())
		require.NoError(t, o.Release())
		assert.Equal(t, []uintptr{7}, freed)
		assert.False(t, o.Valid())
		assert.Zero(t, o.Get())
	})

	t.Run("Take", func(t *testing.T) {
		freed = nil
		o := Own[uintptr](3, release)
		h, ok := o.Take()
		require.True(t, ok)
		assert.Equal(t, uintptr(3), h)
		require.NoError(t, o.Release())
		assert.Empty(t, freed)
		_, ok = o.Take()
		assert.False(t, ok)
	})

	t.Run("Empty", func(t *testing.T) {
		freed = nil
		var nilOwner *Owned[uintptr]
		require.NoError(t, nilOwner.Release())
		assert.False(t, nilOwner.Valid())
		require.NoError(t, Own[uintptr](0, release).Release())
		assert.Empty(t, freed)
	})

	t.Run("FailedReleaseEmpties", func(t *testing.T) {
		calls := 0
		o := Own[uintptr](1, func(uintptr) error {
			calls++
			return errors.New("boom")
		})
		require.Error(t, o.Release())
		require.NoError(t, o.Release())
		assert.Equal(t, 1, calls)
	})
}

func TestReleaseAll(t *testing.T) {
	var order []int
	mk := func(id int, fail bool) *Owned[int] {
		return Own(id, func(h int) error {
			order = append(order, h)
			if fail {
				return errors.Errorf("failed %d", h)
			}
			return nil
		})
	}
	err := ReleaseAll(mk(3, false), mk(2, true), mk(1, true))
	require.ErrorContains(t, err, "failed 2")
	assert.Equal(t, []int{3, 2, 1}, order)
}
