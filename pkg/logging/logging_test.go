// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestKlogLogger(t *testing.T) {
	l := NewKlogLogger(Error)
	assert.Equal(t, Error, l.Severity())
	// Below threshold: silently dropped; must not panic.
	l.Logf(Verbose, "dropped %d", 1)
	l.Logf(Fatal, "reported as error %d", 2)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "WARNING", Warning.String())
	assert.Equal(t, "Severity(42)", Severity(42).String())
}
