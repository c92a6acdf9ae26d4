// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build windows && (amd64 || arm64)

package cabi

import (
	"golang.org/x/sys/windows"
	"k8s.io/klog/v2"
)

// lookupVsnprintf returns the address of the C runtime's _vsnprintf, or 0 if it can't be found, in
// which case backend messages are logged unformatted.
func lookupVsnprintf() uintptr {
	proc := windows.NewLazySystemDLL("msvcrt.dll").NewProc("_vsnprintf")
	if err := proc.Find(); err != nil {
		klog.Warningf("cabi: resolving _vsnprintf: %v", err)
		return 0
	}
	return proc.Addr()
}
