// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (amd64 || arm64) && (darwin || freebsd || linux)

package cabi

import (
	"runtime"

	"github.com/ebitengine/purego"
	"k8s.io/klog/v2"
)

func libcPath() string {
	switch runtime.GOOS {
	case "android":
		return "libc.so"
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	case "freebsd":
		return "libc.so.7"
	}
	return "libc.so.6"
}

// lookupVsnprintf returns the address of the C library's vsnprintf, or 0 if it can't be found, in
// which case backend messages are logged unformatted.
func lookupVsnprintf() uintptr {
	lib, err := purego.Dlopen(libcPath(), purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		klog.Warningf("cabi: loading %q: %v", libcPath(), err)
		return 0
	}
	addr, err := purego.Dlsym(lib, "vsnprintf")
	if err != nil {
		klog.Warningf("cabi: resolving vsnprintf: %v", err)
		return 0
	}
	return addr
}
