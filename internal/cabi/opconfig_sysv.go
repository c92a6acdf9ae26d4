// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build amd64 && (darwin || freebsd || linux)

package cabi

// System V amd64 copies a Qnn_OpConfig_t argument onto the stack, which purego.SyscallN can't do.
const opConfigByReference = false
