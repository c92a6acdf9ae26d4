// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build arm64 || (amd64 && windows)

package cabi

// opConfigByReference is true where a Qnn_OpConfig_t argument is passed as a pointer to a caller copy.
const opConfigByReference = true
