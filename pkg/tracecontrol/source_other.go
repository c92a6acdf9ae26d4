// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !windows || !(amd64 || arm64)

package tracecontrol

// PlatformSource returns nil: there is no trace-control facility on this platform, notifications
// only come from Manager.Notify.
func PlatformSource() Source { return nil }
