// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (amd64 || arm64) && (darwin || freebsd || linux || windows)

package cabi

import (
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/go-qnn/pkg/qnn"
)

// The native log callback carries no user data, so a single process-wide callback serves every
// log handle: messages go to the most recently created live log.
var (
	logCallbackOnce sync.Once
	logCallbackAddr uintptr
	vsnprintfAddr   uintptr

	logSinksMu sync.Mutex
	logSinks   []*logSink // Oldest first.
)

type logSink struct {
	handle   qnn.LogHandle
	callback qnn.LogCallback
}

// logCallback returns the address of the QnnLog_Callback_t shared by all log handles.
func logCallback() uintptr {
	logCallbackOnce.Do(func() {
		vsnprintfAddr = lookupVsnprintf()
		logCallbackAddr = purego.NewCallback(nativeLogCallback)
	})
	return logCallbackAddr
}

// pushLogSink registers callback before its log handle exists: the backend may log from within
// logCreate.
func pushLogSink(callback qnn.LogCallback) *logSink {
	logSinksMu.Lock()
	defer logSinksMu.Unlock()
	sink := &logSink{callback: callback}
	logSinks = append(logSinks, sink)
	return sink
}

func (s *logSink) setHandle(h qnn.LogHandle) {
	logSinksMu.Lock()
	defer logSinksMu.Unlock()
	s.handle = h
}

func removeLogSink(sink *logSink) {
	logSinksMu.Lock()
	defer logSinksMu.Unlock()
	logSinks = slices.DeleteFunc(logSinks, func(s *logSink) bool { return s == sink })
}

func removeLogHandle(h qnn.LogHandle) {
	logSinksMu.Lock()
	defer logSinksMu.Unlock()
	logSinks = slices.DeleteFunc(logSinks, func(s *logSink) bool { return s.handle == h })
}

func currentLogSink() qnn.LogCallback {
	logSinksMu.Lock()
	defer logSinksMu.Unlock()
	if len(logSinks) == 0 {
		return nil
	}
	return logSinks[len(logSinks)-1].callback
}

// nativeLogCallback has the signature of QnnLog_Callback_t:
//
//	void (*)(const char* fmt, QnnLog_Level_t level, uint64_t timestamp, va_list args)
//
// On every supported ABI the va_list reaches the callee as a single pointer-sized value, which is
// handed unchanged to vsnprintf.
func nativeLogCallback(format, level, timestamp, args uintptr) uintptr {
	callback := currentLogSink()
	if callback == nil {
		return 0
	}
	callback(qnn.LogLevel(level), uint64(timestamp), formatMessage(format, args))
	return 0
}

const maxLogMessageLen = 4096

// formatMessage expands a printf format with its va_list. The list can only be consumed once, so
// longer messages are truncated.
func formatMessage(format, args uintptr) string {
	if vsnprintfAddr == 0 {
		return goString(format)
	}
	buf := make([]byte, maxLogMessageLen)
	var pinner runtime.Pinner
	pinner.Pin(&buf[0])
	defer pinner.Unpin()
	r1, _, _ := purego.SyscallN(vsnprintfAddr, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), format, args)
	n := int(int32(r1))
	if n < 0 {
		return goString(format)
	}
	n = min(n, len(buf)-1)
	return string(buf[:n])
}
