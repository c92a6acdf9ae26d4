// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build windows && (amd64 || arm64)

package tracecontrol

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// ProviderGUID identifies the process' ETW provider: {5F1A4B3E-9C2D-4E8F-A17B-3C6D2E904418}.
var ProviderGUID = windows.GUID{
	Data1: 0x5f1a4b3e,
	Data2: 0x9c2d,
	Data3: 0x4e8f,
	Data4: [8]byte{0xa1, 0x7b, 0x3c, 0x6d, 0x2e, 0x90, 0x44, 0x18},
}

var (
	advapi32            = windows.NewLazySystemDLL("advapi32.dll")
	procEventRegister   = advapi32.NewProc("EventRegister")
	procEventUnregister = advapi32.NewProc("EventUnregister")

	// Go callbacks are a limited resource: all sources share one.
	enableCallbackOnce sync.Once
	enableCallbackPtr  uintptr
	activeSource       atomic.Pointer[etwSource]
)

// etwSource registers ProviderGUID with ETW and translates its enable callbacks.
type etwSource struct {
	mu     sync.Mutex
	handle uint64
	notify atomic.Pointer[func(Notification)]
}

// PlatformSource returns the ETW source.
func PlatformSource() Source { return &etwSource{} }

// enableCallback implements the ETW EnableCallback (PENABLECALLBACK).
func enableCallback(sourceID, isEnabled, level, matchAnyKeyword, matchAllKeyword, filterData, context uintptr) uintptr {
	s := activeSource.Load()
	if s == nil {
		return 0
	}
	if notify := s.notify.Load(); notify != nil {
		(*notify)(Notification{
			Control:         ControlCode(isEnabled),
			Level:           Level(level),
			MatchAnyKeyword: Keyword(matchAnyKeyword),
			MatchAllKeyword: Keyword(matchAllKeyword),
		})
	}
	return 0
}

// Register implements Source.
func (s *etwSource) Register(notify func(Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != 0 {
		return errors.New("ETW provider already registered")
	}
	if !activeSource.CompareAndSwap(nil, s) {
		return errors.New("another ETW source is registered in this process")
	}
	enableCallbackOnce.Do(func() { enableCallbackPtr = windows.NewCallback(enableCallback) })
	s.notify.Store(&notify)
	r, _, _ := procEventRegister.Call(
		uintptr(unsafe.Pointer(&ProviderGUID)),
		enableCallbackPtr,
		0,
		uintptr(unsafe.Pointer(&s.handle)))
	if r != 0 {
		activeSource.Store(nil)
		s.notify.Store(nil)
		return errors.Wrap(windows.Errno(r), "EventRegister")
	}
	return nil
}

// Unregister implements Source.
func (s *etwSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return nil
	}
	r, _, _ := procEventUnregister.Call(uintptr(s.handle))
	s.handle = 0
	s.notify.Store(nil)
	activeSource.CompareAndSwap(s, nil)
	if r != 0 {
		return errors.Wrap(windows.Errno(r), "EventUnregister")
	}
	return nil
}
