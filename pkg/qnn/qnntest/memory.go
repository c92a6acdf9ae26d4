// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnntest

import (
	"sync"
	"unsafe"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

// SharedMemory is a fake allocator of fd-backed shared buffers.
//
// Buffers are Go byte slices; each allocation gets a fake file descriptor that fake backends use to
// find the bytes of a registered memory handle. Free runs the cleanup callbacks registered for the
// allocation, like the real allocator does when the runtime frees a tensor.
type SharedMemory struct {
	mu     sync.Mutex
	nextFD int32
	allocs map[uintptr]*allocation // By base address.
	byFD   map[int32]*allocation
}

type allocation struct {
	fd       int32
	buf      []byte
	cleanups []cleanup
}

type cleanup struct {
	key string
	fn  func()
}

// NewSharedMemory returns an empty allocator.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{
		nextFD: 100,
		allocs: make(map[uintptr]*allocation),
		byFD:   make(map[int32]*allocation),
	}
}

// Alloc returns a new zeroed shared buffer of size bytes (size > 0).
func (m *SharedMemory) Alloc(size int) []byte {
	buf := make([]byte, size)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFD++
	a := &allocation{fd: m.nextFD, buf: buf}
	m.allocs[Address(buf)] = a
	m.byFD[a.fd] = a
	return buf
}

// Free releases the allocation whose base is buf, running its cleanup callbacks in registration
// order. Callbacks run without the allocator lock held.
func (m *SharedMemory) Free(buf []byte) error {
	m.mu.Lock()
	a, found := m.allocs[Address(buf)]
	if !found {
		m.mu.Unlock()
		return errors.Errorf("qnntest: freeing unknown shared buffer 0x%x", Address(buf))
	}
	delete(m.allocs, Address(buf))
	delete(m.byFD, a.fd)
	m.mu.Unlock()
	for _, c := range a.cleanups {
		c.fn()
	}
	return nil
}

// NumAllocations returns the number of live allocations.
func (m *SharedMemory) NumAllocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocs)
}

// lockedFind returns the allocation containing address. It must be called with m.mu held.
func (m *SharedMemory) lockedFind(address uintptr) *allocation {
	for base, a := range m.allocs {
		if address >= base && address < base+uintptr(len(a.buf)) {
			return a
		}
	}
	return nil
}

// SharedBufferInfo returns where address lives in its allocation.
func (m *SharedMemory) SharedBufferInfo(address uintptr) (qnn.SharedBufferInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.lockedFind(address)
	if a == nil {
		return qnn.SharedBufferInfo{}, errors.Errorf("qnntest: address 0x%x is not in a shared buffer", address)
	}
	return qnn.SharedBufferInfo{
		FD:        a.fd,
		Offset:    uint64(address - Address(a.buf)),
		TotalSize: uint64(len(a.buf)),
	}, nil
}

// AddCleanup registers fn to run when the allocation containing address is freed. Keys must be
// unique per allocation.
func (m *SharedMemory) AddCleanup(address uintptr, key string, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.lockedFind(address)
	if a == nil {
		return errors.Errorf("qnntest: address 0x%x is not in a shared buffer", address)
	}
	for _, c := range a.cleanups {
		if c.key == key {
			return errors.Errorf("qnntest: cleanup %q already registered for allocation fd=%d", key, a.fd)
		}
	}
	a.cleanups = append(a.cleanups, cleanup{key: key, fn: fn})
	return nil
}

// bytes returns the region [offset, offset+size) of the allocation with the given fd.
func (m *SharedMemory) bytes(fd int32, offset, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, found := m.byFD[fd]
	if !found {
		return nil, errors.Errorf("qnntest: unknown shared buffer fd %d", fd)
	}
	if offset+size > uint64(len(a.buf)) {
		return nil, errors.Errorf("qnntest: region [%d, %d) out of shared buffer fd %d of %d bytes",
			offset, offset+size, fd, len(a.buf))
	}
	return a.buf[offset : offset+size], nil
}

// Address returns the address of the first byte of buf.
func Address(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
