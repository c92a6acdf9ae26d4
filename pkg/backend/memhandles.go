// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"slices"
	"weak"

	"github.com/gomlx/go-qnn/internal/handles"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// AllocationTracker is the allocator of shared (fd-backed) buffers that tensors can be registered
// from.
type AllocationTracker interface {
	// SharedBufferInfo locates address in its allocation.
	SharedBufferInfo(address uintptr) (qnn.SharedBufferInfo, error)

	// AddCleanup registers fn to be called when the allocation containing address is freed. key is
	// unique per allocation.
	AddCleanup(address uintptr, key string, fn func()) error
}

// GetOrRegisterContextMemHandle returns the memory handle of the shared buffer at address for
// tensor in context, registering it with the backend on first use. Registering the same
// (context, address) pair again returns the same handle.
//
// The handle is deregistered when the context is released, or earlier if the allocator frees the
// buffer. Callers must not release context while a call for it is in flight.
func (m *Manager) GetOrRegisterContextMemHandle(context qnn.ContextHandle, address uintptr, tensor *qnn.Tensor) (qnn.MemHandle, error) {
	r := m.record(context)
	if r == nil {
		return 0, status.Errorf(status.NotFound, "context 0x%x is not owned by the backend manager", uintptr(context))
	}
	r.memMu.Lock()
	defer r.memMu.Unlock()
	if r.mems == nil {
		return 0, status.Errorf(status.NotFound, "context 0x%x was released", uintptr(context))
	}
	if mem, found := r.mems[address]; found {
		return mem.Get(), nil
	}

	tracker := m.config.SharedMemory
	if tracker == nil {
		return 0, status.Errorf(status.MemoryHandleRegistrationFailure, "no shared memory allocator configured")
	}
	info, err := tracker.SharedBufferInfo(address)
	if err != nil {
		return 0, status.Wrapf(err, status.MemoryHandleRegistrationFailure, "address 0x%x of tensor %q", address, tensor.Name)
	}
	h, err := r.iface.MemRegister(context, qnn.MemDescriptor{
		Dimensions: slices.Clone(tensor.Dimensions),
		DataType:   tensor.DataType,
		MemType:    qnn.MemTypeCustom,
		FD:         info.FD,
		Offset:     info.Offset,
		TotalSize:  info.TotalSize,
	})
	if err != nil {
		return 0, status.Wrapf(err, status.MemoryHandleRegistrationFailure, "registering memory of tensor %q", tensor.Name)
	}
	mem := handles.Own(h, r.iface.MemDeRegister)

	// The allocator may free the buffer after the record (or the whole Manager) is gone.
	wr := weak.Make(r)
	cleanup := func() {
		if r := wr.Value(); r != nil {
			r.releaseMem(address)
		}
	}
	if err := tracker.AddCleanup(address, "qnn-mem-"+uuid.NewString(), cleanup); err != nil {
		if releaseErr := mem.Release(); releaseErr != nil {
			klog.Warningf("deregistering memory of tensor %q: %v", tensor.Name, releaseErr)
		}
		return 0, status.Wrapf(err, status.MemoryHandleRegistrationFailure, "tracking memory of tensor %q", tensor.Name)
	}
	r.mems[address] = mem
	klog.V(2).Infof("registered mem handle 0x%x for tensor %q (fd=%d, offset=%d)", uintptr(h), tensor.Name, info.FD, info.Offset)
	return h, nil
}

// releaseMem deregisters the memory handle of address, if the record still has it.
func (r *contextRecord) releaseMem(address uintptr) {
	r.memMu.Lock()
	mem, found := r.mems[address]
	delete(r.mems, address)
	r.memMu.Unlock()
	if !found {
		return
	}
	if err := mem.Release(); err != nil {
		klog.Warningf("deregistering memory at 0x%x: %v", address, err)
	}
}

// NumMemHandles returns the number of memory handles registered with context.
func (m *Manager) NumMemHandles(context qnn.ContextHandle) int {
	r := m.record(context)
	if r == nil {
		return 0
	}
	r.memMu.Lock()
	defer r.memMu.Unlock()
	return len(r.mems)
}
