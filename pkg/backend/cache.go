// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"maps"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-qnn/internal/handles"
	"github.com/gomlx/go-qnn/pkg/builder"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// GetContextBinaryBuffer serializes every context, in order of creation, into one buffer: the
// concatenation of the backend's context binaries, with nothing added.
func (m *Manager) GetContextBinaryBuffer() ([]byte, error) {
	iface := m.Interface()
	if iface == nil {
		return nil, status.Errorf(status.NotInitialized, "serializing contexts: backend not initialized")
	}
	contexts := m.Contexts()
	if len(contexts) == 0 {
		return nil, status.Errorf(status.NotFound, "no contexts to serialize")
	}
	var buffer []byte
	for i, h := range contexts {
		size, err := iface.ContextGetBinarySize(h)
		if err != nil {
			return nil, status.Wrapf(err, status.Fail, "failed to get binary size of context #%d", i)
		}
		start := len(buffer)
		buffer = slices.Grow(buffer, int(size))[:start+int(size)]
		written, err := iface.ContextGetBinary(h, buffer[start:])
		if err != nil {
			return nil, status.Wrapf(err, status.Fail, "failed to get binary of context #%d", i)
		}
		if written > size {
			return nil, status.Errorf(status.Fail, "context #%d wrote %d bytes, more than its reported size %d", i, written, size)
		}
		buffer = buffer[:start+int(written)]
	}
	klog.V(1).Infof("%d contexts serialized into %s", len(contexts), humanize.Bytes(uint64(len(buffer))))
	return buffer, nil
}

// walkContextBlobs calls fn for every context binary concatenated in buffer, with its binary info.
// Each binary reports its own size in its info; a binary that doesn't (info version 1) must be the
// last one.
func walkContextBlobs(sys qnn.SystemInterface, buffer []byte, fn func(blob []byte, info *qnn.BinaryInfo) error) error {
	if len(buffer) == 0 {
		return status.Errorf(status.InvalidArgument, "empty context cache buffer")
	}
	h, err := sys.SystemContextCreate()
	if err != nil {
		return status.Wrapf(err, status.Fail, "failed to create system context")
	}
	owned := handles.Own(h, sys.SystemContextFree)
	defer func() {
		if err := owned.Release(); err != nil {
			klog.Warningf("freeing system context: %v", err)
		}
	}()
	for offset := 0; offset < len(buffer); {
		rest := buffer[offset:]
		info, err := sys.SystemContextGetBinaryInfo(owned.Get(), rest)
		if err != nil {
			return status.Wrapf(err, status.ContextCacheVersionMismatch, "reading the context binary at offset %d", offset)
		}
		size := info.ContextBlobSize
		if size == 0 {
			size = uint64(len(rest))
		}
		if size > uint64(len(rest)) {
			return status.Errorf(status.ContextCacheVersionMismatch,
				"context binary at offset %d has %d bytes, but the buffer only has %d left", offset, size, len(rest))
		}
		if err := fn(rest[:size], info); err != nil {
			return err
		}
		offset += int(size)
	}
	return nil
}

// lockedCheckBinaryInfo verifies a context binary was built for this backend. It must be called
// with m.mu held.
func (m *Manager) lockedCheckBinaryInfo(info *qnn.BinaryInfo) error {
	if info.BackendID != m.backendID {
		return status.Errorf(status.ContextCacheVersionMismatch, "context binary built for backend %s, running %s",
			info.BackendID, m.backendID)
	}
	if !m.coreAPIVersion.Satisfies(info.CoreAPIVersion) {
		return status.Errorf(status.ContextCacheVersionMismatch, "context binary built with core API %s, backend has %s",
			info.CoreAPIVersion, m.coreAPIVersion)
	}
	return nil
}

// LoadCachedContextsFromBuffer creates a context from each binary concatenated in buffer and
// retrieves its graphs into models. If the buffer holds a single graph, it is stored under nodeName
// (if not empty), otherwise graphs are stored under their names.
//
// If maxSpillFill > 0, the contexts share one spill-fill buffer of that size (HTP), and loading
// fails with status.SpillBufferNegotiationFailed if a graph needs more or doesn't report its size.
//
// SetupBackend must have been called with NeedSystemLib. On failure, the contexts created by the
// call are released and models is left untouched.
func (m *Manager) LoadCachedContextsFromBuffer(buffer []byte, nodeName string, models map[string]*builder.Model,
	maxSpillFill uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockedReady(); err != nil {
		return err
	}
	if m.system == nil {
		return status.Errorf(status.NotInitialized, "loading cached contexts requires the system library (SetupOptions.NeedSystemLib)")
	}
	var (
		loaded    []qnn.ContextHandle
		retrieved = make(map[string]*builder.Model)
		order     []string
	)
	err := walkContextBlobs(m.system, buffer, func(blob []byte, info *qnn.BinaryInfo) error {
		if err := m.lockedCheckBinaryInfo(info); err != nil {
			return err
		}
		configs := m.lockedContextConfigs(false)
		if maxSpillFill > 0 {
			for _, g := range info.Graphs {
				if !g.HasSpillFill {
					return status.Errorf(status.SpillBufferNegotiationFailed,
						"graph %q doesn't report its spill-fill buffer size (binary info version %d)", g.Name, info.Version)
				}
				if g.SpillFillBufferSize > maxSpillFill {
					return status.Errorf(status.SpillBufferNegotiationFailed,
						"graph %q needs a spill-fill buffer of %s, the shared one has %s",
						g.Name, humanize.Bytes(g.SpillFillBufferSize), humanize.Bytes(maxSpillFill))
				}
			}
			if m.backendID == qnn.BackendIDHTP {
				// The first context allocates the shared buffer, the others join its group.
				var group qnn.ContextHandle
				if len(loaded) > 0 {
					group = loaded[0]
				}
				configs = append(configs, qnn.ContextConfig{
					Option:                 qnn.ContextConfigHtpSpillFill,
					MaxSpillFillBufferSize: maxSpillFill,
					Group:                  group,
				})
			}
		}
		h, err := m.iface.ContextCreateFromBinary(m.backend.Get(), m.device.Get(), configs, blob, m.ProfileHandle())
		if err != nil {
			code := status.Fail
			var callErr *qnn.CallError
			if errors.As(err, &callErr) && callErr.Code == qnn.ErrorContextBinaryVersion {
				code = status.ContextCacheVersionMismatch
			}
			return status.Wrapf(err, code, "failed to create context from a binary of %s", humanize.Bytes(uint64(len(blob))))
		}
		m.addContextRecord(newContextRecord(m.iface, h))
		loaded = append(loaded, h)
		for i := range info.Graphs {
			name := info.Graphs[i].Name
			if _, found := retrieved[name]; found {
				return status.Errorf(status.InvalidArgument, "graph %q found in more than one cached context", name)
			}
			model, err := builder.RetrieveModel(m.iface, h, &info.Graphs[i])
			if err != nil {
				return err
			}
			retrieved[name] = model
			order = append(order, name)
		}
		return nil
	})
	if err != nil {
		if len(loaded) > 0 {
			if releaseErr := m.removeContexts(loaded); releaseErr != nil {
				klog.Errorf("releasing contexts of a failed cache load: %+v", releaseErr)
			}
		}
		return errors.WithMessagef(err, "loading cached contexts for node %q", nodeName)
	}
	if len(order) == 1 && nodeName != "" {
		models[nodeName] = retrieved[order[0]]
	} else {
		maps.Copy(models, retrieved)
	}
	klog.V(1).Infof("node %q: %d contexts with graphs %q loaded from %s of cache",
		nodeName, len(loaded), order, humanize.Bytes(uint64(len(buffer))))
	return nil
}

// MaxSpillFillBufferSize returns the largest spill-fill buffer needed by the graphs in the given
// context caches, each a concatenation of context binaries. Caches are inspected concurrently.
//
// It fails with status.SpillBufferNegotiationFailed if the size of some graph can't be read.
func (m *Manager) MaxSpillFillBufferSize(caches ...[]byte) (uint64, error) {
	m.mu.Lock()
	err := m.lockedReady()
	sys := m.system
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if sys == nil {
		return 0, status.Errorf(status.NotInitialized, "reading context binaries requires the system library (SetupOptions.NeedSystemLib)")
	}
	if len(caches) == 0 {
		return 0, status.Errorf(status.InvalidArgument, "no context caches given")
	}
	sizes := make([]uint64, len(caches))
	var g errgroup.Group
	for i, cache := range caches {
		g.Go(func() error {
			return walkContextBlobs(sys, cache, func(_ []byte, info *qnn.BinaryInfo) error {
				for _, graph := range info.Graphs {
					if !graph.HasSpillFill {
						return status.Errorf(status.SpillBufferNegotiationFailed,
							"graph %q doesn't report its spill-fill buffer size (binary info version %d)", graph.Name, info.Version)
					}
					sizes[i] = max(sizes[i], graph.SpillFillBufferSize)
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, status.Wrapf(err, status.SpillBufferNegotiationFailed, "negotiating the spill-fill buffer size")
	}
	size := slices.Max(sizes)
	klog.V(1).Infof("max spill-fill buffer size of %d caches: %s", len(caches), humanize.Bytes(size))
	return size, nil
}

// ContextBinaryInfos returns the binary info of each context binary concatenated in buffer, in
// order. It requires the system library (SetupOptions.NeedSystemLib) but no matching backend: the
// binaries are only read, not loaded.
func (m *Manager) ContextBinaryInfos(buffer []byte) ([]*qnn.BinaryInfo, error) {
	m.mu.Lock()
	err := m.lockedReady()
	sys := m.system
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if sys == nil {
		return nil, status.Errorf(status.NotInitialized, "reading context binaries requires the system library (SetupOptions.NeedSystemLib)")
	}
	var infos []*qnn.BinaryInfo
	err = walkContextBlobs(sys, buffer, func(_ []byte, info *qnn.BinaryInfo) error {
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}
