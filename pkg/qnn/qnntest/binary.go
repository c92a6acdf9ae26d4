// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnntest

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/pkg/errors"
)

// Context binary layout (little-endian):
//
//	magic            [4]byte "QCTX"
//	infoVersion      uint32
//	backendID        uint32
//	coreAPI          3 x uint32
//	backendAPI       3 x uint32
//	blobSize         uint64 (whole blob, header included)
//	buildID          string
//	numGraphs        uint32, then per graph:
//	  name           string
//	  spillFill      uint64
//	  tensors        uint32 count + tensors
//	  ops            uint32 count + ops
//
// Strings are a uint32 length followed by the bytes.
var contextMagic = [4]byte{'Q', 'C', 'T', 'X'}

const blobSizeOffset = 4 + 4 + 4 + 12 + 12

type blobWriter struct {
	buf []byte
}

func (w *blobWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *blobWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *blobWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *blobWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *blobWriter) version(v qnn.Version) {
	w.u32(v.Major)
	w.u32(v.Minor)
	w.u32(v.Patch)
}

func (w *blobWriter) tensor(t *qnn.Tensor) {
	w.u32(t.ID)
	w.str(t.Name)
	w.u32(uint32(t.Type))
	w.u32(uint32(t.DataType))
	q := t.Quantize
	w.u32(uint32(q.Definition))
	w.u32(uint32(q.Encoding))
	w.u32(math.Float32bits(q.ScaleOffset.Scale))
	w.u32(uint32(q.ScaleOffset.Offset))
	w.u32(uint32(q.Axis))
	w.u32(uint32(len(q.ScaleOffsets)))
	for _, so := range q.ScaleOffsets {
		w.u32(math.Float32bits(so.Scale))
		w.u32(uint32(so.Offset))
	}
	w.u32(uint32(len(t.Dimensions)))
	for _, d := range t.Dimensions {
		w.u32(d)
	}
	if t.Type == qnn.TensorTypeStatic {
		w.bytes(t.ClientBuf)
	} else {
		w.bytes(nil)
	}
}

func (w *blobWriter) op(op *qnn.OpConfig) {
	w.str(op.Name)
	w.str(op.PackageName)
	w.str(op.TypeName)
	w.u32(uint32(len(op.Params)))
	for i := range op.Params {
		p := &op.Params[i]
		w.u32(uint32(p.Kind))
		w.str(p.Name)
		if p.Kind == qnn.ParamKindScalar {
			w.u32(uint32(p.Scalar.DataType))
			w.u64(p.Scalar.Bits())
		} else {
			w.tensor(&p.Tensor)
		}
	}
	for _, ts := range [][]qnn.Tensor{op.Inputs, op.Outputs} {
		w.u32(uint32(len(ts)))
		for _, t := range ts {
			w.str(t.Name)
		}
	}
}

// spillFillSize of a graph: the bytes of its intermediate (native) tensors.
func (g *fakeGraph) spillFillSize() uint64 {
	var size uint64
	for _, t := range g.tensors {
		if t.Type == qnn.TensorTypeNative {
			size += uint64(t.NumElements() * t.DataType.Size())
		}
	}
	return size
}

// lockedEncodeContext serializes c. It must be called with b.mu held.
func (b *Backend) lockedEncodeContext(c *fakeContext) []byte {
	w := &blobWriter{}
	w.buf = append(w.buf, contextMagic[:]...)
	w.u32(b.BinaryInfoVersion)
	w.u32(uint32(b.ID))
	w.version(b.CoreAPIVersion)
	w.version(b.BackendAPIVersion)
	w.u64(0) // blobSize, patched below.
	w.str(b.BuildID)
	w.u32(uint32(len(c.graphs)))
	for _, g := range c.graphs {
		w.str(g.name)
		w.u64(g.spillFillSize())
		w.u32(uint32(len(g.tensors)))
		for _, t := range g.tensors {
			w.tensor(t)
		}
		w.u32(uint32(len(g.ops)))
		for _, op := range g.ops {
			w.op(op)
		}
	}
	binary.LittleEndian.PutUint64(w.buf[blobSizeOffset:], uint64(len(w.buf)))
	return w.buf
}

// blobReader reads the layout written by blobWriter. The first error sticks: later reads return
// zero values.
type blobReader struct {
	buf []byte
	pos int
	err error
}

func (r *blobReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = errors.Errorf("truncated context binary: need %d bytes at offset %d of %d", n, r.pos, len(r.buf))
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *blobReader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *blobReader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *blobReader) str() string { return string(r.bytes()) }

func (r *blobReader) bytes() []byte {
	n := r.u32()
	if b := r.next(int(n)); b != nil {
		return append([]byte(nil), b...)
	}
	return nil
}

func (r *blobReader) version() qnn.Version {
	return qnn.Version{Major: r.u32(), Minor: r.u32(), Patch: r.u32()}
}

func (r *blobReader) count() int {
	n := r.u32()
	if r.err == nil && int(n) > len(r.buf)-r.pos {
		r.err = errors.Errorf("corrupt context binary: count %d at offset %d", n, r.pos)
		return 0
	}
	return int(n)
}

func (r *blobReader) tensor() *qnn.Tensor {
	t := &qnn.Tensor{
		ID:       r.u32(),
		Name:     r.str(),
		Type:     qnn.TensorType(r.u32()),
		DataType: qnn.DataType(r.u32()),
	}
	q := &t.Quantize
	q.Definition = qnn.Definition(r.u32())
	q.Encoding = qnn.QuantizationEncoding(r.u32())
	q.ScaleOffset.Scale = math.Float32frombits(r.u32())
	q.ScaleOffset.Offset = int32(r.u32())
	q.Axis = int32(r.u32())
	if n := r.count(); n > 0 {
		q.ScaleOffsets = make([]qnn.ScaleOffset, n)
		for i := range q.ScaleOffsets {
			q.ScaleOffsets[i] = qnn.ScaleOffset{Scale: math.Float32frombits(r.u32()), Offset: int32(r.u32())}
		}
	}
	rank := r.count()
	t.Dimensions = make([]uint32, rank)
	for i := range t.Dimensions {
		t.Dimensions[i] = r.u32()
	}
	if data := r.bytes(); len(data) > 0 {
		t.ClientBuf = data
	}
	return t
}

func (r *blobReader) op() *qnn.OpConfig {
	op := &qnn.OpConfig{Name: r.str(), PackageName: r.str(), TypeName: r.str()}
	op.Params = make([]qnn.Param, r.count())
	for i := range op.Params {
		p := &op.Params[i]
		p.Kind = qnn.ParamKind(r.u32())
		p.Name = r.str()
		if p.Kind == qnn.ParamKindScalar {
			dtype := qnn.DataType(r.u32())
			p.Scalar = qnn.ScalarFromBits(dtype, r.u64())
		} else {
			p.Tensor = *r.tensor()
		}
	}
	for _, ts := range []*[]qnn.Tensor{&op.Inputs, &op.Outputs} {
		*ts = make([]qnn.Tensor, r.count())
		for i := range *ts {
			(*ts)[i].Name = r.str()
		}
	}
	return op
}

type decodedGraph struct {
	name      string
	spillFill uint64
	tensors   []*qnn.Tensor
	ops       []*qnn.OpConfig
}

type decodedContext struct {
	info     qnn.BinaryInfo
	blobSize uint64
	graphs   []decodedGraph
}

// decodeContext parses the first context blob in buf. Trailing bytes are ignored.
func decodeContext(buf []byte) (*decodedContext, error) {
	r := &blobReader{buf: buf}
	if magic := r.next(4); r.err != nil || [4]byte(magic) != contextMagic {
		return nil, errors.New("not a context binary: bad magic")
	}
	dc := &decodedContext{}
	dc.info.Version = r.u32()
	dc.info.BackendID = qnn.BackendID(r.u32())
	dc.info.CoreAPIVersion = r.version()
	dc.info.BackendAPIVersion = r.version()
	dc.blobSize = r.u64()
	dc.info.BuildID = r.str()
	if r.err == nil && (dc.blobSize < blobSizeOffset || dc.blobSize > uint64(len(buf))) {
		return nil, errors.Errorf("corrupt context binary: blob size %d, buffer has %d bytes", dc.blobSize, len(buf))
	}
	r.buf = buf[:dc.blobSize]
	dc.graphs = make([]decodedGraph, r.count())
	for i := range dc.graphs {
		g := &dc.graphs[i]
		g.name = r.str()
		g.spillFill = r.u64()
		g.tensors = make([]*qnn.Tensor, r.count())
		for j := range g.tensors {
			g.tensors[j] = r.tensor()
		}
		g.ops = make([]*qnn.OpConfig, r.count())
		for j := range g.ops {
			g.ops[j] = r.op()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return dc, nil
}

// System is a fake system module. It implements qnn.SystemInterface.
type System struct {
	APIVersion qnn.Version

	mu         sync.Mutex
	nextHandle uintptr
	live       map[qnn.SystemContextHandle]bool
	failInfo   bool
	numQueries int
}

// NewSystem returns a fake system module.
func NewSystem() *System {
	return &System{
		APIVersion: qnn.Version{Major: 1, Minor: 5, Patch: 0},
		nextHandle: 0x9000,
		live:       make(map[qnn.SystemContextHandle]bool),
	}
}

var _ qnn.SystemInterface = (*System)(nil)

func (s *System) providers() []qnn.SystemInterfaceProvider {
	return []qnn.SystemInterfaceProvider{{
		Name:             "fake_system",
		SystemAPIVersion: s.APIVersion,
		Interface:        s,
	}}
}

// FailBinaryInfo makes SystemContextGetBinaryInfo fail.
func (s *System) FailBinaryInfo(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInfo = fail
}

// NumQueries returns how many times SystemContextGetBinaryInfo was called.
func (s *System) NumQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numQueries
}

// LiveHandles returns the number of system context handles not yet freed.
func (s *System) LiveHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// SystemContextCreate implements qnn.SystemInterface.
func (s *System) SystemContextCreate() (qnn.SystemContextHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle += 8
	h := qnn.SystemContextHandle(s.nextHandle)
	s.live[h] = true
	return h, nil
}

// SystemContextGetBinaryInfo implements qnn.SystemInterface.
func (s *System) SystemContextGetBinaryInfo(handle qnn.SystemContextHandle, buf []byte) (*qnn.BinaryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numQueries++
	if !s.live[handle] || s.failInfo {
		return nil, &qnn.CallError{Func: "systemContextGetBinaryInfo", Code: qnn.ErrorCommonGeneral}
	}
	dc, err := decodeContext(buf)
	if err != nil {
		return nil, &qnn.CallError{Func: "systemContextGetBinaryInfo", Code: qnn.ErrorContextBinaryVersion, Message: err.Error()}
	}
	info := dc.info
	if info.Version >= 2 {
		info.ContextBlobSize = dc.blobSize
	}
	for _, dg := range dc.graphs {
		gi := qnn.GraphInfo{Name: dg.name}
		for _, t := range dg.tensors {
			switch t.Type {
			case qnn.TensorTypeAppWrite:
				gi.Inputs = append(gi.Inputs, *t)
			case qnn.TensorTypeAppRead:
				gi.Outputs = append(gi.Outputs, *t)
			}
		}
		if info.Version >= 3 {
			gi.SpillFillBufferSize = dg.spillFill
			gi.HasSpillFill = true
		}
		info.Graphs = append(info.Graphs, gi)
	}
	return &info, nil
}

// SystemContextFree implements qnn.SystemInterface.
func (s *System) SystemContextFree(handle qnn.SystemContextHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[handle] {
		return &qnn.CallError{Func: "systemContextFree", Code: qnn.ErrorCommonGeneral}
	}
	delete(s.live, handle)
	return nil
}
