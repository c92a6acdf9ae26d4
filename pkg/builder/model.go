// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"slices"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is one graph of a native context: composed from a ModelWrapper (then finalized), or
// retrieved from a context loaded from a cached binary.
//
// The graph is owned by its context: it is freed with it.
type Model struct {
	iface     qnn.Interface
	context   qnn.ContextHandle
	graph     qnn.GraphHandle
	name      string
	finalized bool

	inputs, outputs []qnn.Tensor
}

// ComposeModel creates the graph of mw in context and adds all its tensors and ops. The returned
// Model still has to be finalized.
func ComposeModel(iface qnn.Interface, context qnn.ContextHandle, mw *ModelWrapper, configs []qnn.GraphConfig) (*Model, error) {
	graph, err := iface.GraphCreate(context, mw.GraphName(), configs)
	if err != nil {
		return nil, status.Wrapf(err, status.Fail, "creating graph %q", mw.GraphName())
	}
	inputs, outputs, err := mw.ComposeGraph(iface, graph)
	if err != nil {
		return nil, err
	}
	return &Model{
		iface:   iface,
		context: context,
		graph:   graph,
		name:    mw.GraphName(),
		inputs:  inputs,
		outputs: outputs,
	}, nil
}

// RetrieveModel returns the already finalized graph described by info, from a context created
// from a cached binary.
func RetrieveModel(iface qnn.Interface, context qnn.ContextHandle, info *qnn.GraphInfo) (*Model, error) {
	graph, err := iface.GraphRetrieve(context, info.Name)
	if err != nil {
		return nil, status.Wrapf(err, status.Fail, "retrieving graph %q", info.Name)
	}
	return &Model{
		iface:     iface,
		context:   context,
		graph:     graph,
		name:      info.Name,
		finalized: true,
		inputs:    slices.Clone(info.Inputs),
		outputs:   slices.Clone(info.Outputs),
	}, nil
}

// Name of the graph.
func (m *Model) Name() string { return m.name }

// Context returns the native context owning the graph.
func (m *Model) Context() qnn.ContextHandle { return m.context }

// Graph returns the native graph handle.
func (m *Model) Graph() qnn.GraphHandle { return m.graph }

// IsFinalized returns whether the graph can be executed.
func (m *Model) IsFinalized() bool { return m.finalized }

// Inputs returns the descriptors of the graph inputs, in order.
func (m *Model) Inputs() []qnn.Tensor { return slices.Clone(m.inputs) }

// Outputs returns the descriptors of the graph outputs, in order.
func (m *Model) Outputs() []qnn.Tensor { return slices.Clone(m.outputs) }

// Finalize compiles the graph. profile may be 0. Finalizing twice is a no-op.
func (m *Model) Finalize(profile qnn.ProfileHandle) error {
	if m.finalized {
		return nil
	}
	if err := m.iface.GraphFinalize(m.graph, profile); err != nil {
		return status.Wrapf(err, status.Fail, "finalizing graph %q", m.name)
	}
	m.finalized = true
	klog.V(1).Infof("graph %q finalized", m.name)
	return nil
}

// Buffer is the storage bound to one graph input or output at execution: either a client buffer
// (Data) or a memory handle registered with the graph's context (Mem), which takes precedence.
type Buffer struct {
	Data []byte
	Mem  qnn.MemHandle
}

// Execute runs the graph with one Buffer per input and per output, in graph order. profile may be 0.
func (m *Model) Execute(inputs, outputs []Buffer, profile qnn.ProfileHandle) error {
	if !m.finalized {
		return status.Errorf(status.InvalidArgument, "graph %q executed before being finalized", m.name)
	}
	inTensors, err := bind(m.inputs, inputs)
	if err != nil {
		return errors.WithMessagef(err, "graph %q inputs", m.name)
	}
	outTensors, err := bind(m.outputs, outputs)
	if err != nil {
		return errors.WithMessagef(err, "graph %q outputs", m.name)
	}
	if err := m.iface.GraphExecute(m.graph, inTensors, outTensors, profile); err != nil {
		return status.Wrapf(err, status.Fail, "executing graph %q", m.name)
	}
	return nil
}

func bind(descriptors []qnn.Tensor, buffers []Buffer) ([]qnn.Tensor, error) {
	if len(buffers) != len(descriptors) {
		return nil, status.Errorf(status.InvalidArgument, "got %d buffers for %d tensors", len(buffers), len(descriptors))
	}
	tensors := make([]qnn.Tensor, len(descriptors))
	for i, desc := range descriptors {
		t := desc
		t.Dimensions = slices.Clone(desc.Dimensions)
		if buffers[i].Mem != 0 {
			t.MemType = qnn.TensorMemTypeMemHandle
			t.MemHandle = buffers[i].Mem
			t.ClientBuf = nil
		} else {
			want := t.NumElements() * t.DataType.Size()
			if len(buffers[i].Data) != want {
				return nil, status.Errorf(status.ShapeMismatch, "tensor %q of %s%v needs %d bytes, got %d",
					t.Name, t.DataType, t.Dimensions, want, len(buffers[i].Data))
			}
			t.MemType = qnn.TensorMemTypeRaw
			t.ClientBuf = buffers[i].Data
		}
		tensors[i] = t
	}
	return tensors, nil
}
