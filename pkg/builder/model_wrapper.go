// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"k8s.io/klog/v2"
)

// Initializer is the constant data of a graph value.
type Initializer struct {
	DataType qnn.DataType
	Shape    []uint32
	Data     []byte
}

// ParamWrapper is a named op parameter: a scalar or a static tensor.
type ParamWrapper struct {
	Name   string
	Scalar *qnn.Scalar
	Tensor *TensorWrapper
}

// ScalarParam returns a scalar parameter.
func ScalarParam(name string, value qnn.Scalar) ParamWrapper {
	return ParamWrapper{Name: name, Scalar: &value}
}

// Uint32TensorParam returns a static rank-1 UINT_32 tensor parameter, e.g. a permutation.
func Uint32TensorParam(opName, name string, values []uint32) ParamWrapper {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return ParamWrapper{Name: name, Tensor: &TensorWrapper{
		Name:     fmt.Sprintf("%s_%s", opName, name),
		Type:     qnn.TensorTypeStatic,
		DataType: qnn.DataTypeUint32,
		Shape:    []uint32{uint32(len(values))},
		Data:     data,
	}}
}

// OpWrapper is a native op of the graph under construction.
type OpWrapper struct {
	Name        string
	PackageName string
	TypeName    string
	Inputs      []string
	Outputs     []string
	Params      []ParamWrapper
}

// ModelWrapper accumulates the native tensors and ops of one graph while its portable nodes are
// lowered, one node at a time, by the OpBuilders.
//
// Tensors are registered by name and never modified afterwards. Lowering a node is atomic: see
// AddNode and ValidateNode.
//
// A ModelWrapper is not safe for concurrent use.
type ModelWrapper struct {
	iface   qnn.Interface
	backend qnn.BackendHandle

	graphName    string
	graphInputs  []string
	graphOutputs []string
	initializers map[string]*Initializer

	tensors     map[string]*TensorWrapper
	tensorOrder []string
	ops         []*OpWrapper
}

// NewModelWrapper creates an empty model for the graph graphName, with the given graph inputs and
// outputs (value names, in order) and constant values.
//
// iface and backend are used to validate ops with the backend; iface may be nil, in which case ops
// are only validated by the builders.
func NewModelWrapper(iface qnn.Interface, backend qnn.BackendHandle, graphName string,
	graphInputs, graphOutputs []string, initializers map[string]*Initializer) *ModelWrapper {
	if initializers == nil {
		initializers = make(map[string]*Initializer)
	}
	return &ModelWrapper{
		iface:        iface,
		backend:      backend,
		graphName:    graphName,
		graphInputs:  slices.Clone(graphInputs),
		graphOutputs: slices.Clone(graphOutputs),
		initializers: initializers,
		tensors:      make(map[string]*TensorWrapper),
	}
}

// GraphName returns the name of the graph being built.
func (mw *ModelWrapper) GraphName() string { return mw.graphName }

// IsGraphInput returns whether name is an input of the graph.
func (mw *ModelWrapper) IsGraphInput(name string) bool { return slices.Contains(mw.graphInputs, name) }

// IsGraphOutput returns whether name is an output of the graph.
func (mw *ModelWrapper) IsGraphOutput(name string) bool { return slices.Contains(mw.graphOutputs, name) }

// IsConstant returns whether name is a constant (an initializer).
func (mw *ModelWrapper) IsConstant(name string) bool {
	_, found := mw.initializers[name]
	return found
}

// Initializer returns the constant data of name, or nil.
func (mw *ModelWrapper) Initializer(name string) *Initializer { return mw.initializers[name] }

// TensorType returns the role a tensor named name has in the graph.
func (mw *ModelWrapper) TensorType(name string) qnn.TensorType {
	switch {
	case mw.IsConstant(name):
		return qnn.TensorTypeStatic
	case mw.IsGraphInput(name):
		return qnn.TensorTypeAppWrite
	case mw.IsGraphOutput(name):
		return qnn.TensorTypeAppRead
	}
	return qnn.TensorTypeNative
}

// TensorExists returns whether a tensor named name was registered.
func (mw *ModelWrapper) TensorExists(name string) bool {
	_, found := mw.tensors[name]
	return found
}

// Tensor returns the tensor registered under name, or nil.
func (mw *ModelWrapper) Tensor(name string) *TensorWrapper { return mw.tensors[name] }

// NumTensors returns the number of registered tensors.
func (mw *ModelWrapper) NumTensors() int { return len(mw.tensorOrder) }

// Tensors returns the registered tensors in registration order.
func (mw *ModelWrapper) Tensors() []*TensorWrapper {
	tensors := make([]*TensorWrapper, len(mw.tensorOrder))
	for i, name := range mw.tensorOrder {
		tensors[i] = mw.tensors[name]
	}
	return tensors
}

// Ops returns the ops added so far, in order.
func (mw *ModelWrapper) Ops() []*OpWrapper { return slices.Clone(mw.ops) }

// AddTensor registers tw. If a tensor with the same name is already registered, the existing one
// is kept and tw is dropped: names are shared by all consumers of a value.
func (mw *ModelWrapper) AddTensor(tw *TensorWrapper) error {
	if tw.Name == "" {
		return status.Errorf(status.InvalidArgument, "tensor without a name")
	}
	if mw.TensorExists(tw.Name) {
		klog.V(2).Infof("tensor %q already registered, reusing it", tw.Name)
		return nil
	}
	if err := tw.Quant.Validate(tw.Shape); err != nil {
		return status.Wrapf(err, status.CodeOf(err), "tensor %q", tw.Name)
	}
	if tw.Type == qnn.TensorTypeStatic {
		if want := tw.NumElements() * tw.DataType.Size(); len(tw.Data) != want {
			return status.Errorf(status.ShapeMismatch, "static tensor %q of %s%v has %d bytes of data, wants %d",
				tw.Name, tw.DataType, tw.Shape, len(tw.Data), want)
		}
	}
	mw.tensors[tw.Name] = tw
	mw.tensorOrder = append(mw.tensorOrder, tw.Name)
	return nil
}

// CreateOp adds a native op whose input and output tensors are already registered.
//
// With doOpValidation, the op is validated with the backend (if there is one) and not added.
func (mw *ModelWrapper) CreateOp(name, packageName, typeName string, inputs, outputs []string,
	params []ParamWrapper, doOpValidation bool) error {
	for _, names := range [][]string{inputs, outputs} {
		for _, n := range names {
			if !mw.TensorExists(n) {
				return status.Errorf(status.InvalidArgument, "op %q (%s) references unregistered tensor %q", name, typeName, n)
			}
		}
	}
	op := &OpWrapper{
		Name:        name,
		PackageName: packageName,
		TypeName:    typeName,
		Inputs:      slices.Clone(inputs),
		Outputs:     slices.Clone(outputs),
		Params:      slices.Clone(params),
	}
	if doOpValidation {
		if mw.iface == nil {
			return nil
		}
		config := mw.opConfig(op, nil)
		if err := mw.iface.BackendValidateOpConfig(mw.backend, &config); err != nil {
			return status.Wrapf(err, status.Fail, "backend rejected op %q (%s)", name, typeName)
		}
		return nil
	}
	mw.ops = append(mw.ops, op)
	return nil
}

// opConfig builds the native config of op. ids maps tensor names to the ids the graph assigned,
// and may be nil before the tensors are created in a graph.
func (mw *ModelWrapper) opConfig(op *OpWrapper, ids map[string]uint32) qnn.OpConfig {
	native := func(name string) qnn.Tensor {
		t := mw.tensors[name].Native()
		t.ID = ids[name]
		return t
	}
	config := qnn.OpConfig{Name: op.Name, PackageName: op.PackageName, TypeName: op.TypeName}
	for _, n := range op.Inputs {
		config.Inputs = append(config.Inputs, native(n))
	}
	for _, n := range op.Outputs {
		config.Outputs = append(config.Outputs, native(n))
	}
	for _, p := range op.Params {
		if p.Scalar != nil {
			config.Params = append(config.Params, qnn.Param{Kind: qnn.ParamKindScalar, Name: p.Name, Scalar: *p.Scalar})
			continue
		}
		t := p.Tensor.Native()
		t.ID = ids[p.Tensor.Name]
		config.Params = append(config.Params, qnn.Param{Kind: qnn.ParamKindTensor, Name: p.Name, Tensor: t})
	}
	return config
}

// checkpoint marks the state of the model, to roll back a failed node.
type checkpoint struct {
	numTensors, numOps int
}

func (mw *ModelWrapper) checkpoint() checkpoint {
	return checkpoint{numTensors: len(mw.tensorOrder), numOps: len(mw.ops)}
}

// rollback removes every tensor and op added since cp. Registered tensors are never modified, so
// this restores the model exactly.
func (mw *ModelWrapper) rollback(cp checkpoint) {
	for _, name := range mw.tensorOrder[cp.numTensors:] {
		delete(mw.tensors, name)
	}
	mw.tensorOrder = mw.tensorOrder[:cp.numTensors]
	mw.ops = mw.ops[:cp.numOps]
}

// ComposeGraph creates every registered tensor and op in graph. It returns the native descriptors
// (with ids) of the graph inputs and outputs, in graph order.
func (mw *ModelWrapper) ComposeGraph(iface qnn.Interface, graph qnn.GraphHandle) (inputs, outputs []qnn.Tensor, err error) {
	ids := make(map[string]uint32, len(mw.tensorOrder))
	create := func(tw *TensorWrapper) error {
		if _, found := ids[tw.Name]; found {
			return nil
		}
		t := tw.Native()
		if err := iface.TensorCreateGraphTensor(graph, &t); err != nil {
			return status.Wrapf(err, status.Fail, "creating tensor %s in graph %q", tw, mw.graphName)
		}
		ids[tw.Name] = t.ID
		return nil
	}
	for _, name := range mw.tensorOrder {
		if err := create(mw.tensors[name]); err != nil {
			return nil, nil, err
		}
	}
	for _, op := range mw.ops {
		for _, p := range op.Params {
			if p.Tensor != nil {
				if err := create(p.Tensor); err != nil {
					return nil, nil, err
				}
			}
		}
		config := mw.opConfig(op, ids)
		if err := iface.GraphAddNode(graph, &config); err != nil {
			return nil, nil, status.Wrapf(err, status.Fail, "adding node %q (%s) to graph %q", op.Name, op.TypeName, mw.graphName)
		}
	}
	collect := func(names []string) ([]qnn.Tensor, error) {
		tensors := make([]qnn.Tensor, 0, len(names))
		for _, name := range names {
			tw := mw.tensors[name]
			if tw == nil {
				return nil, status.Errorf(status.NotFound, "graph %q input/output %q was never produced", mw.graphName, name)
			}
			t := tw.Native()
			t.ID = ids[name]
			t.ClientBuf = nil
			tensors = append(tensors, t)
		}
		return tensors, nil
	}
	if inputs, err = collect(mw.graphInputs); err != nil {
		return nil, nil, err
	}
	if outputs, err = collect(mw.graphOutputs); err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("composed graph %q: %d tensors, %d ops", mw.graphName, len(ids), len(mw.ops))
	return inputs, outputs, nil
}
