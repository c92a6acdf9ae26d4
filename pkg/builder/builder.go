// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package builder lowers portable graph nodes into the native tensors and ops of a QNN graph, and
// wraps the compiled graphs (Model).
//
// Each portable op type has an OpBuilder, registered with RegisterOpBuilder. Lowering a node runs the
// builder's two phases, ProcessInputs then ProcessAttributesAndOutputs, against a ModelWrapper:
//
//   - AddNode lowers the node into the model. It is atomic: on failure the model is left as it was,
//     so a helper op (Transpose, Convert) is never left behind without its consumer.
//   - ValidateNode runs the same phases with validation on (attribute and shape constraints, backend
//     op validation) and never modifies the model.
package builder

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpBuilder lowers one portable op type.
//
// Implementations keep no state: the same OpBuilder lowers every node of its type.
type OpBuilder interface {
	// ProcessInputs registers (or reuses) the input tensors of node, inserting helper ops when an
	// input needs a different layout or format, and returns the names of the tensors the native op
	// consumes.
	ProcessInputs(mw *ModelWrapper, node *Node, doOpValidation bool) (inputNames []string, err error)

	// ProcessAttributesAndOutputs builds the native op from the attributes of node, registers its
	// outputs and adds it to the model.
	ProcessAttributesAndOutputs(mw *ModelWrapper, node *Node, inputNames []string, doOpValidation bool) error
}

var opBuilders = make(map[string]OpBuilder)

// RegisterOpBuilder registers b as the builder of the portable op type opType. It replaces any
// previous registration. It is meant to be called from init functions.
func RegisterOpBuilder(opType string, b OpBuilder) {
	opBuilders[opType] = b
}

// GetOpBuilder returns the builder registered for opType.
func GetOpBuilder(opType string) (OpBuilder, bool) {
	b, found := opBuilders[opType]
	return b, found
}

func init() {
	RegisterOpBuilder("Gemm", GemmOpBuilder{})
	RegisterOpBuilder("Transpose", TransposeOpBuilder{})
	RegisterOpBuilder("Reshape", ReshapeOpBuilder{})
}

// AddNode lowers node into mw. On failure mw is left exactly as it was before the call.
func AddNode(mw *ModelWrapper, node *Node) error {
	return lower(mw, node, false)
}

// ValidateNode checks whether node can be lowered, including validation by the backend when mw
// has one. mw is never modified.
func ValidateNode(mw *ModelWrapper, node *Node) error {
	return lower(mw, node, true)
}

func lower(mw *ModelWrapper, node *Node, doOpValidation bool) (err error) {
	b, found := GetOpBuilder(node.OpType)
	if !found {
		return status.Errorf(status.NotFound, "no builder for op type %q (node %q)", node.OpType, node.Name)
	}
	cp := mw.checkpoint()
	defer func() {
		if doOpValidation || err != nil {
			mw.rollback(cp)
		}
	}()
	exc := exceptions.TryCatch[error](func() {
		var inputNames []string
		inputNames, err = b.ProcessInputs(mw, node, doOpValidation)
		if err != nil {
			return
		}
		err = b.ProcessAttributesAndOutputs(mw, node, inputNames, doOpValidation)
	})
	if exc != nil {
		err = status.Wrapf(exc, status.InvalidArgument, "lowering node %q (%s)", node.Name, node.OpType)
	}
	if err != nil {
		err = errors.WithMessagef(err, "node %q (%s)", node.Name, node.OpType)
		klog.V(1).Infof("builder: %v", err)
	}
	return err
}
