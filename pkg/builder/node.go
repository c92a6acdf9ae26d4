// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builder

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-qnn/pkg/qnn"
)

// NodeArg is one input or output of a portable graph node.
type NodeArg struct {
	// Name of the value; unique in the graph. Empty for a missing optional input.
	Name string

	// DataType of the value on the device. Quantized types come with Quant.
	DataType qnn.DataType
	Shape    []uint32
	Quant    QuantParams
}

// Exists returns whether the argument is present (optional inputs may be missing).
func (a *NodeArg) Exists() bool { return a.Name != "" }

// Node is a portable graph node to lower, as supplied by the graph partitioner.
type Node struct {
	Name       string
	OpType     string
	Inputs     []NodeArg
	Outputs    []NodeArg
	Attributes Attributes
}

// Attributes of a node, by name. Values are int64, float32, []int64 or string.
type Attributes map[string]any

// Int returns the int64 attribute name, or defaultValue if absent.
// It panics (caught at the builder boundary) if the attribute has another type.
func (a Attributes) Int(name string, defaultValue int64) int64 {
	v, found := a[name]
	if !found {
		return defaultValue
	}
	switch v := v.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	exceptions.Panicf("attribute %q is %T, not an int", name, v)
	return 0
}

// Float returns the float32 attribute name, or defaultValue if absent.
// It panics (caught at the builder boundary) if the attribute has another type.
func (a Attributes) Float(name string, defaultValue float32) float32 {
	v, found := a[name]
	if !found {
		return defaultValue
	}
	switch v := v.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	exceptions.Panicf("attribute %q is %T, not a float", name, v)
	return 0
}

// Ints returns the []int64 attribute name, or defaultValue if absent.
func (a Attributes) Ints(name string, defaultValue []int64) []int64 {
	v, found := a[name]
	if !found {
		return defaultValue
	}
	ints, ok := v.([]int64)
	if !ok {
		exceptions.Panicf("attribute %q is %T, not []int64", name, v)
	}
	return ints
}
