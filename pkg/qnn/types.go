// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnn

import (
	"fmt"
	"math"
	"strconv"

	"github.com/x448/float16"
)

// DataType of a tensor or scalar. Values match the SDK's Qnn_DataType_t.
type DataType uint32

const (
	DataTypeInt8          DataType = 0x0008
	DataTypeInt16         DataType = 0x0016
	DataTypeInt32         DataType = 0x0032
	DataTypeInt64         DataType = 0x0064
	DataTypeUint8         DataType = 0x0108
	DataTypeUint16        DataType = 0x0116
	DataTypeUint32        DataType = 0x0132
	DataTypeUint64        DataType = 0x0164
	DataTypeFloat16       DataType = 0x0216
	DataTypeFloat32       DataType = 0x0232
	DataTypeFloat64       DataType = 0x0264
	DataTypeSFixedPoint4  DataType = 0x0304
	DataTypeSFixedPoint8  DataType = 0x0308
	DataTypeSFixedPoint16 DataType = 0x0316
	DataTypeSFixedPoint32 DataType = 0x0332
	DataTypeUFixedPoint4  DataType = 0x0404
	DataTypeUFixedPoint8  DataType = 0x0408
	DataTypeUFixedPoint16 DataType = 0x0416
	DataTypeUFixedPoint32 DataType = 0x0432
	DataTypeBool8         DataType = 0x0508
	DataTypeString        DataType = 0x0608
	DataTypeUndefined     DataType = 0x7FFFFFFF
)

var dataTypeNames = map[DataType]string{
	DataTypeInt8:          "INT_8",
	DataTypeInt16:         "INT_16",
	DataTypeInt32:         "INT_32",
	DataTypeInt64:         "INT_64",
	DataTypeUint8:         "UINT_8",
	DataTypeUint16:        "UINT_16",
	DataTypeUint32:        "UINT_32",
	DataTypeUint64:        "UINT_64",
	DataTypeFloat16:       "FLOAT_16",
	DataTypeFloat32:       "FLOAT_32",
	DataTypeFloat64:       "FLOAT_64",
	DataTypeSFixedPoint4:  "SFIXED_POINT_4",
	DataTypeSFixedPoint8:  "SFIXED_POINT_8",
	DataTypeSFixedPoint16: "SFIXED_POINT_16",
	DataTypeSFixedPoint32: "SFIXED_POINT_32",
	DataTypeUFixedPoint4:  "UFIXED_POINT_4",
	DataTypeUFixedPoint8:  "UFIXED_POINT_8",
	DataTypeUFixedPoint16: "UFIXED_POINT_16",
	DataTypeUFixedPoint32: "UFIXED_POINT_32",
	DataTypeBool8:         "BOOL_8",
	DataTypeString:        "STRING",
	DataTypeUndefined:     "UNDEFINED",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("DataType(0x%04x)", uint32(dt))
}

// Size returns the size in bytes of one element, or 0 for sub-byte, string and undefined types.
// The lower byte of the enum encodes the bit width.
func (dt DataType) Size() int {
	switch dt {
	case DataTypeString, DataTypeUndefined, DataTypeSFixedPoint4, DataTypeUFixedPoint4:
		return 0
	}
	switch dt & 0xFF {
	case 0x08:
		return 1
	case 0x16:
		return 2
	case 0x32:
		return 4
	case 0x64:
		return 8
	}
	return 0
}

// IsQuantized returns whether dt is a fixed-point (quantized) type.
func (dt DataType) IsQuantized() bool {
	family := dt >> 8
	return family == 0x03 || family == 0x04
}

// TensorType is the role of a tensor in a graph. Values match Qnn_TensorType_t.
type TensorType uint32

const (
	TensorTypeAppWrite     TensorType = 0
	TensorTypeAppRead      TensorType = 1
	TensorTypeAppReadWrite TensorType = 2
	TensorTypeNative       TensorType = 3
	TensorTypeStatic       TensorType = 4
	TensorTypeNull         TensorType = 5
)

// String implements fmt.Stringer.
func (tt TensorType) String() string {
	switch tt {
	case TensorTypeAppWrite:
		return "APP_WRITE"
	case TensorTypeAppRead:
		return "APP_READ"
	case TensorTypeAppReadWrite:
		return "APP_READWRITE"
	case TensorTypeNative:
		return "NATIVE"
	case TensorTypeStatic:
		return "STATIC"
	case TensorTypeNull:
		return "NULL"
	}
	return fmt.Sprintf("TensorType(%d)", uint32(tt))
}

// TensorMemType tells whether a tensor's data is a client buffer or a registered memory handle.
type TensorMemType uint32

const (
	TensorMemTypeRaw       TensorMemType = 0
	TensorMemTypeMemHandle TensorMemType = 1
)

// Definition flags whether quantization parameters are set.
type Definition uint32

const (
	DefinitionImplGenerated Definition = 0
	DefinitionDefined       Definition = 1
	DefinitionUndefined     Definition = 0x7FFFFFFF
)

// QuantizationEncoding selects the representation of QuantizeParams.
type QuantizationEncoding uint32

const (
	QuantizationEncodingScaleOffset     QuantizationEncoding = 0
	QuantizationEncodingAxisScaleOffset QuantizationEncoding = 1
	QuantizationEncodingUndefined       QuantizationEncoding = 0x7FFFFFFF
)

// ScaleOffset is one quantization pair. The SDK dequantizes with real = scale * (q + offset), so
// offset is the negated zero point.
type ScaleOffset struct {
	Scale  float32
	Offset int32
}

// QuantizeParams of a tensor.
type QuantizeParams struct {
	Definition Definition
	Encoding   QuantizationEncoding

	// ScaleOffset is used with QuantizationEncodingScaleOffset.
	ScaleOffset ScaleOffset

	// Axis and ScaleOffsets are used with QuantizationEncodingAxisScaleOffset.
	Axis         int32
	ScaleOffsets []ScaleOffset
}

// UndefinedQuantizeParams is the value used for non-quantized tensors.
var UndefinedQuantizeParams = QuantizeParams{
	Definition: DefinitionUndefined,
	Encoding:   QuantizationEncodingUndefined,
}

// IsPerTensor returns whether q holds one scale/offset pair for the whole tensor.
func (q QuantizeParams) IsPerTensor() bool {
	return q.Definition == DefinitionDefined && q.Encoding == QuantizationEncodingScaleOffset
}

// IsPerChannel returns whether q holds one scale/offset pair per channel along Axis.
func (q QuantizeParams) IsPerChannel() bool {
	return q.Definition == DefinitionDefined && q.Encoding == QuantizationEncodingAxisScaleOffset
}

// Tensor describes a tensor in a native call.
type Tensor struct {
	// ID is assigned by the backend when the tensor is created in a graph.
	ID         uint32
	Name       string
	Type       TensorType
	DataType   DataType
	Quantize   QuantizeParams
	Dimensions []uint32

	MemType TensorMemType

	// ClientBuf holds the data when MemType is TensorMemTypeRaw (static data or I/O buffers).
	ClientBuf []byte

	// MemHandle is used when MemType is TensorMemTypeMemHandle.
	MemHandle MemHandle
}

// NumElements returns the product of the dimensions.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Dimensions {
		n *= int(d)
	}
	return n
}

// Scalar is a typed scalar value used in op parameters and extended profiling data.
type Scalar struct {
	DataType DataType
	bits     uint64
}

// Uint32Scalar returns a UINT_32 Scalar.
func Uint32Scalar(v uint32) Scalar { return Scalar{DataType: DataTypeUint32, bits: uint64(v)} }

// Int32Scalar returns an INT_32 Scalar.
func Int32Scalar(v int32) Scalar { return Scalar{DataType: DataTypeInt32, bits: uint64(uint32(v))} }

// Uint64Scalar returns a UINT_64 Scalar.
func Uint64Scalar(v uint64) Scalar { return Scalar{DataType: DataTypeUint64, bits: v} }

// Float32Scalar returns a FLOAT_32 Scalar.
func Float32Scalar(v float32) Scalar {
	return Scalar{DataType: DataTypeFloat32, bits: uint64(math.Float32bits(v))}
}

// Float16Scalar returns a FLOAT_16 Scalar.
func Float16Scalar(v float16.Float16) Scalar {
	return Scalar{DataType: DataTypeFloat16, bits: uint64(v.Bits())}
}

// BoolScalar returns a BOOL_8 Scalar.
func BoolScalar(v bool) Scalar {
	if v {
		return Scalar{DataType: DataTypeBool8, bits: 1}
	}
	return Scalar{DataType: DataTypeBool8}
}

// ScalarFromBits builds a Scalar from its raw little-endian bit pattern, as read from native memory.
func ScalarFromBits(dtype DataType, bits uint64) Scalar {
	return Scalar{DataType: dtype, bits: bits}
}

// Bits returns the raw bit pattern of the value.
func (s Scalar) Bits() uint64 { return s.bits }

// Float64 converts the scalar to a float64, whatever its type.
func (s Scalar) Float64() float64 {
	switch s.DataType {
	case DataTypeFloat32:
		return float64(math.Float32frombits(uint32(s.bits)))
	case DataTypeFloat64:
		return math.Float64frombits(s.bits)
	case DataTypeFloat16:
		return float64(float16.Frombits(uint16(s.bits)).Float32())
	case DataTypeInt8:
		return float64(int8(s.bits))
	case DataTypeInt16:
		return float64(int16(s.bits))
	case DataTypeInt32:
		return float64(int32(s.bits))
	case DataTypeInt64:
		return float64(int64(s.bits))
	}
	return float64(s.bits)
}

// String formats the value according to its type.
func (s Scalar) String() string {
	switch s.DataType {
	case DataTypeFloat16, DataTypeFloat32, DataTypeFloat64:
		return strconv.FormatFloat(s.Float64(), 'g', -1, 64)
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64:
		return strconv.FormatInt(int64(s.Float64()), 10)
	case DataTypeBool8:
		return strconv.FormatBool(s.bits != 0)
	case DataTypeUint8:
		return strconv.FormatUint(s.bits&0xFF, 10)
	case DataTypeUint16:
		return strconv.FormatUint(s.bits&0xFFFF, 10)
	case DataTypeUint32:
		return strconv.FormatUint(s.bits&0xFFFFFFFF, 10)
	case DataTypeUint64:
		return strconv.FormatUint(s.bits, 10)
	}
	return fmt.Sprintf("<%s:0x%x>", s.DataType, s.bits)
}

// ParamKind distinguishes scalar and tensor op parameters.
type ParamKind uint32

const (
	ParamKindScalar ParamKind = 0
	ParamKindTensor ParamKind = 1
)

// Param is a named op parameter.
type Param struct {
	Kind   ParamKind
	Name   string
	Scalar Scalar
	Tensor Tensor
}

// DefaultOpPackage is the package of the SDK's built-in ops.
const DefaultOpPackage = "qti.aisw"

// OpConfig describes one native op node.
type OpConfig struct {
	Name        string
	PackageName string
	TypeName    string
	Params      []Param
	Inputs      []Tensor
	Outputs     []Tensor
}

// LogLevel of the backend's own logger. Values match QnnLog_Level_t.
type LogLevel uint32

const (
	LogLevelError   LogLevel = 1
	LogLevelWarn    LogLevel = 2
	LogLevelInfo    LogLevel = 3
	LogLevelVerbose LogLevel = 4
	LogLevelDebug   LogLevel = 5
)

// LogCallback receives the backend's log messages. It may be called from any thread.
type LogCallback func(level LogLevel, timestamp uint64, message string)

// ProfileLevel of a native profile handle.
type ProfileLevel uint32

const (
	ProfileLevelBasic    ProfileLevel = 1
	ProfileLevelDetailed ProfileLevel = 2
)

// Priority of a context or graph.
type Priority uint32

const (
	PriorityLow        Priority = 0
	PriorityNormal     Priority = 100
	PriorityNormalHigh Priority = 150
	PriorityHigh       Priority = 200
	PriorityUndefined  Priority = 0x7FFFFFFF
)

// PropertyKey queried with Interface.PropertyHasCapability.
type PropertyKey uint32

const (
	PropertyGroupDevice                  PropertyKey = 0x00000300
	PropertyProfileSupportsExtendedEvent PropertyKey = 0x00000702
	PropertyContextSupportsBinaryCaching PropertyKey = 0x00000401
)
