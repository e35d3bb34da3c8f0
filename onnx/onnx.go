// Package onnx serializes a computation graph in the ONNX binary format.
//
// Only the writer-side subset of the format is implemented: the message types
// a produced model needs (model, graph, node, attribute, tensor, value info)
// encoded directly with protowire against the field numbers of onnx.proto.
// The exported graph targets IR version 5 with the default operator set
// version 10, matching consumers that predate dynamic 1-D convolution
// support.
package onnx

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// IRVersion is the ONNX intermediate-representation version written into
	// every model (ONNX 1.5).
	IRVersion = 5

	// OpsetVersion is the default-domain operator set version. Opset 10 is the
	// first opset where Slice takes its ranges as inputs rather than
	// attributes, which this writer assumes.
	OpsetVersion = 10
)

// Tensor element types, as defined by onnx.TensorProto.DataType.
const (
	Float   = 1
	Int64   = 7
	Float16 = 10
)

// Attribute value types, as defined by onnx.AttributeProto.AttributeType.
const (
	attrFloat  = 1
	attrInt    = 2
	attrString = 3
	attrFloats = 6
	attrInts   = 7
)

type Model struct {
	ProducerName    string
	ProducerVersion string
	Graph           *Graph
}

type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*TensorData
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
}

type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attr
}

type Attr struct {
	Name   string
	kind   int
	i      int64
	f      float32
	ints   []int64
	floats []float32
	s      string
}

func IntAttr(name string, v int64) Attr {
	return Attr{Name: name, kind: attrInt, i: v}
}

func FloatAttr(name string, v float32) Attr {
	return Attr{Name: name, kind: attrFloat, f: v}
}

func IntsAttr(name string, v ...int64) Attr {
	return Attr{Name: name, kind: attrInts, ints: v}
}

// TensorData is a named constant tensor (graph initializer). The payload is
// pre-encoded little-endian raw data.
type TensorData struct {
	Name     string
	DataType int32
	Dims     []int64
	RawData  []byte
}

// FloatData builds a float32 or float16 initializer from float32 values,
// narrowing each element through IEEE half precision when reduced.
func FloatData(name string, dims []int64, values []float32, reduced bool) *TensorData {
	t := &TensorData{Name: name, DataType: Float, Dims: dims}
	if reduced {
		t.DataType = Float16
		t.RawData = make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(t.RawData[2*i:], uint16(float16.Fromfloat32(v)))
		}
		return t
	}

	t.RawData = make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.RawData[4*i:], math.Float32bits(v))
	}
	return t
}

func Int64Data(name string, values ...int64) *TensorData {
	t := &TensorData{
		Name:     name,
		DataType: Int64,
		Dims:     []int64{int64(len(values))},
		RawData:  make([]byte, 8*len(values)),
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(t.RawData[8*i:], uint64(v))
	}
	return t
}

// Dim is one tensor-shape dimension: either a fixed size or a named dynamic
// axis (Param non-empty).
type Dim struct {
	Value int64
	Param string
}

type ValueInfo struct {
	Name     string
	ElemType int32
	Dims     []Dim
}

// MarshalBinary encodes the model as an onnx.ModelProto wire message.
func (m *Model) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType) // ir_version
	b = protowire.AppendVarint(b, IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.encode())
	}

	var opset []byte
	opset = appendString(opset, 1, "") // default domain
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, OpsetVersion)
	b = appendMessage(b, 8, opset)

	return b, nil
}

func (g *Graph) encode() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, 1, n.encode())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, 5, t.encode())
	}
	for _, v := range g.Inputs {
		b = appendMessage(b, 11, v.encode())
	}
	for _, v := range g.Outputs {
		b = appendMessage(b, 12, v.encode())
	}
	return b
}

func (n *Node) encode() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attrs {
		b = appendMessage(b, 5, a.encode())
	}
	return b
}

func (a Attr) encode() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.kind {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.i))
	case attrString:
		b = appendString(b, 4, a.s)
	case attrFloats:
		var packed []byte
		for _, v := range a.floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendMessage(b, 7, packed)
	case attrInts:
		var packed []byte
		for _, v := range a.ints {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = appendMessage(b, 8, packed)
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.kind))
	return b
}

func (t *TensorData) encode() []byte {
	var b []byte
	var packed []byte
	for _, d := range t.Dims {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = appendMessage(b, 1, packed)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	b = appendString(b, 8, t.Name)
	b = appendMessage(b, 9, t.RawData)
	return b
}

func (v *ValueInfo) encode() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, 2, d.Param)
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, dim)
	}

	var tt []byte
	tt = protowire.AppendTag(tt, 1, protowire.VarintType)
	tt = protowire.AppendVarint(tt, uint64(v.ElemType))
	tt = appendMessage(tt, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tt)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	return b
}

func appendString(b []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, field protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
