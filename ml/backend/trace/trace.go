// Package trace is the recording backend: operations do no arithmetic, they
// append ONNX nodes to a graph under construction. Evaluating a pure inference
// function once with a trace context captures it as a static graph, with every
// parameter tensor lifted into a graph initializer.
package trace

import (
	"fmt"

	"github.com/vocoderlab/glowonnx/logutil"
	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/onnx"
	"github.com/vocoderlab/glowonnx/version"
)

type Context struct {
	device ml.Device

	nodes  []*onnx.Node
	inits  []*onnx.TensorData
	inputs []*onnx.ValueInfo

	consts map[ml.Tensor]*Tensor
	serial map[string]int
}

func NewContext() *Context {
	return &Context{
		device: ml.DeviceCPU,
		consts: make(map[ml.Tensor]*Tensor),
		serial: make(map[string]int),
	}
}

func (c *Context) Device() ml.Device {
	return c.device
}

func (c *Context) name(kind string) string {
	n := c.serial[kind]
	c.serial[kind]++
	return fmt.Sprintf("%s_%d", kind, n)
}

// Input declares a graph input. The example tensor supplies the trace-time
// shape and element type; axes named in dynamic are declared symbolic.
func (c *Context) Input(name string, example ml.Tensor, dynamic map[int]string) *Tensor {
	shape := example.Shape()
	dims := make([]onnx.Dim, len(shape))
	for i, d := range shape {
		if p, ok := dynamic[i]; ok {
			dims[i] = onnx.Dim{Param: p}
		} else {
			dims[i] = onnx.Dim{Value: int64(d)}
		}
	}

	c.inputs = append(c.inputs, &onnx.ValueInfo{
		Name:     name,
		ElemType: elemType(example.DType()),
		Dims:     dims,
	})

	return &Tensor{ctx: c, name: name, shape: append([]int{}, shape...), dtype: example.DType()}
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.initializer(make([]float32, ml.Numel(shape)), shape, dtype)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != ml.Numel(shape) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ml.ErrShapeMismatch, len(s), shape)
	}
	return c.initializer(s, shape, ml.DTypeF32), nil
}

func (c *Context) Constant(t ml.Tensor) ml.Tensor {
	if tt, ok := t.(*Tensor); ok {
		return tt
	}
	if tt, ok := c.consts[t]; ok {
		return tt
	}

	tt := c.initializer(t.Floats(), t.Shape(), t.DType())
	c.consts[t] = tt
	return tt
}

func (c *Context) initializer(data []float32, shape []int, dtype ml.DType) *Tensor {
	name := c.name("const")
	c.inits = append(c.inits, onnx.FloatData(name, int64s(shape), data, dtype == ml.DTypeF16))
	return &Tensor{ctx: c, name: name, shape: append([]int{}, shape...), dtype: dtype}
}

func (c *Context) int64Initializer(kind string, values ...int64) string {
	name := c.name(kind)
	c.inits = append(c.inits, onnx.Int64Data(name, values...))
	return name
}

// emit appends one node and returns its (sole) output as a trace tensor.
func (c *Context) emit(opType string, inputs []string, attrs []onnx.Attr, shape []int, dtype ml.DType) *Tensor {
	out := c.name(lower(opType))
	logutil.Trace("recording node", "op", opType, "inputs", inputs, "shape", shape)
	c.nodes = append(c.nodes, &onnx.Node{
		Name:    c.name("node_" + opType),
		OpType:  opType,
		Inputs:  inputs,
		Outputs: []string{out},
		Attrs:   attrs,
	})
	return &Tensor{ctx: c, name: out, shape: shape, dtype: dtype}
}

// Finish names the traced output, declares its dynamic axes, and assembles the
// model for serialization.
func (c *Context) Finish(graphName, producer string, out ml.Tensor, outName string, dynamic map[int]string) (*onnx.Model, error) {
	ot, ok := out.(*Tensor)
	if !ok || ot.ctx != c {
		return nil, fmt.Errorf("trace: output does not belong to this trace")
	}

	renamed := false
	for _, n := range c.nodes {
		for i, o := range n.Outputs {
			if o == ot.name {
				n.Outputs[i] = outName
				renamed = true
			}
		}
	}
	if !renamed {
		return nil, fmt.Errorf("trace: output %q was not produced by any traced operation", ot.name)
	}

	dims := make([]onnx.Dim, len(ot.shape))
	for i, d := range ot.shape {
		if p, ok := dynamic[i]; ok {
			dims[i] = onnx.Dim{Param: p}
		} else {
			dims[i] = onnx.Dim{Value: int64(d)}
		}
	}

	return &onnx.Model{
		ProducerName:    producer,
		ProducerVersion: version.Version,
		Graph: &onnx.Graph{
			Name:         graphName,
			Nodes:        c.nodes,
			Initializers: c.inits,
			Inputs:       c.inputs,
			Outputs: []*onnx.ValueInfo{{
				Name:     outName,
				ElemType: elemType(ot.dtype),
				Dims:     dims,
			}},
		},
	}, nil
}

func elemType(dt ml.DType) int32 {
	if dt == ml.DTypeF16 {
		return onnx.Float16
	}
	return onnx.Float
}

func int64s(shape []int) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}

func lower(op string) string {
	b := []byte(op)
	if len(b) > 0 && b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
