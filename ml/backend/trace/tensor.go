package trace

import (
	"fmt"

	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/onnx"
)

// Tensor is a symbolic value: the name of one edge in the graph being
// recorded, plus the shape and element type it had at trace time.
type Tensor struct {
	ctx   *Context
	name  string
	shape []int
	dtype ml.DType
}

func (t *Tensor) Shape() []int {
	return t.shape
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Device() ml.Device {
	return t.ctx.device
}

func (t *Tensor) Floats() []float32 {
	panic("trace: symbolic tensors have no values")
}

func (t *Tensor) operand(o ml.Tensor) *Tensor {
	return t.ctx.Constant(o).(*Tensor)
}

func (t *Tensor) binary(op string, t2 ml.Tensor) ml.Tensor {
	o := t.operand(t2)
	if !ml.SameShape(t.shape, o.shape) {
		panic(fmt.Sprintf("trace: %s operands %v and %v", op, t.shape, o.shape))
	}
	return t.ctx.emit(op, []string{t.name, o.name}, nil, t.shape, t.dtype)
}

func (t *Tensor) Add(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("Add", t2)
}

func (t *Tensor) Sub(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("Sub", t2)
}

func (t *Tensor) Mul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("Mul", t2)
}

func (t *Tensor) Div(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary("Div", t2)
}

func (t *Tensor) unary(op string) ml.Tensor {
	return t.ctx.emit(op, []string{t.name}, nil, t.shape, t.dtype)
}

func (t *Tensor) Exp(_ ml.Context) ml.Tensor {
	return t.unary("Exp")
}

func (t *Tensor) Tanh(_ ml.Context) ml.Tensor {
	return t.unary("Tanh")
}

func (t *Tensor) Sigmoid(_ ml.Context) ml.Tensor {
	return t.unary("Sigmoid")
}

func (t *Tensor) Scale(_ ml.Context, s float32) ml.Tensor {
	name := t.ctx.name("const")
	t.ctx.inits = append(t.ctx.inits, onnx.FloatData(name, nil, []float32{s}, t.dtype == ml.DTypeF16))
	return t.ctx.emit("Mul", []string{t.name, name}, nil, t.shape, t.dtype)
}

// Conv1D is deliberately untraceable: the target format is the reason the
// model is rewritten to 2-D operators before tracing.
func (t *Tensor) Conv1D(_ ml.Context, _, _ ml.Tensor, _, _, _ int) ml.Tensor {
	panic("trace: 1-D convolution cannot be traced; rewrite the model to 2-D first")
}

func (t *Tensor) ConvTranspose1D(_ ml.Context, _, _ ml.Tensor, _ int) ml.Tensor {
	panic("trace: 1-D transposed convolution cannot be traced; rewrite the model to 2-D first")
}

func (t *Tensor) Conv2D(_ ml.Context, x, bias ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	in := t.operand(x)
	ws := t.shape
	outShape := []int{
		in.shape[0],
		ws[0],
		ml.ConvOutSize(in.shape[2], ws[2], s0, p0, d0),
		ml.ConvOutSize(in.shape[3], ws[3], s1, p1, d1),
	}

	inputs := []string{in.name, t.name}
	if bias != nil {
		inputs = append(inputs, t.operand(bias).name)
	}

	attrs := []onnx.Attr{
		onnx.IntsAttr("kernel_shape", int64(ws[2]), int64(ws[3])),
		onnx.IntsAttr("strides", int64(s0), int64(s1)),
		onnx.IntsAttr("pads", int64(p0), int64(p1), int64(p0), int64(p1)),
		onnx.IntsAttr("dilations", int64(d0), int64(d1)),
	}
	return t.ctx.emit("Conv", inputs, attrs, outShape, in.dtype)
}

func (t *Tensor) ConvTranspose2D(_ ml.Context, x, bias ml.Tensor, s0, s1 int) ml.Tensor {
	in := t.operand(x)
	ws := t.shape
	outShape := []int{
		in.shape[0],
		ws[1],
		ml.ConvTransposeOutSize(in.shape[2], ws[2], s0),
		ml.ConvTransposeOutSize(in.shape[3], ws[3], s1),
	}

	inputs := []string{in.name, t.name}
	if bias != nil {
		inputs = append(inputs, t.operand(bias).name)
	}

	attrs := []onnx.Attr{
		onnx.IntsAttr("kernel_shape", int64(ws[2]), int64(ws[3])),
		onnx.IntsAttr("strides", int64(s0), int64(s1)),
	}
	return t.ctx.emit("ConvTranspose", inputs, attrs, outShape, in.dtype)
}

func (t *Tensor) Reshape(_ ml.Context, shape ...int) ml.Tensor {
	if ml.Numel(shape) != ml.Numel(t.shape) {
		panic(fmt.Sprintf("trace: reshape %v to %v", t.shape, shape))
	}
	shapeName := t.ctx.int64Initializer("shape", int64s(shape)...)
	return t.ctx.emit("Reshape", []string{t.name, shapeName}, nil, shape, t.dtype)
}

func (t *Tensor) Permute(_ ml.Context, dims ...int) ml.Tensor {
	outShape := make([]int, len(dims))
	perm := make([]int64, len(dims))
	for i, d := range dims {
		outShape[i] = t.shape[d]
		perm[i] = int64(d)
	}
	return t.ctx.emit("Transpose", []string{t.name},
		[]onnx.Attr{onnx.IntsAttr("perm", perm...)}, outShape, t.dtype)
}

func (t *Tensor) Concat(_ ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o := t.operand(t2)
	outShape := append([]int{}, t.shape...)
	outShape[dim] += o.shape[dim]
	return t.ctx.emit("Concat", []string{t.name, o.name},
		[]onnx.Attr{onnx.IntAttr("axis", int64(dim))}, outShape, t.dtype)
}

func (t *Tensor) Slice(_ ml.Context, dim, start, end int) ml.Tensor {
	outShape := append([]int{}, t.shape...)
	outShape[dim] = end - start

	starts := t.ctx.int64Initializer("starts", int64(start))
	ends := t.ctx.int64Initializer("ends", int64(end))
	axes := t.ctx.int64Initializer("axes", int64(dim))
	return t.ctx.emit("Slice", []string{t.name, starts, ends, axes}, nil, outShape, t.dtype)
}

func (t *Tensor) Squeeze(_ ml.Context, dim int) ml.Tensor {
	outShape := append([]int{}, t.shape[:dim]...)
	outShape = append(outShape, t.shape[dim+1:]...)
	return t.ctx.emit("Squeeze", []string{t.name},
		[]onnx.Attr{onnx.IntsAttr("axes", int64(dim))}, outShape, t.dtype)
}

func (t *Tensor) Unsqueeze(_ ml.Context, dim int) ml.Tensor {
	outShape := append([]int{}, t.shape[:dim]...)
	outShape = append(outShape, 1)
	outShape = append(outShape, t.shape[dim:]...)
	return t.ctx.emit("Unsqueeze", []string{t.name},
		[]onnx.Attr{onnx.IntsAttr("axes", int64(dim))}, outShape, t.dtype)
}
