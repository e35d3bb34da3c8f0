// Package cpu is the eager backend: every operation computes immediately on
// dense float32 data. It backs checkpoint loading, inverse materialization,
// and the numeric equivalence checks between the 1-D and 2-D model forms.
package cpu

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"github.com/x448/float16"

	"github.com/vocoderlab/glowonnx/ml"
)

type Context struct {
	device ml.Device
}

func New() *Context {
	return &Context{device: ml.DeviceCPU}
}

func (c *Context) Device() ml.Device {
	return c.device
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return &Tensor{
		dense:  tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, ml.Numel(shape)))),
		dtype:  dtype,
		device: c.device,
	}
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != ml.Numel(shape) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ml.ErrShapeMismatch, len(s), shape)
	}

	data := make([]float32, len(s))
	copy(data, s)
	return &Tensor{
		dense:  tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
		dtype:  ml.DTypeF32,
		device: c.device,
	}, nil
}

func (c *Context) Constant(t ml.Tensor) ml.Tensor {
	return from(t)
}

// Cast converts a tensor's declared storage precision. Reducing to float16
// rounds every element through half precision so that eager results match what
// the serialized graph will compute from float16 initializers.
func (c *Context) Cast(t ml.Tensor, dtype ml.DType) ml.Tensor {
	ct := from(t)
	if ct.dtype == dtype {
		return ct
	}

	data := ct.Floats()
	out := make([]float32, len(data))
	if dtype == ml.DTypeF16 {
		for i, v := range data {
			out[i] = float16.Fromfloat32(v).Float32()
		}
	} else {
		copy(out, data)
	}

	return &Tensor{
		dense:  tensor.New(tensor.WithShape(ct.Shape()...), tensor.WithBacking(out)),
		dtype:  dtype,
		device: ct.device,
	}
}

type Tensor struct {
	dense  *tensor.Dense
	dtype  ml.DType
	device ml.Device
}

// from asserts that an operand belongs to this backend. Mixing backends in a
// single operation is a programming error, not a recoverable condition.
func from(t ml.Tensor) *Tensor {
	ct, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Sprintf("cpu: operand from foreign backend %T", t))
	}
	return ct
}

func (t *Tensor) like(d *tensor.Dense) *Tensor {
	return &Tensor{dense: d, dtype: t.dtype, device: t.device}
}

func (t *Tensor) Shape() []int {
	return []int(t.dense.Shape())
}

func (t *Tensor) Dim(n int) int {
	return t.dense.Shape()[n]
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Device() ml.Device {
	return t.device
}

func (t *Tensor) Floats() []float32 {
	return t.dense.Data().([]float32)
}

func (t *Tensor) clone() *tensor.Dense {
	return t.dense.Clone().(*tensor.Dense)
}

func (t *Tensor) Add(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	d, err := t.dense.Add(from(t2).dense)
	if err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Sub(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	d, err := t.dense.Sub(from(t2).dense)
	if err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Mul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	d, err := t.dense.Mul(from(t2).dense)
	if err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Div(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	d, err := t.dense.Div(from(t2).dense)
	if err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) apply(fn func(float32) float32) ml.Tensor {
	d, err := t.clone().Apply(fn)
	if err != nil {
		panic(err)
	}
	return t.like(d.(*tensor.Dense))
}

func (t *Tensor) Exp(_ ml.Context) ml.Tensor {
	return t.apply(func(x float32) float32 { return float32(math.Exp(float64(x))) })
}

func (t *Tensor) Tanh(_ ml.Context) ml.Tensor {
	return t.apply(func(x float32) float32 { return float32(math.Tanh(float64(x))) })
}

func (t *Tensor) Sigmoid(_ ml.Context) ml.Tensor {
	return t.apply(func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) })
}

func (t *Tensor) Scale(_ ml.Context, s float32) ml.Tensor {
	d, err := t.dense.MulScalar(s, true)
	if err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Reshape(_ ml.Context, shape ...int) ml.Tensor {
	d := t.clone()
	if err := d.Reshape(shape...); err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Permute(_ ml.Context, dims ...int) ml.Tensor {
	d := t.clone()
	if err := d.T(dims...); err != nil {
		panic(err)
	}
	if err := d.Transpose(); err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Concat(_ ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	d, err := t.dense.Concat(dim, from(t2).dense)
	if err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Slice(_ ml.Context, dim, start, end int) ml.Tensor {
	shape := t.Shape()
	spec := make([]tensor.Slice, len(shape))
	spec[dim] = tensor.S(start, end)

	v, err := t.dense.Slice(spec...)
	if err != nil {
		panic(err)
	}
	d := tensor.Materialize(v).(*tensor.Dense)

	// Slicing a width-1 range drops the axis; put the rank back, the output
	// shape is statically known.
	out := append([]int{}, shape...)
	out[dim] = end - start
	if err := d.Reshape(out...); err != nil {
		panic(err)
	}
	return t.like(d)
}

func (t *Tensor) Squeeze(ctx ml.Context, dim int) ml.Tensor {
	shape := t.Shape()
	if shape[dim] != 1 {
		panic(fmt.Sprintf("cpu: squeeze of non-singleton axis %d in %v", dim, shape))
	}
	return t.Reshape(ctx, append(append([]int{}, shape[:dim]...), shape[dim+1:]...)...)
}

func (t *Tensor) Unsqueeze(ctx ml.Context, dim int) ml.Tensor {
	shape := t.Shape()
	out := append([]int{}, shape[:dim]...)
	out = append(out, 1)
	out = append(out, shape[dim:]...)
	return t.Reshape(ctx, out...)
}
