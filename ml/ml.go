// Package ml defines the tensor and compute-context interfaces shared by the
// eager CPU backend and the graph-recording backend. Model code is written
// against these interfaces only, so the same inference function can be
// evaluated numerically or captured once as a static graph.
package ml

import "errors"

var (
	ErrShapeMismatch     = errors.New("tensor shape mismatch")
	ErrDeviceMismatch    = errors.New("tensors are not on a single device")
	ErrPrecisionMismatch = errors.New("model and inputs use different precisions")
)

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "float32"
	case DTypeF16:
		return "float16"
	default:
		return "unknown"
	}
}

type Device string

const DeviceCPU Device = "cpu"

type Context interface {
	Device() Device

	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)

	// Constant lifts a parameter tensor into this context. The eager backend
	// returns the tensor unchanged; the recording backend registers it as a
	// graph initializer, memoized so repeated lifts share one constant.
	Constant(t Tensor) Tensor
}

// Caster is implemented by backends that can change a tensor's declared
// storage precision.
type Caster interface {
	Cast(t Tensor, dtype DType) Tensor
}

// Tensor is a dense tensor bound to one backend. Convolution operators use the
// receiver as the weight, matching the module structs in ml/nn. Operations
// never mix backends; every operand must come from the same Context.
type Tensor interface {
	Shape() []int
	Dim(n int) int
	DType() DType
	Device() Device

	// Floats returns the tensor contents. Only the eager backend can
	// materialize values; the recording backend panics.
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	Exp(ctx Context) Tensor
	Tanh(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	Scale(ctx Context, s float32) Tensor

	Conv1D(ctx Context, t, bias Tensor, stride, padding, dilation int) Tensor
	Conv2D(ctx Context, t, bias Tensor, s0, s1, p0, p1, d0, d1 int) Tensor
	ConvTranspose1D(ctx Context, t, bias Tensor, stride int) Tensor
	ConvTranspose2D(ctx Context, t, bias Tensor, s0, s1 int) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, dims ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Slice(ctx Context, dim, start, end int) Tensor
	Squeeze(ctx Context, dim int) Tensor
	Unsqueeze(ctx Context, dim int) Tensor
}

// ConvOutSize returns the spatial output size of a convolution along one axis.
func ConvOutSize(in, kernel, stride, padding, dilation int) int {
	return (in+2*padding-dilation*(kernel-1)-1)/stride + 1
}

// ConvTransposeOutSize returns the spatial output size of a transposed
// convolution along one axis, with no padding or output padding.
func ConvTransposeOutSize(in, kernel, stride int) int {
	return (in-1)*stride + kernel
}

func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
