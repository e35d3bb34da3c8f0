package nn

import "github.com/vocoderlab/glowonnx/ml"

// Conv1D holds a one-dimensional convolution over [batch, channels, time]
// input with weight [outCh, inCh, kernel].
type Conv1D struct {
	Weight ml.Tensor
	Bias   ml.Tensor

	Stride   int
	Padding  int
	Dilation int
}

func (m *Conv1D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	w := ctx.Constant(m.Weight)
	var b ml.Tensor
	if m.Bias != nil {
		b = ctx.Constant(m.Bias)
	}
	return w.Conv1D(ctx, t, b, m.Stride, m.Padding, m.Dilation)
}

// Conv2D is the rewrite target for Conv1D: weight [outCh, inCh, kernel, 1]
// with stride/padding/dilation carried per axis.
type Conv2D struct {
	Weight ml.Tensor
	Bias   ml.Tensor

	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	w := ctx.Constant(m.Weight)
	var b ml.Tensor
	if m.Bias != nil {
		b = ctx.Constant(m.Bias)
	}
	return w.Conv2D(ctx, t, b,
		m.Stride[0], m.Stride[1],
		m.Padding[0], m.Padding[1],
		m.Dilation[0], m.Dilation[1])
}

// ConvTranspose1D holds a transposed convolution with the checkpoint weight
// layout [inCh, outCh, kernel].
type ConvTranspose1D struct {
	Weight ml.Tensor
	Bias   ml.Tensor

	Stride int
}

func (m *ConvTranspose1D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	w := ctx.Constant(m.Weight)
	var b ml.Tensor
	if m.Bias != nil {
		b = ctx.Constant(m.Bias)
	}
	return w.ConvTranspose1D(ctx, t, b, m.Stride)
}

type ConvTranspose2D struct {
	Weight ml.Tensor
	Bias   ml.Tensor

	Stride [2]int
}

func (m *ConvTranspose2D) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	w := ctx.Constant(m.Weight)
	var b ml.Tensor
	if m.Bias != nil {
		b = ctx.Constant(m.Bias)
	}
	return w.ConvTranspose2D(ctx, t, b, m.Stride[0], m.Stride[1])
}
