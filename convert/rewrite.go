// Package convert rewrites the 1-D WaveGlow model into an equivalent 2-D
// form whose every operator has a clean ONNX counterpart, and reformulates
// the generative procedure as one pure function over 2-D tensors. Time
// becomes the height axis; the trailing width axis stays 1, so weights gain a
// singleton kernel dimension and strides, paddings and dilations extend with
// a unit second component. The rewrite changes tensor ranks only, never
// values.
package convert

import (
	"errors"
	"fmt"

	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/ml/nn"
	"github.com/vocoderlab/glowonnx/model/waveglow"
)

// Rewrite converts every convolution, transposed convolution and mixing
// inverse to its 2-D equivalent. All mixing inverses must have been
// materialized first; the mixing forward weights do not survive the rewrite.
//
// Rewrite takes ownership of the model: on success the 1-D parameters are
// detached so stale references cannot leak into a traced graph.
func Rewrite(ctx ml.Context, m *waveglow.Model) (*Model2D, error) {
	if m.Upsample == nil || len(m.Flows) == 0 {
		return nil, errors.New("model has no parameters; already rewritten?")
	}
	if !m.Materialized() {
		return nil, fmt.Errorf("cannot rewrite mixing stages: %w", waveglow.ErrInverseNotMaterialized)
	}

	out := &Model2D{
		Config:   m.Config,
		Upsample: rewriteTransposedConv1D(ctx, m.Upsample),
		Flows:    make([]*FlowStage2D, len(m.Flows)),
		MixInv:   make([]*nn.Conv2D, len(m.Mixers)),
	}

	for k, stage := range m.Flows {
		s, err := rewriteFlowStage(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("flow stage %d: %w", k, err)
		}
		out.Flows[k] = s
	}

	for k, mixer := range m.Mixers {
		conv, err := rewriteInvertibleMixing(ctx, mixer)
		if err != nil {
			return nil, fmt.Errorf("mixing stage %d: %w", k, err)
		}
		out.MixInv[k] = conv
	}

	m.Upsample = nil
	m.Flows = nil
	m.Mixers = nil

	return out, nil
}

// rewriteConv1D appends a singleton kernel axis: [oc, ic, k] becomes
// [oc, ic, k, 1], stride s becomes (s, 1) and likewise for padding and
// dilation. The bias is shared unchanged.
func rewriteConv1D(ctx ml.Context, c *nn.Conv1D) *nn.Conv2D {
	shape := c.Weight.Shape()
	return &nn.Conv2D{
		Weight:   c.Weight.Reshape(ctx, shape[0], shape[1], shape[2], 1),
		Bias:     c.Bias,
		Stride:   [2]int{c.Stride, 1},
		Padding:  [2]int{c.Padding, 0},
		Dilation: [2]int{c.Dilation, 1},
	}
}

// rewriteTransposedConv1D does the same for the upsampler: [ic, oc, k]
// becomes [ic, oc, k, 1] with stride (s, 1).
func rewriteTransposedConv1D(ctx ml.Context, c *nn.ConvTranspose1D) *nn.ConvTranspose2D {
	shape := c.Weight.Shape()
	return &nn.ConvTranspose2D{
		Weight: c.Weight.Reshape(ctx, shape[0], shape[1], shape[2], 1),
		Bias:   c.Bias,
		Stride: [2]int{c.Stride, 1},
	}
}

// rewriteInvertibleMixing turns the materialized [c, c] inverse into a
// bias-free 1x1 convolution with weight [c, c, 1, 1]. The forward mixing
// weight plays no part in generation and is dropped here.
func rewriteInvertibleMixing(ctx ml.Context, m *waveglow.InvertibleMixing) (*nn.Conv2D, error) {
	if !m.Materialized() {
		return nil, waveglow.ErrInverseNotMaterialized
	}

	c := m.Inverse.Dim(0)
	return &nn.Conv2D{
		Weight:   m.Inverse.Reshape(ctx, c, c, 1, 1),
		Stride:   [2]int{1, 1},
		Dilation: [2]int{1, 1},
	}, nil
}

func rewriteFlowStage(ctx ml.Context, s *waveglow.FlowStage) (*FlowStage2D, error) {
	if len(s.Cond) != len(s.ResSkip) || len(s.In) != len(s.ResSkip) {
		return nil, fmt.Errorf("%w: %d dilated, %d residual, %d conditioning layers",
			ml.ErrShapeMismatch, len(s.In), len(s.ResSkip), len(s.Cond))
	}

	out := &FlowStage2D{
		Start:    rewriteConv1D(ctx, s.Start),
		End:      rewriteConv1D(ctx, s.End),
		Channels: s.Channels,
	}
	for i := range s.In {
		out.In = append(out.In, rewriteConv1D(ctx, s.In[i]))
		out.ResSkip = append(out.ResSkip, rewriteConv1D(ctx, s.ResSkip[i]))
		out.Cond = append(out.Cond, rewriteConv1D(ctx, s.Cond[i]))
	}
	return out, nil
}
