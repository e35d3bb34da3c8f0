package convert

import (
	"fmt"

	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/ml/nn"
	"github.com/vocoderlab/glowonnx/model/waveglow"
)

// Model2D is the rewritten model: identical parameters, every operator 2-D.
type Model2D struct {
	Config waveglow.Config

	Upsample *nn.ConvTranspose2D
	Flows    []*FlowStage2D
	MixInv   []*nn.Conv2D
}

// FlowStage2D mirrors waveglow.FlowStage with 2-D convolutions.
type FlowStage2D struct {
	Start *nn.Conv2D
	End   *nn.Conv2D

	In      []*nn.Conv2D
	ResSkip []*nn.Conv2D
	Cond    []*nn.Conv2D

	Channels int
}

func (s *FlowStage2D) Forward(ctx ml.Context, audio, spect ml.Tensor) ml.Tensor {
	x := s.Start.Forward(ctx, audio)
	ch := s.Channels

	var output ml.Tensor
	for i := range s.In {
		acts := s.In[i].Forward(ctx, x).Add(ctx, s.Cond[i].Forward(ctx, spect))
		gated := acts.Slice(ctx, 1, 0, ch).Tanh(ctx).Mul(ctx, acts.Slice(ctx, 1, ch, 2*ch).Sigmoid(ctx))

		rs := s.ResSkip[i].Forward(ctx, gated)
		if i < len(s.In)-1 {
			x = rs.Slice(ctx, 1, 0, ch).Add(ctx, x)
			rs = rs.Slice(ctx, 1, ch, 2*ch)
		}

		if output == nil {
			output = rs
		} else {
			output = output.Add(ctx, rs)
		}
	}

	return s.End.Forward(ctx, output)
}

// Infer is the reformulated generative procedure: a pure function of the
// conditioning features and latent noise, with a statically known operator
// sequence so a single traced run captures the whole graph. Inputs are 4-D
// with a trailing singleton width axis: spect [batch, mel, time, 1] and
// z [batch, groups, time*stride/groups, 1]. The result is audio
// [batch, time*stride].
//
// The first remaining channels of the latent, scaled by sigma, seed the
// audio; the channels after them are injected verbatim at the early-exit
// stages, in order.
func (m *Model2D) Infer(ctx ml.Context, spect, z ml.Tensor, sigma float32) (ml.Tensor, error) {
	cfg := m.Config

	if len(spect.Shape()) != 4 || spect.Dim(1) != cfg.MelChannels || spect.Dim(3) != 1 {
		return nil, fmt.Errorf("%w: conditioning features %v", ml.ErrShapeMismatch, spect.Shape())
	}
	if len(z.Shape()) != 4 || z.Dim(1) != cfg.NumGroups || z.Dim(3) != 1 {
		return nil, fmt.Errorf("%w: latent noise %v", ml.ErrShapeMismatch, z.Shape())
	}

	batch := spect.Dim(0)

	spect = m.Upsample.Forward(ctx, spect)
	cutoff := m.Upsample.Weight.Dim(2) - cfg.UpsampleStride
	spect = spect.Slice(ctx, 2, 0, spect.Dim(2)-cutoff)

	if spect.Dim(2)%cfg.NumGroups != 0 {
		return nil, fmt.Errorf("%w: upsampled length %d not divisible into %d groups",
			ml.ErrShapeMismatch, spect.Dim(2), cfg.NumGroups)
	}
	groupLen := spect.Dim(2) / cfg.NumGroups
	if z.Dim(2) != groupLen {
		return nil, fmt.Errorf("%w: latent length %d, conditioning yields %d",
			ml.ErrShapeMismatch, z.Dim(2), groupLen)
	}

	// Interleave the upsampled features into groups along the channel axis:
	// [b, mel, L*g, 1] -> [b, mel*g, L, 1] with group index fastest.
	spect = spect.Squeeze(ctx, 3).
		Reshape(ctx, batch, cfg.MelChannels, groupLen, cfg.NumGroups).
		Permute(ctx, 0, 2, 1, 3).
		Reshape(ctx, batch, groupLen, cfg.MelChannels*cfg.NumGroups).
		Permute(ctx, 0, 2, 1).
		Unsqueeze(ctx, 3)

	audio := z.Slice(ctx, 1, 0, cfg.RemainingChannels).Scale(ctx, sigma)
	injected := 0

	for k := cfg.NumFlows - 1; k >= 0; k-- {
		ch := audio.Dim(1)
		if ch%2 != 0 {
			return nil, fmt.Errorf("%w: flow stage %d sees %d channels", ml.ErrShapeMismatch, k, ch)
		}
		half := ch / 2

		audio0 := audio.Slice(ctx, 1, 0, half)
		audio1 := audio.Slice(ctx, 1, half, ch)

		out := m.Flows[k].Forward(ctx, audio0, spect)
		b := out.Slice(ctx, 1, 0, half)
		s := out.Slice(ctx, 1, half, ch)
		audio1 = audio1.Sub(ctx, b).Div(ctx, s.Exp(ctx))
		audio = audio0.Concat(ctx, audio1, 1)

		audio = m.MixInv[k].Forward(ctx, audio)

		if k%cfg.EarlyEvery == 0 && k > 0 {
			if left := cfg.RemainderBudget() - injected; left < cfg.EarlySize {
				return nil, fmt.Errorf("%w: stage %d needs %d channels, %d left",
					waveglow.ErrBudgetExceeded, k, cfg.EarlySize, left)
			}
			start := cfg.RemainingChannels + injected
			audio = z.Slice(ctx, 1, start, start+cfg.EarlySize).Concat(ctx, audio, 1)
			injected += cfg.EarlySize
		}
	}

	// [b, g, L, 1] -> [b, L*g] with the group index fastest, undoing the
	// original time grouping.
	return audio.Squeeze(ctx, 3).
		Permute(ctx, 0, 2, 1).
		Reshape(ctx, batch, groupLen*cfg.NumGroups), nil
}
