// Package waveglow defines the WaveGlow vocoder as loaded from a training
// checkpoint: stacked affine-coupling flow stages, one invertible 1x1
// channel-mixing operator per stage, and a transposed-convolution upsampler,
// all built from 1-D convolutions. The generative (inverse) procedure runs the
// stages in reverse and periodically re-injects early-output latent channels.
package waveglow

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/ml/nn"
)

var (
	// ErrInverseNotMaterialized reports use of a mixing inverse before
	// MaterializeInverses has run.
	ErrInverseNotMaterialized = errors.New("mixing inverse has not been materialized")

	// ErrBudgetExceeded reports an early-exit injection schedule that asks for
	// more latent channels than the remainder holds.
	ErrBudgetExceeded = errors.New("early-exit injection exhausted the latent channel budget")
)

// Config carries the architecture constants that the checkpoint's tensor
// shapes either encode directly or must be validated against.
type Config struct {
	MelChannels       int
	NumFlows          int
	NumGroups         int
	EarlyEvery        int
	EarlySize         int
	RemainingChannels int

	// UpsampleStride is training configuration that weight shapes cannot
	// recover; 256 for every published WaveGlow.
	UpsampleStride int
}

// RemainderBudget returns the latent channels set aside for early-exit
// injection: everything z carries beyond the channels the final flow stage
// operates on.
func (c Config) RemainderBudget() int {
	return c.NumGroups - c.RemainingChannels
}

// InjectionTotal returns the channels the reverse pass will inject across all
// qualifying stages. A valid configuration injects exactly the remainder
// budget.
func (c Config) InjectionTotal() int {
	var total int
	for k := 1; k < c.NumFlows; k++ {
		if k%c.EarlyEvery == 0 {
			total += c.EarlySize
		}
	}
	return total
}

// ChannelsAt returns the audio channel count flow stage k operates on.
func (c Config) ChannelsAt(k int) int {
	return c.NumGroups - c.EarlySize*(k/c.EarlyEvery)
}

// FlowStage is one affine-coupling network: a WaveNet-like stack of dilated
// convolutions with gated activations and per-layer spectrogram conditioning.
type FlowStage struct {
	Start *nn.Conv1D
	End   *nn.Conv1D

	In      []*nn.Conv1D
	ResSkip []*nn.Conv1D
	Cond    []*nn.Conv1D

	// Channels is the gated-unit width: In convolutions emit 2*Channels
	// (filter and gate halves).
	Channels int
}

// Forward evaluates the coupling network on the first audio half and the
// conditioning features, producing stacked bias and log-scale channels.
func (s *FlowStage) Forward(ctx ml.Context, audio, spect ml.Tensor) ml.Tensor {
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

// InvertibleMixing is a learned square channel-mixing map. The forward weight
// comes from the checkpoint; the inverse needed for generation is computed
// once, by an explicit materialization step, never as a hidden side effect.
type InvertibleMixing struct {
	Weight ml.Tensor // [c, c, 1]

	// Inverse is nil until MaterializeInverse runs.
	Inverse ml.Tensor // [c, c]
}

func (m *InvertibleMixing) Materialized() bool {
	return m.Inverse != nil
}

// MaterializeInverse inverts the mixing matrix. It is idempotent.
func (m *InvertibleMixing) MaterializeInverse(ctx ml.Context) error {
	if m.Materialized() {
		return nil
	}

	c := m.Weight.Dim(0)
	w := m.Weight.Floats()
	f64 := make([]float64, c*c)
	for i, v := range w {
		f64[i] = float64(v)
	}

	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(c, c, f64)); err != nil {
		return fmt.Errorf("mixing matrix is singular: %w", err)
	}

	f32 := make([]float32, c*c)
	for i := 0; i < c; i++ {
		for j := 0; j < c; j++ {
			f32[i*c+j] = float32(inv.At(i, j))
		}
	}

	t, err := ctx.FromFloatSlice(f32, c, c)
	if err != nil {
		return err
	}
	if caster, ok := ctx.(ml.Caster); ok && m.Weight.DType() != t.DType() {
		t = caster.Cast(t, m.Weight.DType())
	}

	m.Inverse = t
	return nil
}

type Model struct {
	Config Config

	Upsample *nn.ConvTranspose1D
	Flows    []*FlowStage
	Mixers   []*InvertibleMixing
}

func (m *Model) Device() ml.Device {
	return m.Upsample.Weight.Device()
}

func (m *Model) DType() ml.DType {
	return m.Upsample.Weight.DType()
}

// CheckUniform verifies every parameter lives on the same device at the same
// storage precision. Tracing a graph whose parameters disagree would bake the
// disagreement into the artifact, so this runs before any inverse is
// materialized.
func (m *Model) CheckUniform() error {
	device, dtype := m.Device(), m.DType()

	var err error
	m.eachParam(func(t *ml.Tensor) {
		if err != nil {
			return
		}
		if (*t).Device() != device {
			err = fmt.Errorf("%w: parameters on %s and %s", ml.ErrDeviceMismatch, device, (*t).Device())
		} else if (*t).DType() != dtype {
			err = fmt.Errorf("%w: parameters stored as %s and %s", ml.ErrPrecisionMismatch, dtype, (*t).DType())
		}
	})
	return err
}

// MaterializeInverses computes every mixing inverse. It must run before the
// model is rewritten to 2-D form; rewriting consumes the inverses.
func (m *Model) MaterializeInverses(ctx ml.Context) error {
	for k, mixer := range m.Mixers {
		if err := mixer.MaterializeInverse(ctx); err != nil {
			return fmt.Errorf("mixing stage %d: %w", k, err)
		}
	}
	return nil
}

// Materialized reports whether every mixing inverse exists.
func (m *Model) Materialized() bool {
	for _, mixer := range m.Mixers {
		if !mixer.Materialized() {
			return false
		}
	}
	return true
}

// Cast converts every parameter (and any materialized inverse) to the given
// storage precision. Example inputs must be converted alongside; the export
// driver enforces that.
func (m *Model) Cast(caster ml.Caster, dtype ml.DType) {
	m.eachParam(func(t *ml.Tensor) {
		*t = caster.Cast(*t, dtype)
	})
}

func (m *Model) eachParam(fn func(*ml.Tensor)) {
	visitConv := func(c *nn.Conv1D) {
		fn(&c.Weight)
		if c.Bias != nil {
			fn(&c.Bias)
		}
	}

	fn(&m.Upsample.Weight)
	if m.Upsample.Bias != nil {
		fn(&m.Upsample.Bias)
	}

	for _, s := range m.Flows {
		visitConv(s.Start)
		visitConv(s.End)
		for i := range s.In {
			visitConv(s.In[i])
			visitConv(s.ResSkip[i])
			visitConv(s.Cond[i])
		}
	}

	for _, mixer := range m.Mixers {
		fn(&mixer.Weight)
		if mixer.Inverse != nil {
			fn(&mixer.Inverse)
		}
	}
}

// Infer runs the original eager generative procedure on 1-D-shaped tensors:
// spect [batch, mel, time], z [batch, groups, time*stride/groups]. The latent
// partition and scaling match the traceable 2-D reformulation exactly, so the
// two paths are numerically comparable given identical inputs.
func (m *Model) Infer(ctx ml.Context, spect, z ml.Tensor, sigma float32) (ml.Tensor, error) {
	cfg := m.Config

	if len(spect.Shape()) != 3 || spect.Dim(1) != cfg.MelChannels {
		return nil, fmt.Errorf("%w: conditioning features %v", ml.ErrShapeMismatch, spect.Shape())
	}
	if len(z.Shape()) != 3 || z.Dim(1) != cfg.NumGroups {
		return nil, fmt.Errorf("%w: latent noise %v", ml.ErrShapeMismatch, z.Shape())
	}
	if !m.Materialized() {
		return nil, ErrInverseNotMaterialized
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
	spect = spect.Reshape(ctx, batch, cfg.MelChannels, groupLen, cfg.NumGroups).
		Permute(ctx, 0, 2, 1, 3).
		Reshape(ctx, batch, groupLen, cfg.MelChannels*cfg.NumGroups).
		Permute(ctx, 0, 2, 1)

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

		w := ctx.Constant(m.Mixers[k].Inverse).Reshape(ctx, ch, ch, 1)
		audio = w.Conv1D(ctx, audio, nil, 1, 0, 1)

		if k%cfg.EarlyEvery == 0 && k > 0 {
			if left := cfg.RemainderBudget() - injected; left < cfg.EarlySize {
				return nil, fmt.Errorf("%w: stage %d needs %d channels, %d left",
					ErrBudgetExceeded, k, cfg.EarlySize, left)
			}
			start := cfg.RemainingChannels + injected
			audio = z.Slice(ctx, 1, start, start+cfg.EarlySize).Concat(ctx, audio, 1)
			injected += cfg.EarlySize
		}
	}

	return audio.Permute(ctx, 0, 2, 1).Reshape(ctx, batch, groupLen*cfg.NumGroups), nil
}
