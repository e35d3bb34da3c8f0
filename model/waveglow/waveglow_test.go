package waveglow

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/ml/backend/cpu"
	"github.com/vocoderlab/glowonnx/ml/nn"
)

// testConfig is a scaled-down architecture that still exercises one early
// exit: eight flow stages, four groups, two channels injected at stage four.
var testConfig = Config{
	MelChannels:       3,
	NumFlows:          8,
	NumGroups:         4,
	EarlyEvery:        4,
	EarlySize:         2,
	RemainingChannels: 2,
	UpsampleStride:    2,
}

const (
	testWNChannels = 4
	testWNLayers   = 2
	testWNKernel   = 3
	testUpKernel   = 4
)

func randWeights(t *testing.T, ctx ml.Context, rng *rand.Rand, scale float32, shape ...int) ml.Tensor {
	t.Helper()
	data := make([]float32, ml.Numel(shape))
	for i := range data {
		data[i] = scale * float32(rng.NormFloat64())
	}
	out, err := ctx.FromFloatSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func testConv(t *testing.T, ctx ml.Context, rng *rand.Rand, out, in, kernel int) *nn.Conv1D {
	t.Helper()
	return &nn.Conv1D{
		Weight:   randWeights(t, ctx, rng, 0.2, out, in, kernel),
		Bias:     randWeights(t, ctx, rng, 0.2, out),
		Stride:   1,
		Dilation: 1,
	}
}

// newTestModel builds a random model at the given architecture. Mixing
// weights are diagonally dominant so every stage stays comfortably invertible.
func newTestModel(t *testing.T, ctx ml.Context, rng *rand.Rand, cfg Config) *Model {
	t.Helper()

	m := &Model{
		Config: cfg,
		Upsample: &nn.ConvTranspose1D{
			Weight: randWeights(t, ctx, rng, 0.2, cfg.MelChannels, cfg.MelChannels, testUpKernel),
			Bias:   randWeights(t, ctx, rng, 0.2, cfg.MelChannels),
			Stride: cfg.UpsampleStride,
		},
	}

	condChannels := cfg.MelChannels * cfg.NumGroups
	for k := 0; k < cfg.NumFlows; k++ {
		half := cfg.ChannelsAt(k) / 2
		stage := &FlowStage{
			Start:    testConv(t, ctx, rng, testWNChannels, half, 1),
			End:      testConv(t, ctx, rng, 2*half, testWNChannels, 1),
			Channels: testWNChannels,
		}
		for i := 0; i < testWNLayers; i++ {
			in := testConv(t, ctx, rng, 2*testWNChannels, testWNChannels, testWNKernel)
			in.Dilation = 1 << i
			in.Padding = in.Dilation * (testWNKernel - 1) / 2
			stage.In = append(stage.In, in)

			stage.Cond = append(stage.Cond, testConv(t, ctx, rng, 2*testWNChannels, condChannels, 1))

			rsOut := 2 * testWNChannels
			if i == testWNLayers-1 {
				rsOut = testWNChannels
			}
			stage.ResSkip = append(stage.ResSkip, testConv(t, ctx, rng, rsOut, testWNChannels, 1))
		}
		m.Flows = append(m.Flows, stage)

		ch := cfg.ChannelsAt(k)
		mix := make([]float32, ch*ch)
		for i := 0; i < ch; i++ {
			for j := 0; j < ch; j++ {
				mix[i*ch+j] = 0.2 * float32(rng.NormFloat64())
				if i == j {
					mix[i*ch+j] += 1
				}
			}
		}
		w, err := ctx.FromFloatSlice(mix, ch, ch, 1)
		if err != nil {
			t.Fatal(err)
		}
		m.Mixers = append(m.Mixers, &InvertibleMixing{Weight: w})
	}

	return m
}

func testInputs(t *testing.T, ctx ml.Context, rng *rand.Rand, cfg Config, frames int) (spect, z ml.Tensor) {
	t.Helper()
	samples := frames * cfg.UpsampleStride
	spect = randWeights(t, ctx, rng, 1, 1, cfg.MelChannels, frames)
	z = randWeights(t, ctx, rng, 1, 1, cfg.NumGroups, samples/cfg.NumGroups)
	return spect, z
}

func TestInjectionSchedule(t *testing.T) {
	published := Config{
		MelChannels:       80,
		NumFlows:          12,
		NumGroups:         8,
		EarlyEvery:        4,
		EarlySize:         2,
		RemainingChannels: 4,
		UpsampleStride:    256,
	}

	if got, want := published.RemainderBudget(), 4; got != want {
		t.Fatalf("RemainderBudget() = %d, want %d", got, want)
	}
	if got, want := published.InjectionTotal(), 4; got != want {
		t.Fatalf("InjectionTotal() = %d, want %d", got, want)
	}

	wantChannels := []int{8, 8, 8, 8, 6, 6, 6, 6, 4, 4, 4, 4}
	for k, want := range wantChannels {
		if got := published.ChannelsAt(k); got != want {
			t.Fatalf("ChannelsAt(%d) = %d, want %d", k, got, want)
		}
	}
}

func TestMaterializeInverse(t *testing.T) {
	ctx := cpu.New()
	w, err := ctx.FromFloatSlice([]float32{4, 7, 2, 6}, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	mix := &InvertibleMixing{Weight: w}
	if mix.Materialized() {
		t.Fatal("inverse exists before materialization")
	}
	if err := mix.MaterializeInverse(ctx); err != nil {
		t.Fatal(err)
	}

	want := []float32{0.6, -0.7, -0.2, 0.4}
	for i, v := range mix.Inverse.Floats() {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Fatalf("inverse = %v, want %v", mix.Inverse.Floats(), want)
		}
	}

	before := mix.Inverse
	if err := mix.MaterializeInverse(ctx); err != nil {
		t.Fatal(err)
	}
	if mix.Inverse != before {
		t.Fatal("second materialization replaced the inverse")
	}
}

func TestMaterializeInverseSingular(t *testing.T) {
	ctx := cpu.New()
	w, err := ctx.FromFloatSlice([]float32{1, 2, 2, 4}, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	mix := &InvertibleMixing{Weight: w}
	if err := mix.MaterializeInverse(ctx); err == nil {
		t.Fatal("expected an error for a singular mixing matrix")
	}
}

func TestInferRequiresInverses(t *testing.T) {
	ctx := cpu.New()
	rng := rand.New(rand.NewSource(3))
	m := newTestModel(t, ctx, rng, testConfig)
	spect, z := testInputs(t, ctx, rng, m.Config, 4)

	if _, err := m.Infer(ctx, spect, z, 0.6); !errors.Is(err, ErrInverseNotMaterialized) {
		t.Fatalf("err = %v, want ErrInverseNotMaterialized", err)
	}
}

func TestInferShapes(t *testing.T) {
	ctx := cpu.New()
	rng := rand.New(rand.NewSource(4))
	m := newTestModel(t, ctx, rng, testConfig)
	if err := m.MaterializeInverses(ctx); err != nil {
		t.Fatal(err)
	}

	const frames = 4
	spect, z := testInputs(t, ctx, rng, m.Config, frames)
	audio, err := m.Infer(ctx, spect, z, 0.6)
	if err != nil {
		t.Fatal(err)
	}

	// Trimming drops kernel-stride samples from the upsampled features.
	upsampled := (frames-1)*m.Config.UpsampleStride + testUpKernel
	samples := upsampled - (testUpKernel - m.Config.UpsampleStride)
	if !ml.SameShape(audio.Shape(), []int{1, samples}) {
		t.Fatalf("audio shape = %v, want [1 %d]", audio.Shape(), samples)
	}
	for i, v := range audio.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("sample %d is %g", i, v)
		}
	}
}

// Twelve stages with two early exits: the injections drain the reserved
// latent channels exactly, and the deepest stages couple a single channel
// each way.
func TestInferDeepSchedule(t *testing.T) {
	cfg := Config{
		MelChannels:       3,
		NumFlows:          12,
		NumGroups:         6,
		EarlyEvery:        4,
		EarlySize:         2,
		RemainingChannels: 2,
		UpsampleStride:    2,
	}
	if got, want := cfg.InjectionTotal(), cfg.RemainderBudget(); got != want {
		t.Fatalf("InjectionTotal() = %d, RemainderBudget() = %d", got, want)
	}

	ctx := cpu.New()
	rng := rand.New(rand.NewSource(7))
	m := newTestModel(t, ctx, rng, cfg)
	if err := m.MaterializeInverses(ctx); err != nil {
		t.Fatal(err)
	}

	const frames = 6
	spect, z := testInputs(t, ctx, rng, cfg, frames)
	audio, err := m.Infer(ctx, spect, z, 0.6)
	if err != nil {
		t.Fatal(err)
	}

	samples := frames * cfg.UpsampleStride
	if !ml.SameShape(audio.Shape(), []int{1, samples}) {
		t.Fatalf("audio shape = %v, want [1 %d]", audio.Shape(), samples)
	}
	for i, v := range audio.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("sample %d is %g", i, v)
		}
	}
}

func TestInferRejectsBadShapes(t *testing.T) {
	ctx := cpu.New()
	rng := rand.New(rand.NewSource(5))
	m := newTestModel(t, ctx, rng, testConfig)
	if err := m.MaterializeInverses(ctx); err != nil {
		t.Fatal(err)
	}

	spect, z := testInputs(t, ctx, rng, m.Config, 4)
	badSpect := randWeights(t, ctx, rng, 1, 1, m.Config.MelChannels+1, 4)
	if _, err := m.Infer(ctx, badSpect, z, 0.6); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}

	badZ := randWeights(t, ctx, rng, 1, 1, m.Config.NumGroups-1, z.Dim(2))
	if _, err := m.Infer(ctx, spect, badZ, 0.6); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}

	// Right channel count, wrong length: must fail before the reshape, not in it.
	shortZ := randWeights(t, ctx, rng, 1, 1, m.Config.NumGroups, z.Dim(2)-1)
	if _, err := m.Infer(ctx, spect, shortZ, 0.6); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}

	// Three frames upsample to a length not divisible into four groups.
	oddSpect, oddZ := testInputs(t, ctx, rng, m.Config, 3)
	if _, err := m.Infer(ctx, oddSpect, oddZ, 0.6); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestInferBudgetExceeded(t *testing.T) {
	ctx := cpu.New()
	rng := rand.New(rand.NewSource(6))
	m := newTestModel(t, ctx, rng, testConfig)
	if err := m.MaterializeInverses(ctx); err != nil {
		t.Fatal(err)
	}

	// An injection size larger than the reserved channels must fail loudly at
	// the first qualifying stage, not read out of range.
	m.Config.EarlySize = 3
	spect, z := testInputs(t, ctx, rng, m.Config, 4)
	if _, err := m.Infer(ctx, spect, z, 0.6); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestCastWalksEveryParameter(t *testing.T) {
	ctx := cpu.New()
	rng := rand.New(rand.NewSource(8))
	m := newTestModel(t, ctx, rng, testConfig)
	if err := m.MaterializeInverses(ctx); err != nil {
		t.Fatal(err)
	}

	m.Cast(ctx, ml.DTypeF16)

	if got := m.DType(); got != ml.DTypeF16 {
		t.Fatalf("model dtype = %v", got)
	}
	if got := m.Flows[3].Cond[1].Weight.DType(); got != ml.DTypeF16 {
		t.Fatalf("conditioning weight dtype = %v", got)
	}
	if got := m.Mixers[0].Inverse.DType(); got != ml.DTypeF16 {
		t.Fatalf("materialized inverse dtype = %v", got)
	}
	if err := m.CheckUniform(); err != nil {
		t.Fatal(err)
	}
}
