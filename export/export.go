// Package export drives the end-to-end conversion: load the checkpoint,
// materialize the mixing inverses, rewrite to 2-D, bind the generative
// function and trace it into a serialized ONNX graph. The stages run in that
// fixed order; each consumes what the previous one produced.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/vocoderlab/glowonnx/convert"
	"github.com/vocoderlab/glowonnx/format"
	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/ml/backend/cpu"
	"github.com/vocoderlab/glowonnx/ml/backend/trace"
	"github.com/vocoderlab/glowonnx/model/waveglow"
)

// ErrSerialization reports a failure while writing the graph artifact.
var ErrSerialization = errors.New("graph serialization failed")

// OutputName is the fixed artifact file name inside the output directory.
const OutputName = "waveglow.onnx"

// traceFrames is the conditioning length used for the single traced
// evaluation. The exported axes stay dynamic; the value only fixes the
// example tensor shapes.
const traceFrames = 620

type Options struct {
	Checkpoint string
	OutputDir  string

	// ReducedPrecision stores parameters as float16 in the artifact.
	ReducedPrecision bool

	// Sigma scales the latent noise channels that seed the audio.
	Sigma float32

	// Verify runs the eager 1-D and rewritten 2-D procedures on the example
	// inputs and requires their outputs to agree before exporting.
	Verify bool

	UpsampleStride int
}

// Run executes the conversion and writes <OutputDir>/waveglow.onnx. The file
// appears only on success; serialization happens to a temporary file that is
// renamed into place.
func Run(opts Options) error {
	ctx := cpu.New()

	if fi, err := os.Stat(opts.Checkpoint); err == nil {
		slog.Info("loading checkpoint", "path", opts.Checkpoint, "size", format.HumanBytes2(uint64(fi.Size())))
	} else {
		slog.Info("loading checkpoint", "path", opts.Checkpoint)
	}
	model, err := waveglow.Load(ctx, opts.Checkpoint)
	if err != nil {
		return err
	}
	if opts.UpsampleStride > 0 {
		model.Config.UpsampleStride = opts.UpsampleStride
		model.Upsample.Stride = opts.UpsampleStride
	}

	cfg := model.Config
	slog.Info("checkpoint loaded",
		"flows", cfg.NumFlows,
		"groups", cfg.NumGroups,
		"mel_channels", cfg.MelChannels,
		"upsample_stride", cfg.UpsampleStride)

	if err := model.CheckUniform(); err != nil {
		return err
	}

	if opts.ReducedPrecision && model.DType() != ml.DTypeF16 {
		slog.Info("reducing parameter precision", "dtype", ml.DTypeF16)
		model.Cast(ctx, ml.DTypeF16)
	}

	slog.Info("materializing mixing inverses", "stages", len(model.Mixers))
	if err := model.MaterializeInverses(ctx); err != nil {
		return err
	}

	spect, z, err := exampleInputs(ctx, cfg, model.DType())
	if err != nil {
		return err
	}

	var eager ml.Tensor
	if opts.Verify {
		slog.Info("evaluating reference procedure", "frames", traceFrames)
		b, c, t := spect.Dim(0), spect.Dim(1), spect.Dim(2)
		zb, zc, zt := z.Dim(0), z.Dim(1), z.Dim(2)
		eager, err = model.Infer(ctx,
			spect.Reshape(ctx, b, c, t),
			z.Reshape(ctx, zb, zc, zt),
			opts.Sigma)
		if err != nil {
			return err
		}
	}

	slog.Info("rewriting model to 2-D operators")
	model2d, err := convert.Rewrite(ctx, model)
	if err != nil {
		return err
	}

	if opts.Verify {
		rewritten, err := model2d.Infer(ctx, spect, z, opts.Sigma)
		if err != nil {
			return err
		}
		if err := compare(eager, rewritten, verifyTolerance(model2d)); err != nil {
			return err
		}
		slog.Info("rewrite verified against reference procedure")
	}

	return serialize(opts, model2d, spect, z)
}

func serialize(opts Options, model2d *convert.Model2D, spect, z ml.Tensor) error {
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}

	tmp, err := os.CreateTemp(opts.OutputDir, "waveglow-*.onnx")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	inputs := []trace.InputSpec{
		{Name: "mel", Example: spect, Dynamic: map[int]string{0: "batch_size", 2: "mel_seq"}},
		{Name: "z", Example: z, Dynamic: map[int]string{0: "batch_size", 2: "z_seq"}},
	}
	output := trace.OutputSpec{
		Name:    "audio",
		Dynamic: map[int]string{0: "batch_size", 1: "audio_seq"},
	}

	slog.Info("tracing generative function", "sigma", opts.Sigma)
	err = trace.Export(tmp, "waveglow", "glowonnx", inputs, output,
		func(ctx ml.Context, args []ml.Tensor) (ml.Tensor, error) {
			return model2d.Infer(ctx, args[0], args[1], opts.Sigma)
		})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}

	dst := filepath.Join(opts.OutputDir, OutputName)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("%w: %s", ErrSerialization, err)
	}

	var size int64
	if fi, err := os.Stat(dst); err == nil {
		size = fi.Size()
	}
	slog.Info("export complete", "path", dst, "size", format.HumanBytes(size))
	return nil
}

// exampleInputs builds deterministic standard-normal example tensors at the
// trace geometry. Values only matter for --verify; the graph itself depends
// on shapes alone.
func exampleInputs(ctx *cpu.Context, cfg waveglow.Config, dtype ml.DType) (spect, z ml.Tensor, err error) {
	rng := rand.New(rand.NewSource(1))

	normal := func(shape ...int) (ml.Tensor, error) {
		data := make([]float32, ml.Numel(shape))
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		t, err := ctx.FromFloatSlice(data, shape...)
		if err != nil {
			return nil, err
		}
		if dtype != ml.DTypeF32 {
			t = ctx.Cast(t, dtype)
		}
		return t, nil
	}

	samples := traceFrames * cfg.UpsampleStride
	if spect, err = normal(1, cfg.MelChannels, traceFrames, 1); err != nil {
		return nil, nil, err
	}
	if z, err = normal(1, cfg.NumGroups, samples/cfg.NumGroups, 1); err != nil {
		return nil, nil, err
	}
	return spect, z, nil
}

func verifyTolerance(m *convert.Model2D) float64 {
	if m.Upsample.Weight.DType() == ml.DTypeF16 {
		return 1e-2
	}
	return 1e-4
}

func compare(want, got ml.Tensor, tol float64) error {
	a, b := want.Floats(), got.Floats()
	if len(a) != len(b) {
		return fmt.Errorf("%w: reference produced %d samples, rewrite %d", ml.ErrShapeMismatch, len(a), len(b))
	}

	var worst float64
	for i := range a {
		if d := math.Abs(float64(a[i]) - float64(b[i])); d > worst {
			worst = d
		}
	}
	if worst > tol {
		return fmt.Errorf("rewrite diverges from reference procedure: max abs error %g exceeds %g", worst, tol)
	}

	slog.Debug("verification error", "max_abs", worst)
	return nil
}
