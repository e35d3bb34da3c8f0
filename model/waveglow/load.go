package waveglow

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/vocoderlab/glowonnx/ml"
	"github.com/vocoderlab/glowonnx/ml/nn"
)

// ErrCheckpointLoad reports an unreadable or structurally unexpected
// checkpoint.
var ErrCheckpointLoad = errors.New("checkpoint load failed")

// Load reads a training checkpoint and assembles the model on the given
// backend. Weight-normalized parameters are folded into plain weights, and
// the tensor shapes are cross-checked against the architecture they imply.
func Load(ctx ml.Context, path string) (*Model, error) {
	raw, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCheckpointLoad, path, err)
	}

	params, err := stateDict(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCheckpointLoad, path, err)
	}

	m, err := assemble(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCheckpointLoad, path, err)
	}

	return m, nil
}

// stateDict digs the parameter map out of the checkpoint, which may be the
// state dict itself or a wrapper dict holding it under a conventional key.
// Keys written by data-parallel training carry a "module." prefix; strip it.
func stateDict(raw any) (map[string]*pytorch.Tensor, error) {
	entries, ok := dictEntries(raw)
	if !ok {
		return nil, fmt.Errorf("unexpected checkpoint payload %T", raw)
	}

	for _, key := range []string{"state_dict", "model"} {
		if nested, found := entries[key]; found {
			if inner, ok := dictEntries(nested); ok {
				entries = inner
			}
			break
		}
	}

	params := make(map[string]*pytorch.Tensor, len(entries))
	for key, value := range entries {
		t, ok := value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		params[strings.TrimPrefix(key, "module.")] = t
	}

	if len(params) == 0 {
		return nil, errors.New("no tensors in checkpoint")
	}

	return params, nil
}

func dictEntries(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case *types.Dict:
		out := make(map[string]any)
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				continue
			}
			out[key] = d.MustGet(k)
		}
		return out, true
	case *types.OrderedDict:
		out := make(map[string]any, len(d.Map))
		for k, e := range d.Map {
			key, ok := k.(string)
			if !ok {
				continue
			}
			out[key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func assemble(ctx ml.Context, params map[string]*pytorch.Tensor) (*Model, error) {
	ld := &loader{ctx: ctx, params: params}

	upsample := &nn.ConvTranspose1D{
		Weight: ld.tensor("upsample.weight"),
		Bias:   ld.tensor("upsample.bias"),
	}
	if ld.err != nil {
		return nil, ld.err
	}

	cfg := Config{
		MelChannels:    upsample.Weight.Dim(0),
		EarlyEvery:     4,
		EarlySize:      2,
		UpsampleStride: 256,
	}
	upsample.Stride = cfg.UpsampleStride

	for ld.has(fmt.Sprintf("WN.%d.start.weight", cfg.NumFlows)) ||
		ld.has(fmt.Sprintf("WN.%d.start.weight_v", cfg.NumFlows)) {
		cfg.NumFlows++
	}
	if cfg.NumFlows == 0 {
		return nil, errors.New("no flow stages found")
	}

	mixers := make([]*InvertibleMixing, cfg.NumFlows)
	for k := range mixers {
		mixers[k] = &InvertibleMixing{Weight: ld.tensor(fmt.Sprintf("convinv.%d.conv.weight", k))}
	}
	if ld.err != nil {
		return nil, ld.err
	}

	cfg.NumGroups = mixers[0].Weight.Dim(0)
	cfg.RemainingChannels = mixers[cfg.NumFlows-1].Weight.Dim(0)

	if got, want := cfg.InjectionTotal(), cfg.RemainderBudget(); got != want {
		return nil, fmt.Errorf("early-exit schedule injects %d channels but %d are set aside", got, want)
	}

	flows := make([]*FlowStage, cfg.NumFlows)
	for k := range flows {
		stage, err := ld.flowStage(k)
		if err != nil {
			return nil, err
		}
		if ch := cfg.ChannelsAt(k); mixers[k].Weight.Dim(0) != ch {
			return nil, fmt.Errorf("mixing stage %d has %d channels, schedule expects %d",
				k, mixers[k].Weight.Dim(0), ch)
		}
		flows[k] = stage
	}

	return &Model{Config: cfg, Upsample: upsample, Flows: flows, Mixers: mixers}, nil
}

type loader struct {
	ctx      ml.Context
	params   map[string]*pytorch.Tensor
	storages map[string]bool
	err      error
}

func (ld *loader) has(key string) bool {
	_, ok := ld.params[key]
	return ok
}

func (ld *loader) flowStage(k int) (*FlowStage, error) {
	stage := &FlowStage{
		Start: ld.conv(fmt.Sprintf("WN.%d.start", k)),
		End:   ld.conv(fmt.Sprintf("WN.%d.end", k)),
	}

	for i := 0; ld.has(fmt.Sprintf("WN.%d.in_layers.%d.weight_v", k, i)) ||
		ld.has(fmt.Sprintf("WN.%d.in_layers.%d.weight", k, i)); i++ {
		in := ld.conv(fmt.Sprintf("WN.%d.in_layers.%d", k, i))
		in.Dilation = 1 << i
		in.Padding = in.Dilation * (in.Weight.Dim(2) - 1) / 2

		stage.In = append(stage.In, in)
		stage.ResSkip = append(stage.ResSkip, ld.conv(fmt.Sprintf("WN.%d.res_skip_layers.%d", k, i)))
		stage.Cond = append(stage.Cond, ld.conv(fmt.Sprintf("WN.%d.cond_layers.%d", k, i)))
	}
	if ld.err != nil {
		return nil, ld.err
	}

	if len(stage.In) == 0 {
		return nil, fmt.Errorf("flow stage %d has no dilated layers", k)
	}
	if len(stage.ResSkip) != len(stage.In) || len(stage.Cond) != len(stage.In) {
		return nil, fmt.Errorf("flow stage %d layer lists disagree: %d dilated, %d residual, %d conditioning",
			k, len(stage.In), len(stage.ResSkip), len(stage.Cond))
	}

	stage.Channels = stage.Start.Weight.Dim(0)
	return stage, nil
}

// conv builds a 1-D convolution from "<prefix>.weight"/"<prefix>.bias",
// folding weight normalization when the checkpoint stores the parameter as a
// direction/magnitude pair instead.
func (ld *loader) conv(prefix string) *nn.Conv1D {
	c := &nn.Conv1D{Stride: 1, Dilation: 1}

	if ld.has(prefix + ".weight_v") {
		c.Weight = ld.foldWeightNorm(prefix)
	} else {
		c.Weight = ld.tensor(prefix + ".weight")
	}
	if ld.has(prefix + ".bias") {
		c.Bias = ld.tensor(prefix + ".bias")
	}

	return c
}

// foldWeightNorm rebuilds w = g * v / ||v|| per output channel, removing the
// reparameterization so the graph carries a single weight tensor.
func (ld *loader) foldWeightNorm(prefix string) ml.Tensor {
	g, gshape := ld.floats(prefix + ".weight_g")
	v, vshape := ld.floats(prefix + ".weight_v")
	if ld.err != nil {
		return nil
	}

	out := vshape[0]
	per := len(v) / out
	if len(g) != out {
		ld.err = fmt.Errorf("%s: magnitude has %d entries for %d output channels (shape %v)",
			prefix, len(g), out, gshape)
		return nil
	}

	w := make([]float32, len(v))
	for o := 0; o < out; o++ {
		var norm float64
		for i := o * per; i < (o+1)*per; i++ {
			norm += float64(v[i]) * float64(v[i])
		}
		scale := float64(g[o]) / math.Sqrt(norm)
		for i := o * per; i < (o+1)*per; i++ {
			w[i] = float32(float64(v[i]) * scale)
		}
	}

	t, err := ld.ctx.FromFloatSlice(w, vshape...)
	if err != nil {
		ld.err = fmt.Errorf("%s: %w", prefix, err)
		return nil
	}
	return t
}

func (ld *loader) tensor(key string) ml.Tensor {
	data, shape := ld.floats(key)
	if ld.err != nil {
		return nil
	}

	t, err := ld.ctx.FromFloatSlice(data, shape...)
	if err != nil {
		ld.err = fmt.Errorf("%s: %w", key, err)
		return nil
	}
	return t
}

// floats copies a checkpoint tensor into a contiguous float32 slice. Storage
// strides must describe a dense row-major layout; anything else means the
// tensor was saved as a view and cannot be copied verbatim.
func (ld *loader) floats(key string) ([]float32, []int) {
	if ld.err != nil {
		return nil, nil
	}

	pt, ok := ld.params[key]
	if !ok {
		ld.err = fmt.Errorf("missing parameter %q", key)
		return nil, nil
	}

	shape := make([]int, len(pt.Size))
	copy(shape, pt.Size)

	if !contiguous(pt) {
		ld.err = fmt.Errorf("parameter %q is not contiguous (shape %v, stride %v)", key, pt.Size, pt.Stride)
		return nil, nil
	}

	n := 1
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	switch storage := pt.Source.(type) {
	case *pytorch.FloatStorage:
		ld.sawStorage("float32")
		copy(data, storage.Data[pt.StorageOffset:pt.StorageOffset+n])
	case *pytorch.HalfStorage:
		ld.sawStorage("float16")
		copy(data, storage.Data[pt.StorageOffset:pt.StorageOffset+n])
	case *pytorch.DoubleStorage:
		ld.sawStorage("float64")
		for i, v := range storage.Data[pt.StorageOffset : pt.StorageOffset+n] {
			data[i] = float32(v)
		}
	default:
		ld.err = fmt.Errorf("parameter %q has unsupported storage %T", key, pt.Source)
		return nil, nil
	}

	return data, shape
}

// sawStorage tracks the storage precisions encountered so far. Parameter
// tensors saved at different precisions cannot share one graph; fail instead
// of silently promoting.
func (ld *loader) sawStorage(kind string) {
	if ld.storages == nil {
		ld.storages = make(map[string]bool)
	}
	ld.storages[kind] = true
	if len(ld.storages) > 1 {
		kinds := make([]string, 0, len(ld.storages))
		for k := range ld.storages {
			kinds = append(kinds, k)
		}
		ld.err = fmt.Errorf("%w: checkpoint mixes %s parameters", ml.ErrPrecisionMismatch, strings.Join(kinds, " and "))
	}
}

func contiguous(pt *pytorch.Tensor) bool {
	expect := 1
	for i := len(pt.Size) - 1; i >= 0; i-- {
		if pt.Size[i] != 1 && pt.Stride[i] != expect {
			return false
		}
		expect *= pt.Size[i]
	}
	return true
}
