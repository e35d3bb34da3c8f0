package trace

import (
	"fmt"
	"io"

	"github.com/vocoderlab/glowonnx/ml"
)

// InputSpec names one graph input, supplies its trace-time example tensor,
// and marks which of its axes stay dynamic in the exported graph.
type InputSpec struct {
	Name    string
	Example ml.Tensor
	Dynamic map[int]string
}

// OutputSpec names the graph output and its dynamic axes.
type OutputSpec struct {
	Name    string
	Dynamic map[int]string
}

// Export evaluates fn once under a recording context and serializes the
// captured graph. fn must be pure: the single evaluation is the entire graph,
// so any data-dependent control flow would be frozen at trace time.
func Export(w io.Writer, graphName, producer string, inputs []InputSpec, output OutputSpec,
	fn func(ml.Context, []ml.Tensor) (ml.Tensor, error),
) error {
	ctx := NewContext()

	args := make([]ml.Tensor, len(inputs))
	for i, in := range inputs {
		args[i] = ctx.Input(in.Name, in.Example, in.Dynamic)
	}

	out, err := fn(ctx, args)
	if err != nil {
		return fmt.Errorf("tracing failed: %w", err)
	}

	model, err := ctx.Finish(graphName, producer, out, output.Name, output.Dynamic)
	if err != nil {
		return fmt.Errorf("serializing graph: %w", err)
	}

	raw, err := model.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serializing graph: %w", err)
	}

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing graph: %w", err)
	}
	return nil
}
