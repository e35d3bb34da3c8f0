package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/vocoderlab/glowonnx/ml"
)

func tensorOf(t *testing.T, ctx *Context, data []float32, shape ...int) ml.Tensor {
	t.Helper()
	out, err := ctx.FromFloatSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestConv1D(t *testing.T) {
	ctx := New()
	x := tensorOf(t, ctx, []float32{1, 2, 3, 4}, 1, 1, 4)

	cases := []struct {
		name                      string
		weight                    []float32
		stride, padding, dilation int
		want                      []float32
	}{
		{"unit kernel", []float32{2}, 1, 0, 1, []float32{2, 4, 6, 8}},
		{"sum pairs", []float32{1, 1}, 1, 0, 1, []float32{3, 5, 7}},
		{"padded", []float32{1, 1}, 1, 1, 1, []float32{1, 3, 5, 7, 4}},
		{"strided", []float32{1, 1}, 2, 0, 1, []float32{3, 7}},
		{"dilated", []float32{1, 1}, 1, 0, 2, []float32{4, 6}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := tensorOf(t, ctx, tt.weight, 1, 1, len(tt.weight))
			got := w.Conv1D(ctx, x, nil, tt.stride, tt.padding, tt.dilation).Floats()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestConv1DBias(t *testing.T) {
	ctx := New()
	x := tensorOf(t, ctx, []float32{1, 2, 3}, 1, 1, 3)
	w := tensorOf(t, ctx, []float32{1, 2}, 2, 1, 1)
	bias := tensorOf(t, ctx, []float32{10, 20}, 2)

	got := w.Conv1D(ctx, x, bias, 1, 0, 1)
	want := []float32{11, 12, 13, 22, 24, 26}
	if !ml.SameShape(got.Shape(), []int{1, 2, 3}) {
		t.Fatalf("shape = %v", got.Shape())
	}
	for i, v := range got.Floats() {
		if v != want[i] {
			t.Fatalf("got %v, want %v", got.Floats(), want)
		}
	}
}

func TestConvTranspose1D(t *testing.T) {
	ctx := New()
	x := tensorOf(t, ctx, []float32{1, 2}, 1, 1, 2)
	w := tensorOf(t, ctx, []float32{1, 1, 1}, 1, 1, 3)

	got := w.ConvTranspose1D(ctx, x, nil, 2)
	want := []float32{1, 1, 3, 2, 2}
	if !ml.SameShape(got.Shape(), []int{1, 1, 5}) {
		t.Fatalf("shape = %v", got.Shape())
	}
	for i, v := range got.Floats() {
		if v != want[i] {
			t.Fatalf("got %v, want %v", got.Floats(), want)
		}
	}
}

// A 1-D convolution and its 2-D counterpart with a trailing singleton kernel
// axis must agree exactly on data carrying a trailing singleton width axis.
func TestConv2DMatchesConv1D(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ctx := New()

	cases := []struct {
		name                      string
		in, out, kernel           int
		stride, padding, dilation int
	}{
		{"pointwise", 4, 6, 1, 1, 0, 1},
		{"same padded", 3, 3, 3, 1, 1, 1},
		{"dilated", 2, 4, 3, 1, 2, 2},
		{"strided", 5, 2, 4, 2, 1, 1},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			const length = 11
			x := randTensor(t, ctx, rng, 2, tt.in, length)
			w := randTensor(t, ctx, rng, tt.out, tt.in, tt.kernel)
			bias := randTensor(t, ctx, rng, tt.out)

			got1d := w.Conv1D(ctx, x, bias, tt.stride, tt.padding, tt.dilation)
			got2d := w.Reshape(ctx, tt.out, tt.in, tt.kernel, 1).
				Conv2D(ctx, x.Reshape(ctx, 2, tt.in, length, 1), bias,
					tt.stride, 1, tt.padding, 0, tt.dilation, 1)

			outLen := ml.ConvOutSize(length, tt.kernel, tt.stride, tt.padding, tt.dilation)
			if !ml.SameShape(got2d.Shape(), []int{2, tt.out, outLen, 1}) {
				t.Fatalf("2-D shape = %v", got2d.Shape())
			}
			assertClose(t, got1d.Floats(), got2d.Floats(), 1e-6)
		})
	}
}

func TestConvTranspose2DMatchesConvTranspose1D(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ctx := New()

	const in, out, kernel, stride, length = 3, 2, 8, 4, 6
	x := randTensor(t, ctx, rng, 1, in, length)
	w := randTensor(t, ctx, rng, in, out, kernel)
	bias := randTensor(t, ctx, rng, out)

	got1d := w.ConvTranspose1D(ctx, x, bias, stride)
	got2d := w.Reshape(ctx, in, out, kernel, 1).
		ConvTranspose2D(ctx, x.Reshape(ctx, 1, in, length, 1), bias, stride, 1)

	if want := ml.ConvTransposeOutSize(length, kernel, stride); got1d.Dim(2) != want {
		t.Fatalf("1-D output length = %d, want %d", got1d.Dim(2), want)
	}
	assertClose(t, got1d.Floats(), got2d.Floats(), 1e-6)
}

func randTensor(t *testing.T, ctx *Context, rng *rand.Rand, shape ...int) ml.Tensor {
	t.Helper()
	data := make([]float32, ml.Numel(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensorOf(t, ctx, data, shape...)
}

func assertClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("length %d != %d", len(got), len(want))
	}
	for i := range want {
		if d := math.Abs(float64(want[i]) - float64(got[i])); d > tol {
			t.Fatalf("element %d: got %g, want %g (diff %g)", i, got[i], want[i], d)
		}
	}
}
