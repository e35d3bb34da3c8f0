package cpu

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/vocoderlab/glowonnx/ml"
)

// Conv1D performs a deterministic convolution over [batch, channels, time]
// input with the receiver as weight [outCh, inCh, kernel].
func (t *Tensor) Conv1D(_ ml.Context, x, bias ml.Tensor, stride, padding, dilation int) ml.Tensor {
	cx := from(x)

	ws, xs := t.Shape(), cx.Shape()
	if len(ws) != 3 || len(xs) != 3 || ws[1] != xs[1] {
		panic(fmt.Sprintf("cpu: conv1d weight %v incompatible with input %v", ws, xs))
	}

	batch, inCh, length := xs[0], xs[1], xs[2]
	outCh, kernel := ws[0], ws[2]
	outLen := ml.ConvOutSize(length, kernel, stride, padding, dilation)

	var biasData []float32
	if bias != nil {
		biasData = from(bias).Floats()
	}

	w := t.Floats()
	in := cx.Floats()
	out := make([]float32, batch*outCh*outLen)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < outCh; oc++ {
			var b0 float32
			if biasData != nil {
				b0 = biasData[oc]
			}
			outRow := out[(b*outCh+oc)*outLen:]
			for ox := 0; ox < outLen; ox++ {
				acc := b0
				for ic := 0; ic < inCh; ic++ {
					inRow := in[(b*inCh+ic)*length:]
					wRow := w[(oc*inCh+ic)*kernel:]
					for k := 0; k < kernel; k++ {
						ix := ox*stride - padding + k*dilation
						if ix >= 0 && ix < length {
							acc += wRow[k] * inRow[ix]
						}
					}
				}
				outRow[ox] = acc
			}
		}
	}

	return &Tensor{
		dense:  tensor.New(tensor.WithShape(batch, outCh, outLen), tensor.WithBacking(out)),
		dtype:  cx.dtype,
		device: cx.device,
	}
}

// Conv2D performs a convolution over [batch, channels, h, w] input with the
// receiver as weight [outCh, inCh, kh, kw].
func (t *Tensor) Conv2D(_ ml.Context, x, bias ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	cx := from(x)

	ws, xs := t.Shape(), cx.Shape()
	if len(ws) != 4 || len(xs) != 4 || ws[1] != xs[1] {
		panic(fmt.Sprintf("cpu: conv2d weight %v incompatible with input %v", ws, xs))
	}

	batch, inCh, inH, inW := xs[0], xs[1], xs[2], xs[3]
	outCh, kh, kw := ws[0], ws[2], ws[3]
	outH := ml.ConvOutSize(inH, kh, s0, p0, d0)
	outW := ml.ConvOutSize(inW, kw, s1, p1, d1)

	var biasData []float32
	if bias != nil {
		biasData = from(bias).Floats()
	}

	w := t.Floats()
	in := cx.Floats()
	out := make([]float32, batch*outCh*outH*outW)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < outCh; oc++ {
			var b0 float32
			if biasData != nil {
				b0 = biasData[oc]
			}
			outPlane := out[(b*outCh+oc)*outH*outW:]
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					acc := b0
					for ic := 0; ic < inCh; ic++ {
						inPlane := in[(b*inCh+ic)*inH*inW:]
						wPlane := w[(oc*inCh+ic)*kh*kw:]
						for ky := 0; ky < kh; ky++ {
							iy := oy*s0 - p0 + ky*d0
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*s1 - p1 + kx*d1
								if ix >= 0 && ix < inW {
									acc += wPlane[ky*kw+kx] * inPlane[iy*inW+ix]
								}
							}
						}
					}
					outPlane[oy*outW+ox] = acc
				}
			}
		}
	}

	return &Tensor{
		dense:  tensor.New(tensor.WithShape(batch, outCh, outH, outW), tensor.WithBacking(out)),
		dtype:  cx.dtype,
		device: cx.device,
	}
}

// ConvTranspose1D scatters input contributions into the upsampled output.
// Weight layout is the checkpoint's [inCh, outCh, kernel].
func (t *Tensor) ConvTranspose1D(_ ml.Context, x, bias ml.Tensor, stride int) ml.Tensor {
	cx := from(x)

	ws, xs := t.Shape(), cx.Shape()
	if len(ws) != 3 || len(xs) != 3 || ws[0] != xs[1] {
		panic(fmt.Sprintf("cpu: convtranspose1d weight %v incompatible with input %v", ws, xs))
	}

	batch, inCh, inLen := xs[0], xs[1], xs[2]
	outCh, kernel := ws[1], ws[2]
	outLen := ml.ConvTransposeOutSize(inLen, kernel, stride)

	w := t.Floats()
	in := cx.Floats()
	out := make([]float32, batch*outCh*outLen)

	if bias != nil {
		biasData := from(bias).Floats()
		for b := 0; b < batch; b++ {
			for oc := 0; oc < outCh; oc++ {
				outRow := out[(b*outCh+oc)*outLen:]
				for i := 0; i < outLen; i++ {
					outRow[i] = biasData[oc]
				}
			}
		}
	}

	for b := 0; b < batch; b++ {
		for ic := 0; ic < inCh; ic++ {
			inRow := in[(b*inCh+ic)*inLen:]
			for ix := 0; ix < inLen; ix++ {
				v := inRow[ix]
				if v == 0 {
					continue
				}
				base := ix * stride
				for oc := 0; oc < outCh; oc++ {
					outRow := out[(b*outCh+oc)*outLen:]
					wRow := w[(ic*outCh+oc)*kernel:]
					for k := 0; k < kernel; k++ {
						outRow[base+k] += v * wRow[k]
					}
				}
			}
		}
	}

	return &Tensor{
		dense:  tensor.New(tensor.WithShape(batch, outCh, outLen), tensor.WithBacking(out)),
		dtype:  cx.dtype,
		device: cx.device,
	}
}

// ConvTranspose2D is the two-axis form with weight [inCh, outCh, kh, kw].
func (t *Tensor) ConvTranspose2D(_ ml.Context, x, bias ml.Tensor, s0, s1 int) ml.Tensor {
	cx := from(x)

	ws, xs := t.Shape(), cx.Shape()
	if len(ws) != 4 || len(xs) != 4 || ws[0] != xs[1] {
		panic(fmt.Sprintf("cpu: convtranspose2d weight %v incompatible with input %v", ws, xs))
	}

	batch, inCh, inH, inW := xs[0], xs[1], xs[2], xs[3]
	outCh, kh, kw := ws[1], ws[2], ws[3]
	outH := ml.ConvTransposeOutSize(inH, kh, s0)
	outW := ml.ConvTransposeOutSize(inW, kw, s1)

	w := t.Floats()
	in := cx.Floats()
	out := make([]float32, batch*outCh*outH*outW)

	if bias != nil {
		biasData := from(bias).Floats()
		for b := 0; b < batch; b++ {
			for oc := 0; oc < outCh; oc++ {
				outPlane := out[(b*outCh+oc)*outH*outW:]
				for i := 0; i < outH*outW; i++ {
					outPlane[i] = biasData[oc]
				}
			}
		}
	}

	for b := 0; b < batch; b++ {
		for ic := 0; ic < inCh; ic++ {
			inPlane := in[(b*inCh+ic)*inH*inW:]
			for iy := 0; iy < inH; iy++ {
				for ix := 0; ix < inW; ix++ {
					v := inPlane[iy*inW+ix]
					if v == 0 {
						continue
					}
					baseY, baseX := iy*s0, ix*s1
					for oc := 0; oc < outCh; oc++ {
						outPlane := out[(b*outCh+oc)*outH*outW:]
						wPlane := w[(ic*outCh+oc)*kh*kw:]
						for ky := 0; ky < kh; ky++ {
							outRow := outPlane[(baseY+ky)*outW:]
							for kx := 0; kx < kw; kx++ {
								outRow[baseX+kx] += v * wPlane[ky*kw+kx]
							}
						}
					}
				}
			}
		}
	}

	return &Tensor{
		dense:  tensor.New(tensor.WithShape(batch, outCh, outH, outW), tensor.WithBacking(out)),
		dtype:  cx.dtype,
		device: cx.device,
	}
}
