package tensor

import "math"

// MaxPool2d takes the maximum over k×k windows. Padded positions never win.
func MaxPool2d(x *Tensor, k, stride, padding int) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("maxpool2d", x.shape)
	}
	n, c, h, w := x.Dims()
	oh := ConvOutputSize(h, k, stride, padding)
	ow := ConvOutputSize(w, k, stride, padding)
	if oh < 1 || ow < 1 {
		return nil, mismatch("maxpool2d", x.shape, []int{k, k})
	}
	out := make([]float64, n*c*oh*ow)
	argmax := make([]int, len(out))
	for p := 0; p < n*c; p++ {
		src := p * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := math.Inf(-1)
				idx := -1
				for ki := 0; ki < k; ki++ {
					iy := y*stride - padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					for kj := 0; kj < k; kj++ {
						ix := xx*stride - padding + kj
						if ix < 0 || ix >= w {
							continue
						}
						j := src + iy*w + ix
						if idx < 0 || x.Data[j] > best {
							best = x.Data[j]
							idx = j
						}
					}
				}
				o := (p*oh+y)*ow + xx
				out[o] = best
				argmax[o] = idx
			}
		}
	}
	return result("maxpool2d", []int{n, c, oh, ow}, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for o, j := range argmax {
			if j >= 0 {
				xg[j] += g[o]
			}
		}
	}), nil
}

// AdaptiveAvgPool2d averages x over an oh×ow grid of bins. Bin i along an
// axis of length n covers [floor(i*n/oh), ceil((i+1)*n/oh)), which is the
// "area" interpolation rule.
func AdaptiveAvgPool2d(x *Tensor, oh, ow int) (*Tensor, error) {
	if !x.is4D() || oh < 1 || ow < 1 {
		return nil, mismatch("adaptive avgpool2d", x.shape, []int{oh, ow})
	}
	n, c, h, w := x.Dims()
	if h == oh && w == ow {
		return result("adaptive avgpool2d", x.shape, append([]float64(nil), x.Data...), []*Tensor{x}, func(g []float64) {
			accumulate(x, g)
		}), nil
	}
	ys0, ys1 := adaptiveBins(h, oh)
	xs0, xs1 := adaptiveBins(w, ow)
	out := make([]float64, n*c*oh*ow)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				var sum float64
				for iy := ys0[y]; iy < ys1[y]; iy++ {
					for ix := xs0[xx]; ix < xs1[xx]; ix++ {
						sum += src[iy*w+ix]
					}
				}
				area := float64((ys1[y] - ys0[y]) * (xs1[xx] - xs0[xx]))
				out[(p*oh+y)*ow+xx] = sum / area
			}
		}
	}
	return result("adaptive avgpool2d", []int{n, c, oh, ow}, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for p := 0; p < n*c; p++ {
			dst := xg[p*h*w : (p+1)*h*w]
			for y := 0; y < oh; y++ {
				for xx := 0; xx < ow; xx++ {
					area := float64((ys1[y] - ys0[y]) * (xs1[xx] - xs0[xx]))
					v := g[(p*oh+y)*ow+xx] / area
					for iy := ys0[y]; iy < ys1[y]; iy++ {
						for ix := xs0[xx]; ix < xs1[xx]; ix++ {
							dst[iy*w+ix] += v
						}
					}
				}
			}
		}
	}), nil
}

func adaptiveBins(in, out int) (start, end []int) {
	start = make([]int, out)
	end = make([]int, out)
	for i := 0; i < out; i++ {
		start[i] = (i * in) / out
		end[i] = ((i+1)*in + out - 1) / out
	}
	return start, end
}

// AvgPool2d averages non-overlapping k×k windows. The input extent must be
// divisible by k.
func AvgPool2d(x *Tensor, k int) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("avgpool2d", x.shape)
	}
	_, _, h, w := x.Dims()
	if k < 1 || h%k != 0 || w%k != 0 {
		return nil, mismatch("avgpool2d", x.shape, []int{k, k})
	}
	return AdaptiveAvgPool2d(x, h/k, w/k)
}

// Interpolate resizes x to oh×ow with area averaging.
func Interpolate(x *Tensor, oh, ow int) (*Tensor, error) {
	return AdaptiveAvgPool2d(x, oh, ow)
}
