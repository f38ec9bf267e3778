package tensor

// ResizeBilinear resamples x to oh×ow with bilinear interpolation, aligning
// the corner pixels of input and output.
func ResizeBilinear(x *Tensor, oh, ow int) (*Tensor, error) {
	if !x.is4D() || oh < 1 || ow < 1 {
		return nil, mismatch("resize bilinear", x.shape, []int{oh, ow})
	}
	n, c, h, w := x.Dims()
	ys := bilinearTaps(h, oh)
	xs := bilinearTaps(w, ow)
	out := make([]float64, n*c*oh*ow)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out[p*oh*ow : (p+1)*oh*ow]
		for y, ty := range ys {
			r0 := src[ty.lo*w : (ty.lo+1)*w]
			r1 := src[ty.hi*w : (ty.hi+1)*w]
			for xx, tx := range xs {
				top := r0[tx.lo]*(1-tx.frac) + r0[tx.hi]*tx.frac
				bot := r1[tx.lo]*(1-tx.frac) + r1[tx.hi]*tx.frac
				dst[y*ow+xx] = top*(1-ty.frac) + bot*ty.frac
			}
		}
	}
	return result("resize bilinear", []int{n, c, oh, ow}, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for p := 0; p < n*c; p++ {
			dst := xg[p*h*w : (p+1)*h*w]
			gp := g[p*oh*ow : (p+1)*oh*ow]
			for y, ty := range ys {
				for xx, tx := range xs {
					v := gp[y*ow+xx]
					a := v * (1 - ty.frac)
					b := v * ty.frac
					dst[ty.lo*w+tx.lo] += a * (1 - tx.frac)
					dst[ty.lo*w+tx.hi] += a * tx.frac
					dst[ty.hi*w+tx.lo] += b * (1 - tx.frac)
					dst[ty.hi*w+tx.hi] += b * tx.frac
				}
			}
		}
	}), nil
}

// Upsample2x doubles the spatial extent of x with corner-aligned bilinear
// interpolation.
func Upsample2x(x *Tensor) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("upsample", x.shape)
	}
	_, _, h, w := x.Dims()
	return ResizeBilinear(x, 2*h, 2*w)
}

type tap struct {
	lo, hi int
	frac   float64
}

func bilinearTaps(in, out int) []tap {
	taps := make([]tap, out)
	var scale float64
	if out > 1 {
		scale = float64(in-1) / float64(out-1)
	}
	for i := range taps {
		src := float64(i) * scale
		lo := int(src)
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo + 1
		if hi > in-1 {
			hi = in - 1
		}
		taps[i] = tap{lo: lo, hi: hi, frac: src - float64(lo)}
	}
	return taps
}
