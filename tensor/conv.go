package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/common"
)

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// ConvOutputSize returns the output extent of a convolution or pooling
// window of size k over an input of size n.
func ConvOutputSize(n, k, stride, padding int) int {
	return (n+2*padding-k)/stride + 1
}

// Conv2d cross-correlates x (N, C, H, W) with weight (O, C, KH, KW) and adds
// bias (O) when it is non-nil. Each sample is lowered to a column matrix and
// multiplied with BLAS.
func Conv2d(x, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if !x.is4D() || !weight.is4D() {
		return nil, mismatch("conv2d", x.shape, weight.shape)
	}
	n, c, h, w := x.Dims()
	o, wc, kh, kw := weight.Dims()
	if wc != c {
		return nil, mismatch("conv2d", x.shape, weight.shape)
	}
	if bias != nil && bias.Len() != o {
		return nil, mismatch("conv2d bias", weight.shape, bias.shape)
	}
	if stride < 1 {
		stride = 1
	}
	oh := ConvOutputSize(h, kh, stride, padding)
	ow := ConvOutputSize(w, kw, stride, padding)
	if oh < 1 || ow < 1 {
		return nil, mismatch("conv2d", x.shape, weight.shape)
	}

	k := c * kh * kw
	l := oh * ow
	chw := c * h * w
	out := make([]float64, n*o*l)

	track := x.requiresGrad || weight.requiresGrad || (bias != nil && bias.requiresGrad)
	var cols [][]float64
	if track {
		cols = make([][]float64, n)
	}
	wmat := general(o, k, weight.Data)

	common.ParallelFor(n, 1, func(start, end int) {
		col := make([]float64, k*l)
		for i := start; i < end; i++ {
			if track {
				col = make([]float64, k*l)
				cols[i] = col
			}
			im2col(x.Data[i*chw:(i+1)*chw], c, h, w, kh, kw, stride, padding, oh, ow, col)
			dst := out[i*o*l : (i+1)*o*l]
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, wmat, general(k, l, col), 0, general(o, l, dst))
			if bias != nil {
				for oc := 0; oc < o; oc++ {
					floats.AddConst(bias.Data[oc], dst[oc*l:(oc+1)*l])
				}
			}
		}
	})

	return result("conv2d", []int{n, o, oh, ow}, out, []*Tensor{x, weight, bias}, func(g []float64) {
		wg := gradOf(weight)
		bg := gradOf(bias)
		xg := gradOf(x)
		dcol := make([]float64, k*l)
		for i := 0; i < n; i++ {
			gi := general(o, l, g[i*o*l:(i+1)*o*l])
			if wg != nil {
				blas64.Gemm(blas.NoTrans, blas.Trans, 1, gi, general(k, l, cols[i]), 1, general(o, k, wg))
			}
			if bg != nil {
				for oc := 0; oc < o; oc++ {
					bg[oc] += floats.Sum(gi.Data[oc*l : (oc+1)*l])
				}
			}
			if xg != nil {
				blas64.Gemm(blas.Trans, blas.NoTrans, 1, wmat, gi, 0, general(k, l, dcol))
				col2im(dcol, c, h, w, kh, kw, stride, padding, oh, ow, xg[i*chw:(i+1)*chw])
			}
		}
	}), nil
}

// im2col writes the (C*KH*KW, OH*OW) patch matrix of one sample into dst.
func im2col(src []float64, c, h, w, kh, kw, stride, pad, oh, ow int, dst []float64) {
	l := oh * ow
	for ci := 0; ci < c; ci++ {
		plane := src[ci*h*w : (ci+1)*h*w]
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := dst[((ci*kh+ki)*kw+kj)*l : ((ci*kh+ki)*kw+kj+1)*l]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ki
					seg := row[y*ow : (y+1)*ow]
					if iy < 0 || iy >= h {
						for j := range seg {
							seg[j] = 0
						}
						continue
					}
					srow := plane[iy*w : (iy+1)*w]
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kj
						if ix < 0 || ix >= w {
							seg[x] = 0
						} else {
							seg[x] = srow[ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col; it adds the patch matrix back into dst.
func col2im(src []float64, c, h, w, kh, kw, stride, pad, oh, ow int, dst []float64) {
	l := oh * ow
	for ci := 0; ci < c; ci++ {
		plane := dst[ci*h*w : (ci+1)*h*w]
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := src[((ci*kh+ki)*kw+kj)*l : ((ci*kh+ki)*kw+kj+1)*l]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					drow := plane[iy*w : (iy+1)*w]
					seg := row[y*ow : (y+1)*ow]
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kj
						if ix >= 0 && ix < w {
							drow[ix] += seg[x]
						}
					}
				}
			}
		}
	}
}
