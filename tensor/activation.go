package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ReLU returns max(x, 0) elementwise.
func ReLU(x *Tensor) *Tensor {
	out := make([]float64, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out[i] = v
		}
	}
	return result("relu", x.shape, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for i, v := range x.Data {
			if v > 0 {
				xg[i] += g[i]
			}
		}
	})
}

// Sigmoid returns 1/(1+exp(-x)) elementwise.
func Sigmoid(x *Tensor) *Tensor {
	out := make([]float64, len(x.Data))
	for i, v := range x.Data {
		out[i] = sigmoid(v)
	}
	return result("sigmoid", x.shape, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for i, y := range out {
			xg[i] += g[i] * y * (1 - y)
		}
	})
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// SoftmaxSpatial applies a softmax over the flattened H*W plane of every
// (sample, channel) pair of x, so each plane of the result sums to one.
func SoftmaxSpatial(x *Tensor) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("softmax2d", x.shape)
	}
	n, c, h, w := x.Dims()
	hw := h * w
	out := make([]float64, len(x.Data))
	for p := 0; p < n*c; p++ {
		softmax(x.Data[p*hw:(p+1)*hw], out[p*hw:(p+1)*hw])
	}
	return result("softmax2d", x.shape, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for p := 0; p < n*c; p++ {
			y := out[p*hw : (p+1)*hw]
			gp := g[p*hw : (p+1)*hw]
			dot := floats.Dot(gp, y)
			dst := xg[p*hw : (p+1)*hw]
			for i := range y {
				dst[i] += y[i] * (gp[i] - dot)
			}
		}
	}), nil
}

// SoftmaxChannels applies a softmax across the channel dimension at every
// spatial location of x.
func SoftmaxChannels(x *Tensor) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("softmax channels", x.shape)
	}
	n, c, h, w := x.Dims()
	hw := h * w
	out := make([]float64, len(x.Data))
	in := make([]float64, c)
	res := make([]float64, c)
	for i := 0; i < n; i++ {
		base := i * c * hw
		for p := 0; p < hw; p++ {
			for ch := 0; ch < c; ch++ {
				in[ch] = x.Data[base+ch*hw+p]
			}
			softmax(in, res)
			for ch := 0; ch < c; ch++ {
				out[base+ch*hw+p] = res[ch]
			}
		}
	}
	return result("softmax channels", x.shape, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for i := 0; i < n; i++ {
			base := i * c * hw
			for p := 0; p < hw; p++ {
				var dot float64
				for ch := 0; ch < c; ch++ {
					j := base + ch*hw + p
					dot += g[j] * out[j]
				}
				for ch := 0; ch < c; ch++ {
					j := base + ch*hw + p
					xg[j] += out[j] * (g[j] - dot)
				}
			}
		}
	}), nil
}

// softmax writes the softmax of src into dst. The maximum is subtracted
// before exponentiation.
func softmax(src, dst []float64) {
	top := floats.Max(src)
	var sum float64
	for i, v := range src {
		e := math.Exp(v - top)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
}
