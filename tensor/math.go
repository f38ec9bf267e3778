package tensor

import "gonum.org/v1/gonum/floats"

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, mismatch("add", a.shape, b.shape)
	}
	out := make([]float64, len(a.Data))
	floats.AddTo(out, a.Data, b.Data)
	return result("add", a.shape, out, []*Tensor{a, b}, func(g []float64) {
		accumulate(a, g)
		accumulate(b, g)
	}), nil
}

// Sub returns a - b for tensors of identical shape.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, mismatch("sub", a.shape, b.shape)
	}
	out := make([]float64, len(a.Data))
	floats.SubTo(out, a.Data, b.Data)
	return result("sub", a.shape, out, []*Tensor{a, b}, func(g []float64) {
		accumulate(a, g)
		if bg := gradOf(b); bg != nil {
			floats.Sub(bg, g)
		}
	}), nil
}

// Mul returns the elementwise product of a and b.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, mismatch("mul", a.shape, b.shape)
	}
	out := make([]float64, len(a.Data))
	floats.MulTo(out, a.Data, b.Data)
	return result("mul", a.shape, out, []*Tensor{a, b}, func(g []float64) {
		if ag := gradOf(a); ag != nil {
			for i, v := range g {
				ag[i] += v * b.Data[i]
			}
		}
		if bg := gradOf(b); bg != nil {
			for i, v := range g {
				bg[i] += v * a.Data[i]
			}
		}
	}), nil
}

// Scale returns s * x.
func Scale(x *Tensor, s float64) *Tensor {
	out := make([]float64, len(x.Data))
	floats.ScaleTo(out, s, x.Data)
	return result("scale", x.shape, out, []*Tensor{x}, func(g []float64) {
		if xg := gradOf(x); xg != nil {
			floats.AddScaled(xg, s, g)
		}
	})
}

// Sum reduces x to a one-element tensor.
func Sum(x *Tensor) *Tensor {
	return result("sum", []int{1}, []float64{floats.Sum(x.Data)}, []*Tensor{x}, func(g []float64) {
		if xg := gradOf(x); xg != nil {
			floats.AddConst(g[0], xg)
		}
	})
}

// Mean reduces x to its one-element average.
func Mean(x *Tensor) *Tensor {
	return Scale(Sum(x), 1/float64(len(x.Data)))
}
