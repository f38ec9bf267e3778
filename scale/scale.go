// Package scale prepares observation images for the models: per-channel
// normalization of RGB inputs and channel replication of depth images.
// Scalers work in place on (N, C, H, W) tensors that do not track
// gradients.
package scale

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/occant/occant/common"
	"github.com/occant/occant/tensor"
)

// UniformDimension is returned by SetScale when some channels held a single
// value everywhere. Dims lists those channels; their scale is set to 1.
type UniformDimension struct {
	Dims []int
}

func (i *UniformDimension) Error() string {
	return fmt.Sprintf("scale: channels %v are uniform", i.Dims)
}

// Scaler transforms image channels so that they are appropriately scaled
// for the network.
type Scaler interface {
	Scale(x *tensor.Tensor) error    // Scales x in place
	Unscale(x *tensor.Tensor) error  // Unscales x in place
	IsScaled() bool                  // Returns true if the scale has been set
	Dimensions() int                 // Number of channels the scale was set for
	SetScale(x *tensor.Tensor) error // Uses x to set the scale
}

// apply runs f over every (sample, channel) plane of x in parallel.
func apply(x *tensor.Tensor, dim int, f func(ch int, plane []float64)) error {
	if len(x.Shape()) != 4 {
		return &common.ShapeMismatch{Op: "scale", Shapes: [][]int{x.Shape()}}
	}
	n, c, h, w := x.Dims()
	if c != dim {
		return &common.ShapeMismatch{Op: "scale", Shapes: [][]int{x.Shape(), {dim}}}
	}
	hw := h * w
	common.ParallelFor(n*c, common.GetGrainSize(n*c, 1, 64), func(start, end int) {
		for p := start; p < end; p++ {
			f(p%c, x.Data[p*hw:(p+1)*hw])
		}
	})
	return nil
}

// channel gathers every value of channel ch.
func channel(x *tensor.Tensor, ch int) []float64 {
	n, c, h, w := x.Dims()
	hw := h * w
	out := make([]float64, 0, n*hw)
	for i := 0; i < n; i++ {
		out = append(out, x.Data[(i*c+ch)*hw:(i*c+ch+1)*hw]...)
	}
	return out
}

// None does no scaling.
type None struct {
	Dim    int
	Scaled bool
}

func (n *None) IsScaled() bool { return n.Scaled }

func (n *None) Dimensions() int { return n.Dim }

func (n *None) SetScale(x *tensor.Tensor) error {
	if len(x.Shape()) != 4 {
		return &common.ShapeMismatch{Op: "scale", Shapes: [][]int{x.Shape()}}
	}
	_, n.Dim, _, _ = x.Dims()
	n.Scaled = true
	return nil
}

func (n *None) Scale(x *tensor.Tensor) error {
	return apply(x, n.Dim, func(int, []float64) {})
}

func (n *None) Unscale(x *tensor.Tensor) error {
	return apply(x, n.Dim, func(int, []float64) {})
}

// Normal shifts and scales every channel: (x - Mu[c]) / Sigma[c].
type Normal struct {
	Mu     []float64
	Sigma  []float64
	Dim    int
	Scaled bool
}

// ImageNet returns the normalization of the ImageNet-pretrained trunks for
// RGB images in [0, 1].
func ImageNet() *Normal {
	return &Normal{
		Mu:     []float64{0.485, 0.456, 0.406},
		Sigma:  []float64{0.229, 0.224, 0.225},
		Dim:    3,
		Scaled: true,
	}
}

func (n *Normal) IsScaled() bool { return n.Scaled }

func (n *Normal) Dimensions() int { return n.Dim }

// SetScale sets the mean and standard deviation of every channel from x. If
// the standard deviation of a channel is zero it is set to 1 and a
// *UniformDimension is returned.
func (n *Normal) SetScale(x *tensor.Tensor) error {
	if len(x.Shape()) != 4 {
		return &common.ShapeMismatch{Op: "scale", Shapes: [][]int{x.Shape()}}
	}
	_, c, _, _ := x.Dims()
	n.Mu = make([]float64, c)
	n.Sigma = make([]float64, c)
	var unifError *UniformDimension
	for ch := 0; ch < c; ch++ {
		mean, std := stat.PopMeanStdDev(channel(x, ch), nil)
		if std == 0 {
			if unifError == nil {
				unifError = &UniformDimension{}
			}
			unifError.Dims = append(unifError.Dims, ch)
			std = 1
		}
		n.Mu[ch], n.Sigma[ch] = mean, std
	}
	n.Dim = c
	n.Scaled = true
	if unifError != nil {
		return unifError
	}
	return nil
}

func (n *Normal) Scale(x *tensor.Tensor) error {
	return apply(x, n.Dim, func(ch int, plane []float64) {
		for i, v := range plane {
			plane[i] = (v - n.Mu[ch]) / n.Sigma[ch]
		}
	})
}

func (n *Normal) Unscale(x *tensor.Tensor) error {
	return apply(x, n.Dim, func(ch int, plane []float64) {
		for i, v := range plane {
			plane[i] = v*n.Sigma[ch] + n.Mu[ch]
		}
	})
}

// Linear maps every channel from [Min[c], Max[c]] onto [0, 1].
type Linear struct {
	Min    []float64
	Max    []float64
	Dim    int
	Scaled bool
}

func (l *Linear) IsScaled() bool { return l.Scaled }

func (l *Linear) Dimensions() int { return l.Dim }

// SetScale sets the range of every channel from x. Uniform channels get a
// unit range and are reported in a *UniformDimension.
func (l *Linear) SetScale(x *tensor.Tensor) error {
	if len(x.Shape()) != 4 {
		return &common.ShapeMismatch{Op: "scale", Shapes: [][]int{x.Shape()}}
	}
	_, c, _, _ := x.Dims()
	l.Min = make([]float64, c)
	l.Max = make([]float64, c)
	var unifError *UniformDimension
	for ch := 0; ch < c; ch++ {
		vals := channel(x, ch)
		lo, hi := vals[0], vals[0]
		for _, v := range vals {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if lo == hi {
			if unifError == nil {
				unifError = &UniformDimension{}
			}
			unifError.Dims = append(unifError.Dims, ch)
			hi = lo + 1
		}
		l.Min[ch], l.Max[ch] = lo, hi
	}
	l.Dim = c
	l.Scaled = true
	if unifError != nil {
		return unifError
	}
	return nil
}

func (l *Linear) Scale(x *tensor.Tensor) error {
	return apply(x, l.Dim, func(ch int, plane []float64) {
		for i, v := range plane {
			plane[i] = (v - l.Min[ch]) / (l.Max[ch] - l.Min[ch])
		}
	})
}

func (l *Linear) Unscale(x *tensor.Tensor) error {
	return apply(x, l.Dim, func(ch int, plane []float64) {
		for i, v := range plane {
			plane[i] = v*(l.Max[ch]-l.Min[ch]) + l.Min[ch]
		}
	})
}

// ByName returns the RGB scaler called name: "imagenet", "batch" for
// per-channel statistics set from the first batch it is given, or "none".
func ByName(name string) (Scaler, error) {
	switch name {
	case "imagenet":
		return ImageNet(), nil
	case "batch":
		return &Normal{}, nil
	case "none":
		return &None{Dim: 3, Scaled: true}, nil
	}
	return nil, fmt.Errorf("scale: unknown scaler %q", name)
}

// DepthRange maps single-channel depth readings in [0, maxDepth] onto
// [0, 1].
func DepthRange(maxDepth float64) *Linear {
	return &Linear{
		Min:    []float64{0},
		Max:    []float64{maxDepth},
		Dim:    1,
		Scaled: true,
	}
}

// RepeatDepth replicates a single-channel depth image to the three channels
// the RGB trunks expect.
func RepeatDepth(depth *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.RepeatChannels(depth, 3)
}
