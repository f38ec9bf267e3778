package nnet

import (
	"math"
	"math/rand"

	"github.com/occant/occant/tensor"
)

// Conv2d is a 2-D convolution with an optional bias.
type Conv2d struct {
	Weight  *tensor.Tensor // (out, in, k, k)
	Bias    *tensor.Tensor // (out) or nil
	Stride  int
	Padding int
}

// NewConv2d returns a square-kernel convolution with Kaiming-normal weights
// (fan-in, ReLU gain) and a uniform bias in ±1/√fan-in.
func NewConv2d(rng *rand.Rand, in, out, k, stride, padding int, bias bool) *Conv2d {
	fanIn := float64(in * k * k)
	w := tensor.Randn(rng, math.Sqrt(2/fanIn), out, in, k, k)
	w.SetRequiresGrad(true)
	c := &Conv2d{Weight: w, Stride: stride, Padding: padding}
	if bias {
		bound := 1 / math.Sqrt(fanIn)
		c.Bias = tensor.Uniform(rng, -bound, bound, out)
		c.Bias.SetRequiresGrad(true)
	}
	return c
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2d(x, c.Weight, c.Bias, c.Stride, c.Padding)
}

func (c *Conv2d) Parameters() []Parameter {
	params := []Parameter{{Name: "weight", Value: c.Weight}}
	if c.Bias != nil {
		params = append(params, Parameter{Name: "bias", Value: c.Bias})
	}
	return params
}

const batchNormEps = 1e-5

// BatchNorm2d normalizes channels. Without running statistics it always uses
// the statistics of the current batch.
type BatchNorm2d struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
}

// NewBatchNorm2d returns an affine batch norm over c channels. With
// trackRunningStats the layer carries running_mean/running_var buffers and
// normalizes with them.
func NewBatchNorm2d(c int, trackRunningStats bool) *BatchNorm2d {
	b := &BatchNorm2d{
		Weight: tensor.Full(1, c),
		Bias:   tensor.Zeros(c),
	}
	b.Weight.SetRequiresGrad(true)
	b.Bias.SetRequiresGrad(true)
	if trackRunningStats {
		b.RunningMean = tensor.Zeros(c)
		b.RunningVar = tensor.Full(1, c)
	}
	return b
}

func (b *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm(x, b.Weight, b.Bias, b.RunningMean, b.RunningVar, batchNormEps)
}

func (b *BatchNorm2d) Parameters() []Parameter {
	params := []Parameter{
		{Name: "weight", Value: b.Weight},
		{Name: "bias", Value: b.Bias},
	}
	if b.RunningMean != nil {
		params = append(params,
			Parameter{Name: "running_mean", Value: b.RunningMean, Buffer: true},
			Parameter{Name: "running_var", Value: b.RunningVar, Buffer: true},
		)
	}
	return params
}

// ReLU is the rectified linear activation.
type ReLU struct{}

func (ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(x), nil
}

func (ReLU) Parameters() []Parameter { return nil }

// MaxPool2d is a square max pooling window.
type MaxPool2d struct {
	Kernel, Stride, Padding int
}

func (m MaxPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2d(x, m.Kernel, m.Stride, m.Padding)
}

func (MaxPool2d) Parameters() []Parameter { return nil }

// Upsample doubles the spatial extent with corner-aligned bilinear
// interpolation.
type Upsample struct{}

func (Upsample) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Upsample2x(x)
}

func (Upsample) Parameters() []Parameter { return nil }

// ConvNormReLU returns the conv → batch norm (batch statistics) → ReLU
// triple used throughout the decoders.
func ConvNormReLU(rng *rand.Rand, in, out, k, padding int) []Layer {
	return []Layer{
		NewConv2d(rng, in, out, k, 1, padding, true),
		NewBatchNorm2d(out, false),
		ReLU{},
	}
}
