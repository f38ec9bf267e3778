package nnet

import (
	"strings"

	"github.com/occant/occant/common"
	"github.com/occant/occant/tensor"
)

// Activator is an output activation applied to a single-channel map
// (N, 1, H, W). Apply must preserve the shape.
type Activator interface {
	Apply(x *tensor.Tensor) (*tensor.Tensor, error)
	String() string
}

// Sigmoid squashes every value with 1/(1 + exp(-x)).
type Sigmoid struct{}

func (Sigmoid) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Sigmoid(x), nil
}

func (Sigmoid) String() string {
	return "sigmoid"
}

// Softmax2D renormalizes each spatial map so that its H*W values form a
// probability distribution.
type Softmax2D struct{}

func (Softmax2D) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SoftmaxSpatial(x)
}

func (Softmax2D) String() string {
	return "softmax"
}

// Identity passes values through unchanged.
type Identity struct{}

func (Identity) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x, nil
}

func (Identity) String() string {
	return "identity"
}

// ParseActivator returns the activator named by s. The empty string selects
// Sigmoid.
func ParseActivator(s string) (Activator, error) {
	switch strings.ToLower(s) {
	case "", "sigmoid":
		return Sigmoid{}, nil
	case "softmax":
		return Softmax2D{}, nil
	case "identity":
		return Identity{}, nil
	}
	return nil, &common.InvalidConfiguration{Field: "OUTPUT_NORMALIZATION", Value: s}
}

// Normalizer applies an activator to each channel of a decoder output
// independently and restacks the results. Channel i uses the i-th
// activator; channels past the end of the list use the first one.
type Normalizer struct {
	channels []Activator
}

// NewNormalizer builds a Normalizer from activator names, one per channel.
func NewNormalizer(names ...string) (*Normalizer, error) {
	if len(names) == 0 {
		names = []string{""}
	}
	n := &Normalizer{channels: make([]Activator, len(names))}
	for i, name := range names {
		a, err := ParseActivator(name)
		if err != nil {
			return nil, err
		}
		n.channels[i] = a
	}
	return n, nil
}

// Activator returns the activator used for channel ch.
func (n *Normalizer) Activator(ch int) Activator {
	if ch < len(n.channels) {
		return n.channels[ch]
	}
	return n.channels[0]
}

// Normalize applies the per-channel activators to x (N, C, H, W).
func (n *Normalizer) Normalize(x *tensor.Tensor) (*tensor.Tensor, error) {
	_, c, _, _ := x.Dims()
	out := make([]*tensor.Tensor, c)
	for ch := 0; ch < c; ch++ {
		sel, err := tensor.SelectChannel(x, ch)
		if err != nil {
			return nil, err
		}
		out[ch], err = n.Activator(ch).Apply(sel)
		if err != nil {
			return nil, err
		}
	}
	return tensor.Concat(out...)
}
