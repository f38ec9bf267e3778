// Package crossview implements a front-view to bird's-eye-view occupancy
// model. A ResNet trunk encodes the front image, a learned spatial map
// carries the features into a top-down grid, and cross attention between
// the top-down grid and the front features refines them before a
// convolutional decoder produces two-class logits at the output map size.
package crossview

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/occant/occant/backbone"
	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// Model maps a batch of front-view images (N, 3, H, W) to bird's-eye-view
// logits (N, 2, S, S) where S is the output map size.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []nnet.Parameter
}

// Options sizes a BasicTransformer.
type Options struct {
	ResNetType string
	DModel     int // channels of the attention features
	BEVSize    int // output map side in cells
	// FrontGrid and BEVGrid are the side lengths of the pooled front feature
	// grid and of the top-down feature grid.
	FrontGrid int
	BEVGrid   int
}

// DefaultOptions matches the 128×128 occupancy maps used by the mapper.
func DefaultOptions() Options {
	return Options{
		ResNetType: backbone.ResNet18,
		DModel:     64,
		BEVSize:    128,
		FrontGrid:  8,
		BEVGrid:    8,
	}
}

func (o Options) validate() error {
	switch {
	case o.DModel < 2:
		return &common.InvalidConfiguration{Field: "CROSSVIEW.d_model", Value: fmt.Sprint(o.DModel)}
	case o.BEVSize < 1:
		return &common.InvalidConfiguration{Field: "CROSSVIEW.bev_size", Value: fmt.Sprint(o.BEVSize)}
	case o.FrontGrid < 1 || o.BEVGrid < 1:
		return &common.InvalidConfiguration{Field: "CROSSVIEW.grid", Value: fmt.Sprint(o.FrontGrid, "x", o.BEVGrid)}
	}
	return nil
}

// BasicTransformer is the default cross-view Model.
type BasicTransformer struct {
	opts Options

	encoder *backbone.ResNet
	reduce  *nnet.Sequential

	viewWeight *tensor.Tensor // (BEVGrid², FrontGrid²)
	viewBias   *tensor.Tensor

	query, key, value *nnet.Conv2d
	fuse              *nnet.Sequential
	decoder           *nnet.Sequential
}

// NewBasicTransformer builds the model with random weights.
func NewBasicTransformer(rng *rand.Rand, opts Options) (*BasicTransformer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	enc, err := backbone.NewResNet(rng, opts.ResNetType, 4)
	if err != nil {
		return nil, err
	}
	c4, err := backbone.StageChannels(opts.ResNetType, 4)
	if err != nil {
		return nil, err
	}
	d := opts.DModel
	lin, lout := opts.FrontGrid*opts.FrontGrid, opts.BEVGrid*opts.BEVGrid
	bound := 1 / math.Sqrt(float64(lin))

	m := &BasicTransformer{
		opts:       opts,
		encoder:    enc,
		reduce:     nnet.NewSequential(nnet.ConvNormReLU(rng, c4, d, 1, 0)...),
		viewWeight: tensor.Uniform(rng, -bound, bound, lout, lin),
		viewBias:   tensor.Uniform(rng, -bound, bound, lout),
		query:      nnet.NewConv2d(rng, d, d, 1, 1, 0, true),
		key:        nnet.NewConv2d(rng, d, d, 1, 1, 0, true),
		value:      nnet.NewConv2d(rng, d, d, 1, 1, 0, true),
		fuse:       nnet.NewSequential(nnet.ConvNormReLU(rng, 2*d, d, 3, 1)...),
		decoder:    nnet.NewSequential(),
	}
	m.viewWeight.SetRequiresGrad(true)
	m.viewBias.SetRequiresGrad(true)

	// Upsample while halving channels until the grid reaches the output size
	// or the channels run out; the final resize covers the rest.
	c, side := d, opts.BEVGrid
	for side*2 <= opts.BEVSize && c >= 16 {
		m.decoder.Add(nnet.Upsample{})
		m.decoder.Add(nnet.ConvNormReLU(rng, c, c/2, 3, 1)...)
		c /= 2
		side *= 2
	}
	m.decoder.Add(nnet.NewConv2d(rng, c, 2, 3, 1, 1, true))
	return m, nil
}

// Options returns the options the model was built with.
func (m *BasicTransformer) Options() Options {
	return m.opts
}

// Encoder returns the front-view trunk, for loading pretrained weights.
func (m *BasicTransformer) Encoder() *backbone.ResNet {
	return m.encoder
}

func (m *BasicTransformer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	front, err := m.encoder.Forward(x)
	if err != nil {
		return nil, err
	}
	if front, err = m.reduce.Forward(front); err != nil {
		return nil, err
	}
	if front, err = tensor.AdaptiveAvgPool2d(front, m.opts.FrontGrid, m.opts.FrontGrid); err != nil {
		return nil, err
	}
	bev, err := tensor.SpatialLinear(front, m.viewWeight, m.viewBias, m.opts.BEVGrid, m.opts.BEVGrid)
	if err != nil {
		return nil, err
	}

	q, err := m.query.Forward(bev)
	if err != nil {
		return nil, err
	}
	k, err := m.key.Forward(front)
	if err != nil {
		return nil, err
	}
	v, err := m.value.Forward(front)
	if err != nil {
		return nil, err
	}
	att, err := tensor.CrossAttention(q, k, v)
	if err != nil {
		return nil, err
	}
	fused, err := tensor.Concat(bev, att)
	if err != nil {
		return nil, err
	}
	if fused, err = m.fuse.Forward(fused); err != nil {
		return nil, err
	}
	out, err := m.decoder.Forward(fused)
	if err != nil {
		return nil, err
	}
	return tensor.ResizeBilinear(out, m.opts.BEVSize, m.opts.BEVSize)
}

func (m *BasicTransformer) Parameters() []nnet.Parameter {
	params := nnet.Prefix("encoder", m.encoder.Parameters())
	params = append(params, nnet.Prefix("reduce", m.reduce.Parameters())...)
	params = append(params,
		nnet.Parameter{Name: "view.weight", Value: m.viewWeight},
		nnet.Parameter{Name: "view.bias", Value: m.viewBias},
	)
	params = append(params, nnet.Prefix("query", m.query.Parameters())...)
	params = append(params, nnet.Prefix("key", m.key.Parameters())...)
	params = append(params, nnet.Prefix("value", m.value.Parameters())...)
	params = append(params, nnet.Prefix("fuse", m.fuse.Parameters())...)
	return append(params, nnet.Prefix("decoder", m.decoder.Parameters())...)
}
