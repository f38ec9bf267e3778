// Package nnet provides the convolutional building blocks the anticipation
// models are assembled from, the per-channel output activations, and
// torch-style named parameters so that state dicts can be saved, filtered
// and loaded by key.
package nnet

import (
	"strconv"

	"github.com/occant/occant/tensor"
)

// Parameterized is anything that owns named parameters.
type Parameterized interface {
	Parameters() []Parameter
}

// Layer is one stage of a network. Forward must not modify x or the layer's
// parameters, so a layer can serve concurrent forward calls.
type Layer interface {
	Parameterized
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Parameter is a named tensor owned by a layer. Buffers (running
// statistics) are saved and loaded with the state dict but never trained.
type Parameter struct {
	Name   string
	Value  *tensor.Tensor
	Buffer bool
}

// Prefix returns params with "prefix." prepended to every name.
func Prefix(prefix string, params []Parameter) []Parameter {
	out := make([]Parameter, len(params))
	for i, p := range params {
		p.Name = prefix + "." + p.Name
		out[i] = p
	}
	return out
}

// Sequential runs layers in order. Parameters are named by the position of
// the owning layer ("0.weight", "3.running_mean", ...).
type Sequential struct {
	layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// Add appends a layer.
func (s *Sequential) Add(layers ...Layer) {
	s.layers = append(s.layers, layers...)
}

// Layers returns the contained layers.
func (s *Sequential) Layers() []Layer {
	return s.layers
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Parameters() []Parameter {
	var params []Parameter
	for i, l := range s.layers {
		params = append(params, Prefix(strconv.Itoa(i), l.Parameters())...)
	}
	return params
}
