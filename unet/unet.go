// Package unet provides the multi-scale encoders, the skip-connected decoder
// and the fusion blocks the anticipation models are built from.
//
// Encoders return their intermediate activations as Features keyed by scale.
// The full encoder produces x1 (nsf channels, full resolution) through x5
// (8·nsf, 1/16); the compact encoder used on RGB features produces x3p
// (4·nsf, 1/4), x4p (8·nsf, 1/8) and x5p (8·nsf, 1/16).
package unet

import (
	"fmt"
	"math/rand"

	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// Features holds encoder activations by scale name.
type Features map[string]*tensor.Tensor

// Get returns the named activation or a *common.MissingInputKey.
func (f Features) Get(key string) (*tensor.Tensor, error) {
	t, ok := f[key]
	if !ok || t == nil {
		return nil, &common.MissingInputKey{Key: key}
	}
	return t, nil
}

// Clone returns a shallow copy, so that entries can be replaced without
// affecting f.
func (f Features) Clone() Features {
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// doubleConv is two 3×3 conv → norm → ReLU stages.
type doubleConv struct {
	conv *nnet.Sequential
}

func newDoubleConv(rng *rand.Rand, in, out int) *doubleConv {
	s := nnet.NewSequential(nnet.ConvNormReLU(rng, in, out, 3, 1)...)
	s.Add(nnet.ConvNormReLU(rng, out, out, 3, 1)...)
	return &doubleConv{conv: s}
}

func (d *doubleConv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return d.conv.Forward(x)
}

func (d *doubleConv) Parameters() []nnet.Parameter {
	return nnet.Prefix("conv", d.conv.Parameters())
}

// down halves the resolution with a 2×2 max pool, then applies a doubleConv.
func down(rng *rand.Rand, in, out int) *nnet.Sequential {
	return nnet.NewSequential(nnet.MaxPool2d{Kernel: 2, Stride: 2}, newDoubleConv(rng, in, out))
}

type namedLayer struct {
	name  string
	key   string
	layer nnet.Layer
}

// stack runs named layers in sequence and records every output under its key.
type stack []namedLayer

func (s stack) encode(x *tensor.Tensor) (Features, error) {
	f := make(Features, len(s))
	var err error
	for _, l := range s {
		if x, err = l.layer.Forward(x); err != nil {
			return nil, err
		}
		f[l.key] = x
	}
	return f, nil
}

// Encoder is the five-level UNet contracting path.
type Encoder struct {
	levels stack
}

// NewEncoder returns an encoder for in input channels and base width nsf.
func NewEncoder(rng *rand.Rand, in, nsf int) *Encoder {
	return &Encoder{levels: stack{
		{"inc", "x1", newDoubleConv(rng, in, nsf)},
		{"down1", "x2", down(rng, nsf, 2*nsf)},
		{"down2", "x3", down(rng, 2*nsf, 4*nsf)},
		{"down3", "x4", down(rng, 4*nsf, 8*nsf)},
		{"down4", "x5", down(rng, 8*nsf, 8*nsf)},
	}}
}

func (e *Encoder) Encode(x *tensor.Tensor) (Features, error) {
	return e.levels.encode(x)
}

func (e *Encoder) Parameters() []nnet.Parameter {
	return e.levels.parametersWrapped()
}

// MiniEncoder is the three-level encoder applied to projected RGB features.
// featSize is 8·nsf.
type MiniEncoder struct {
	levels stack
}

func NewMiniEncoder(rng *rand.Rand, in, featSize int) *MiniEncoder {
	return &MiniEncoder{levels: stack{
		{"inc", "x3p", newDoubleConv(rng, in, featSize/2)},
		{"down3", "x4p", down(rng, featSize/2, featSize)},
		{"down4", "x5p", down(rng, featSize, featSize)},
	}}
}

func (e *MiniEncoder) Encode(x *tensor.Tensor) (Features, error) {
	return e.levels.encode(x)
}

func (e *MiniEncoder) Parameters() []nnet.Parameter {
	return e.levels.parametersWrapped()
}

// parametersWrapped names parameters the way the reference modules nest
// them: inconv wraps its double conv in "conv", down wraps its pool and
// double conv in "mpconv".
func (s stack) parametersWrapped() []nnet.Parameter {
	var params []nnet.Parameter
	for _, l := range s {
		wrap := "mpconv"
		if l.name == "inc" {
			wrap = "conv"
		}
		params = append(params, nnet.Prefix(l.name+"."+wrap, l.layer.Parameters())...)
	}
	return params
}

// up doubles the resolution of the deeper input, pads it to the skip
// connection's size, stacks [skip, upsampled] and applies a doubleConv.
type up struct {
	conv *doubleConv
}

func (u *up) forward(deep, skip *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := tensor.Upsample2x(deep)
	if err != nil {
		return nil, err
	}
	_, _, sh, sw := skip.Dims()
	_, _, h, w := x.Dims()
	dy, dx := sh-h, sw-w
	if dy < 0 || dx < 0 {
		return nil, &common.ShapeMismatch{Op: "unet.up", Shapes: [][]int{deep.Shape(), skip.Shape()}}
	}
	if x, err = tensor.Pad2d(x, dy/2, dy-dy/2, dx/2, dx-dx/2); err != nil {
		return nil, err
	}
	if x, err = tensor.Concat(skip, x); err != nil {
		return nil, err
	}
	return u.conv.Forward(x)
}

// Decoder is the UNet expanding path. It consumes x1..x5 and produces
// nclasses logits at the resolution of x1.
type Decoder struct {
	ups  [4]*up
	outc *nnet.Conv2d
}

func NewDecoder(rng *rand.Rand, nclasses, nsf int) *Decoder {
	return &Decoder{
		ups: [4]*up{
			{newDoubleConv(rng, 16*nsf, 4*nsf)},
			{newDoubleConv(rng, 8*nsf, 2*nsf)},
			{newDoubleConv(rng, 4*nsf, nsf)},
			{newDoubleConv(rng, 2*nsf, nsf)},
		},
		outc: nnet.NewConv2d(rng, nsf, nclasses, 1, 1, 0, true),
	}
}

var skipKeys = [4]string{"x4", "x3", "x2", "x1"}

func (d *Decoder) Decode(f Features) (*tensor.Tensor, error) {
	x, err := f.Get("x5")
	if err != nil {
		return nil, err
	}
	for i, u := range d.ups {
		skip, err := f.Get(skipKeys[i])
		if err != nil {
			return nil, err
		}
		if x, err = u.forward(x, skip); err != nil {
			return nil, err
		}
	}
	return d.outc.Forward(x)
}

func (d *Decoder) Parameters() []nnet.Parameter {
	var params []nnet.Parameter
	for i, u := range d.ups {
		params = append(params, nnet.Prefix(fmt.Sprintf("up%d.conv", i+1), u.conv.Parameters())...)
	}
	return append(params, nnet.Prefix("outc.conv", d.outc.Parameters())...)
}
