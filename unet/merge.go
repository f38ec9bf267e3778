package unet

import (
	"math/rand"

	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// MergeMultimodal fuses same-sized feature maps from several modalities.
// The inputs are stacked along channels and reduced back to nfeats channels.
type MergeMultimodal struct {
	nmodes int
	merge  *nnet.Sequential
}

func NewMergeMultimodal(rng *rand.Rand, nfeats, nmodes int) *MergeMultimodal {
	s := nnet.NewSequential(nnet.ConvNormReLU(rng, nmodes*nfeats, nfeats, 3, 1)...)
	s.Add(nnet.ConvNormReLU(rng, nfeats, nfeats, 3, 1)...)
	s.Add(nnet.NewConv2d(rng, nfeats, nfeats, 1, 1, 0, true))
	return &MergeMultimodal{nmodes: nmodes, merge: s}
}

// Merge fuses one tensor per modality.
func (m *MergeMultimodal) Merge(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := tensor.Concat(xs...)
	if err != nil {
		return nil, err
	}
	return m.merge.Forward(x)
}

func (m *MergeMultimodal) Parameters() []nnet.Parameter {
	return nnet.Prefix("merge", m.merge.Parameters())
}

// LearnedRGBProjection maps encoder features to the layout of the top-down
// map. Only the upsampling variant is implemented: a 3×3 conv block, ×2
// bilinear upsampling, then a 1×1 conv block, channel count unchanged.
type LearnedRGBProjection struct {
	projection *nnet.Sequential
}

func NewLearnedRGBProjection(rng *rand.Rand, infeats int) *LearnedRGBProjection {
	s := nnet.NewSequential(nnet.ConvNormReLU(rng, infeats, infeats, 3, 1)...)
	s.Add(nnet.Upsample{})
	s.Add(nnet.ConvNormReLU(rng, infeats, infeats, 1, 0)...)
	return &LearnedRGBProjection{projection: s}
}

func (p *LearnedRGBProjection) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return p.projection.Forward(x)
}

func (p *LearnedRGBProjection) Parameters() []nnet.Parameter {
	return nnet.Prefix("projection", p.projection.Parameters())
}
