package anticipator

import (
	"github.com/occant/occant/common"
	"github.com/occant/occant/crossview"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// CrossView adapts a front-view to top-down transformer to the anticipator
// contract. Its output is already a binary map, so the facade leaves it
// untouched.
type CrossView struct {
	model  crossview.Model
	rgbKey string
}

func newCrossView(b *builder) (*CrossView, error) {
	opts := crossview.DefaultOptions()
	opts.ResNetType = b.s.crossView.ResNetType
	opts.DModel = b.s.crossView.DModel
	opts.BEVSize = b.s.crossView.BEVSize
	m, err := crossview.NewBasicTransformer(b.rng, opts)
	if err != nil {
		return nil, err
	}
	if err := b.loadPretrainedTrunk(m.Encoder()); err != nil {
		return nil, err
	}
	return &CrossView{model: m, rgbKey: b.s.rgbKey}, nil
}

func (c *CrossView) Anticipate(x Observations) (Outputs, error) {
	rgb, err := x.Get(c.rgbKey)
	if err != nil {
		return nil, err
	}
	logits, err := c.model.Forward(rgb)
	if err != nil {
		return nil, err
	}
	probs, err := tensor.SoftmaxChannels(logits)
	if err != nil {
		return nil, err
	}
	occ, err := thresholdOccupancy(probs)
	if err != nil {
		return nil, err
	}
	n, ch, h, w := occ.Dims()
	return Outputs{
		KeyOccEstimate:       occ,
		KeyDepthProjEstimate: tensor.Zeros(n, ch, h, w),
	}, nil
}

func (c *CrossView) AppliesOwnActivation() bool { return true }

func (c *CrossView) Parameters() []nnet.Parameter {
	return c.model.Parameters()
}

// thresholdOccupancy turns two-class probabilities into a binary map:
// channel 0 is set where p(class 1) > 0.5 and channel 1 where
// p(class 0) < 0.5. The result does not track gradients.
func thresholdOccupancy(probs *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w := probs.Dims()
	if c != 2 {
		return nil, &common.ShapeMismatch{Op: "threshold", Shapes: [][]int{probs.Shape()}}
	}
	out := tensor.Zeros(n, 2, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		p0 := probs.Data[(b*2)*plane : (b*2+1)*plane]
		p1 := probs.Data[(b*2+1)*plane : (b*2+2)*plane]
		o0 := out.Data[(b*2)*plane : (b*2+1)*plane]
		o1 := out.Data[(b*2+1)*plane : (b*2+2)*plane]
		for i := range p0 {
			if p1[i] > 0.5 {
				o0[i] = 1
			}
			if p0[i] < 0.5 {
				o1[i] = 1
			}
		}
	}
	return out, nil
}
