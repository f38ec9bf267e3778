package backbone

import (
	"math/rand"

	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// RGBEncoder extracts image features at 1/8 resolution from the first two
// stages of a ResNet. The stage-1 features (1/4) are average pooled to 1/8
// and stacked in front of the stage-2 features, giving 192 channels for
// resnet18 and 768 for resnet50.
type RGBEncoder struct {
	trunk *ResNet
}

// NewRGBEncoder builds the encoder on the named trunk type.
func NewRGBEncoder(rng *rand.Rand, typ string) (*RGBEncoder, error) {
	r, err := NewResNet(rng, typ, 2)
	if err != nil {
		return nil, err
	}
	return &RGBEncoder{trunk: r}, nil
}

// FeatureChannels returns the number of channels RGBEncoder produces for
// the trunk type.
func FeatureChannels(typ string) (int, error) {
	c1, err := StageChannels(typ, 1)
	if err != nil {
		return 0, err
	}
	c2, err := StageChannels(typ, 2)
	if err != nil {
		return 0, err
	}
	return c1 + c2, nil
}

// Trunk returns the underlying ResNet.
func (e *RGBEncoder) Trunk() *ResNet {
	return e.trunk
}

func (e *RGBEncoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := nnet.NewSequential(e.trunk.Stem()...).Forward(x)
	if err != nil {
		return nil, err
	}
	x1, err := e.trunk.Stages[0].Forward(x)
	if err != nil {
		return nil, err
	}
	x2, err := e.trunk.Stages[1].Forward(x1)
	if err != nil {
		return nil, err
	}
	pooled, err := tensor.AvgPool2d(x1, 2)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(pooled, x2)
}

func (e *RGBEncoder) Parameters() []nnet.Parameter {
	return e.trunk.Parameters()
}
