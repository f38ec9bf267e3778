package anticipator

import (
	"math/rand"

	"github.com/go-logr/logr"

	"github.com/occant/occant/backbone"
	"github.com/occant/occant/checkpoint"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/unet"
)

// Variant is one anticipation strategy. Anticipate is a pure function of x
// and the variant's parameters.
type Variant interface {
	Anticipate(x Observations) (Outputs, error)
	Parameters() []nnet.Parameter
}

// builder carries what variant constructors share.
type builder struct {
	s         settings
	rng       *rand.Rand
	log       logr.Logger
	backbones checkpoint.File
}

func (b *builder) normalizer() (*nnet.Normalizer, error) {
	return nnet.NewNormalizer(b.s.gp.OutputNormalization.Names()...)
}

// ANSRGB estimates the depth projection from an RGB frame: a ResNet-18
// trunk (stride 32), two 1×1 projection stages and five upsampling stages
// back to the input resolution.
type ANSRGB struct {
	main   *nnet.Sequential
	norm   *nnet.Normalizer
	rgbKey string
}

func newANSRGB(b *builder) (*ANSRGB, error) {
	trunk, err := backbone.NewResNet(b.rng, backbone.ResNet18, 4)
	if err != nil {
		return nil, err
	}
	if err := b.loadPretrainedTrunk(trunk); err != nil {
		return nil, err
	}
	main := nnet.NewSequential(trunk.Trunk()...)
	main.Add(nnet.ConvNormReLU(b.rng, 512, 512, 1, 0)...)
	main.Add(nnet.ConvNormReLU(b.rng, 512, 512, 1, 0)...)
	for _, c := range [][2]int{{512, 256}, {256, 128}, {128, 64}, {64, 32}} {
		main.Add(nnet.ConvNormReLU(b.rng, c[0], c[1], 3, 1)...)
		main.Add(nnet.Upsample{})
	}
	main.Add(nnet.NewConv2d(b.rng, 32, 2, 3, 1, 1, true), nnet.Upsample{})

	norm, err := b.normalizer()
	if err != nil {
		return nil, err
	}
	return &ANSRGB{main: main, norm: norm, rgbKey: b.s.rgbKey}, nil
}

func (a *ANSRGB) Anticipate(x Observations) (Outputs, error) {
	rgb, err := x.Get(a.rgbKey)
	if err != nil {
		return nil, err
	}
	dec, err := a.main.Forward(rgb)
	if err != nil {
		return nil, err
	}
	if dec, err = a.norm.Normalize(dec); err != nil {
		return nil, err
	}
	return Outputs{KeyOccEstimate: dec}, nil
}

func (a *ANSRGB) Parameters() []nnet.Parameter {
	return nnet.Prefix("main", a.main.Parameters())
}

// ANSDepth returns the ground-truth depth projection as the estimate.
type ANSDepth struct{}

func (ANSDepth) Anticipate(x Observations) (Outputs, error) {
	gt, err := x.Get(KeyEgoMapGT)
	if err != nil {
		return nil, err
	}
	return Outputs{KeyOccEstimate: gt}, nil
}

func (ANSDepth) Parameters() []nnet.Parameter { return nil }

// OccAntGroundTruth returns the ground-truth anticipated occupancy.
type OccAntGroundTruth struct{}

func (OccAntGroundTruth) Anticipate(x Observations) (Outputs, error) {
	gt, err := x.Get(KeyEgoMapGTAnticipated)
	if err != nil {
		return nil, err
	}
	return Outputs{KeyOccEstimate: gt}, nil
}

func (OccAntGroundTruth) Parameters() []nnet.Parameter { return nil }

// OccAntDepth anticipates from the ground-truth depth projection alone with
// a UNet.
type OccAntDepth struct {
	encoder Encoder
	decoder Decoder
	norm    *nnet.Normalizer
}

func newOccAntDepth(b *builder) (*OccAntDepth, error) {
	nsf := b.s.gp.UNetNSF
	norm, err := b.normalizer()
	if err != nil {
		return nil, err
	}
	return &OccAntDepth{
		encoder: unet.NewEncoder(b.rng, 2, nsf),
		decoder: unet.NewDecoder(b.rng, b.s.gp.NClasses, nsf),
		norm:    norm,
	}, nil
}

func (o *OccAntDepth) Anticipate(x Observations) (Outputs, error) {
	gt, err := x.Get(KeyEgoMapGT)
	if err != nil {
		return nil, err
	}
	enc, err := o.encoder.Encode(gt)
	if err != nil {
		return nil, err
	}
	dec, err := o.decoder.Decode(enc)
	if err != nil {
		return nil, err
	}
	if dec, err = o.norm.Normalize(dec); err != nil {
		return nil, err
	}
	return Outputs{KeyOccEstimate: dec}, nil
}

func (o *OccAntDepth) UsesGPAnticipation() bool { return true }

func (o *OccAntDepth) Parameters() []nnet.Parameter {
	params := nnet.Prefix("gp_depth_proj_encoder", o.encoder.Parameters())
	return append(params, nnet.Prefix("gp_decoder", o.decoder.Parameters())...)
}
