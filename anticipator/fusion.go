package anticipator

import (
	"github.com/occant/occant/backbone"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
	"github.com/occant/occant/unet"
)

// Encoder produces multi-scale features.
type Encoder interface {
	nnet.Parameterized
	Encode(x *tensor.Tensor) (unet.Features, error)
}

// Decoder turns multi-scale features into a map.
type Decoder interface {
	nnet.Parameterized
	Decode(f unet.Features) (*tensor.Tensor, error)
}

// FusionBlock merges same-shaped features of several modalities.
type FusionBlock interface {
	nnet.Parameterized
	Merge(xs ...*tensor.Tensor) (*tensor.Tensor, error)
}

// fusion is the RGB branch, the depth-projection encoder and the per-scale
// merges shared by the RGB anticipators. At x3, x4 and x5 the depth features
// are replaced by the merge of both modalities; x1 and x2 come from the
// depth branch alone.
type fusion struct {
	rgbEncoder       nnet.Layer
	rgbProjector     nnet.Layer
	rgbUNet          Encoder
	depthProjEncoder Encoder
	merges           [3]FusionBlock // x5, x4, x3
	decoder          Decoder
	norm             *nnet.Normalizer
}

var mergeScales = [3]string{"x5", "x4", "x3"}

func newFusion(b *builder) (*fusion, error) {
	gp := b.s.gp
	infeats, err := backbone.FeatureChannels(gp.ResNetType)
	if err != nil {
		return nil, err
	}
	enc, err := backbone.NewRGBEncoder(b.rng, gp.ResNetType)
	if err != nil {
		return nil, err
	}
	if err := b.loadPretrainedTrunk(enc.Trunk()); err != nil {
		return nil, err
	}
	norm, err := b.normalizer()
	if err != nil {
		return nil, err
	}
	nsf := gp.UNetNSF
	featSize := 8 * nsf
	const nmodes = 2
	return &fusion{
		rgbEncoder:       enc,
		rgbProjector:     unet.NewLearnedRGBProjection(b.rng, infeats),
		rgbUNet:          unet.NewMiniEncoder(b.rng, infeats, featSize),
		depthProjEncoder: unet.NewEncoder(b.rng, 2, nsf),
		merges: [3]FusionBlock{
			unet.NewMergeMultimodal(b.rng, featSize, nmodes),
			unet.NewMergeMultimodal(b.rng, featSize, nmodes),
			unet.NewMergeMultimodal(b.rng, featSize/2, nmodes),
		},
		decoder: unet.NewDecoder(b.rng, gp.NClasses, nsf),
		norm:    norm,
	}, nil
}

func (f *fusion) anticipate(rgb, depthProj *tensor.Tensor) (*tensor.Tensor, error) {
	xRGB, err := f.rgbEncoder.Forward(rgb)
	if err != nil {
		return nil, err
	}
	xGP, err := f.rgbProjector.Forward(xRGB)
	if err != nil {
		return nil, err
	}
	rgbEnc, err := f.rgbUNet.Encode(xGP)
	if err != nil {
		return nil, err
	}
	depthEnc, err := f.depthProjEncoder.Encode(depthProj)
	if err != nil {
		return nil, err
	}
	merged := depthEnc.Clone()
	for i, scale := range mergeScales {
		p, err := rgbEnc.Get(scale + "p")
		if err != nil {
			return nil, err
		}
		d, err := depthEnc.Get(scale)
		if err != nil {
			return nil, err
		}
		if merged[scale], err = f.merges[i].Merge(p, d); err != nil {
			return nil, err
		}
	}
	dec, err := f.decoder.Decode(merged)
	if err != nil {
		return nil, err
	}
	return f.norm.Normalize(dec)
}

func (f *fusion) freezeFeatures() {
	nnet.SetRequiresGrad(f.rgbEncoder.Parameters(), false)
}

func (f *fusion) parameters() []nnet.Parameter {
	params := nnet.Prefix("gp_rgb_encoder", f.rgbEncoder.Parameters())
	params = append(params, nnet.Prefix("gp_rgb_projector", f.rgbProjector.Parameters())...)
	params = append(params, nnet.Prefix("gp_rgb_unet", f.rgbUNet.Parameters())...)
	params = append(params, nnet.Prefix("gp_depth_proj_encoder", f.depthProjEncoder.Parameters())...)
	for i, scale := range mergeScales {
		params = append(params, nnet.Prefix("gp_merge_"+scale, f.merges[i].Parameters())...)
	}
	return append(params, nnet.Prefix("gp_decoder", f.decoder.Parameters())...)
}

// OccAntRGB anticipates occupancy from RGB. Its depth-projection branch is
// fed by an internal ANSRGB estimate, which is also returned as
// depth_proj_estimate.
type OccAntRGB struct {
	*fusion
	estimator *ANSRGB
	detach    bool
	rgbKey    string
}

func newOccAntRGB(b *builder) (*OccAntRGB, error) {
	f, err := newFusion(b)
	if err != nil {
		return nil, err
	}
	est, err := newANSRGB(b)
	if err != nil {
		return nil, err
	}
	if err := b.loadDepthProjModel(est); err != nil {
		return nil, err
	}
	gp := b.s.gp
	if gp.FreezeFeatures {
		f.freezeFeatures()
		total, _ := nnet.Count(f.rgbEncoder.Parameters())
		b.log.V(1).Info("froze rgb feature extractor", "values", total)
	}
	if gp.FreezeDepthProjModel {
		nnet.SetRequiresGrad(est.Parameters(), false)
		total, _ := nnet.Count(est.Parameters())
		b.log.V(1).Info("froze depth projection model", "values", total)
	}
	return &OccAntRGB{fusion: f, estimator: est, detach: gp.DetachDepthProj, rgbKey: b.s.rgbKey}, nil
}

// Estimator returns the internal depth-projection model.
func (o *OccAntRGB) Estimator() *ANSRGB {
	return o.estimator
}

func (o *OccAntRGB) Anticipate(x Observations) (Outputs, error) {
	rgb, err := x.Get(o.rgbKey)
	if err != nil {
		return nil, err
	}
	est, err := o.estimator.Anticipate(x)
	if err != nil {
		return nil, err
	}
	depthProj := est[KeyOccEstimate]
	in := depthProj
	if o.detach {
		in = depthProj.Detach()
	}
	occ, err := o.anticipate(rgb, in)
	if err != nil {
		return nil, err
	}
	return Outputs{KeyDepthProjEstimate: depthProj, KeyOccEstimate: occ}, nil
}

func (o *OccAntRGB) UsesGPAnticipation() bool { return true }

func (o *OccAntRGB) Parameters() []nnet.Parameter {
	return append(o.parameters(), nnet.Prefix("gp_depth_proj_estimator", o.estimator.Parameters())...)
}

// OccAntRGBD anticipates occupancy from the rgb frame and the ground-truth
// depth projection.
type OccAntRGBD struct {
	*fusion
}

func newOccAntRGBD(b *builder) (*OccAntRGBD, error) {
	f, err := newFusion(b)
	if err != nil {
		return nil, err
	}
	if b.s.gp.FreezeFeatures {
		f.freezeFeatures()
		total, _ := nnet.Count(f.rgbEncoder.Parameters())
		b.log.V(1).Info("froze rgb feature extractor", "values", total)
	}
	return &OccAntRGBD{fusion: f}, nil
}

func (o *OccAntRGBD) Anticipate(x Observations) (Outputs, error) {
	rgb, err := x.Get(KeyRGB)
	if err != nil {
		return nil, err
	}
	gt, err := x.Get(KeyEgoMapGT)
	if err != nil {
		return nil, err
	}
	occ, err := o.anticipate(rgb, gt)
	if err != nil {
		return nil, err
	}
	return Outputs{KeyOccEstimate: occ}, nil
}

func (o *OccAntRGBD) UsesGPAnticipation() bool { return true }

func (o *OccAntRGBD) Parameters() []nnet.Parameter {
	return o.parameters()
}
