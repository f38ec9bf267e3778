// Package anticipator assembles occupancy anticipation models.
//
// A configuration tag selects one of several variants: an RGB depth
// projection estimator, ground-truth passthroughs, a UNet over the
// ground-truth depth projection, RGB and depth fusion models and a
// cross-view transformer baseline. Every variant maps an Observations bundle
// to an Outputs bundle holding at least occ_estimate. The Anticipator wraps
// the chosen variant and brings its maps to a uniform size and range.
//
// The fusion variants encode the RGB frame with a pretrained ResNet,
// project the features to the top-down view with a small UNet encoder and
// merge them with the depth projection encoding at the three coarsest
// scales before a shared UNet decoder produces the map.
package anticipator

import (
	"fmt"
	"math/rand"

	"github.com/go-logr/logr"

	"github.com/occant/occant/config"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// OutputSize is the side of the maps returned by Forward.
const OutputSize = 128

// gpAnticipator is implemented by variants built around the geometric
// projection anticipation stack.
type gpAnticipator interface {
	UsesGPAnticipation() bool
}

// selfActivating is implemented by variants whose outputs are final and must
// not be resized or squashed again.
type selfActivating interface {
	AppliesOwnActivation() bool
}

// Option configures New.
type Option func(*options)

type options struct {
	log logr.Logger
}

// WithLogger sets the logger used while building the model.
func WithLogger(l logr.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// Anticipator is the entry point for inference. It owns exactly one variant
// for its whole lifetime.
type Anticipator struct {
	s    settings
	main Variant
}

// New builds the variant selected by cfg.Type. It fails with a
// *common.InvalidConfiguration for unknown tags or invalid fields and with a
// wrapped load error when a pretrained checkpoint cannot be applied.
func New(cfg config.Config, opts ...Option) (*Anticipator, error) {
	o := options{log: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	b := &builder{
		s:   s,
		rng: rand.New(rand.NewSource(s.gp.Seed)),
		log: o.log.WithValues("type", s.tag),
	}

	var v Variant
	switch s.kind {
	case KindANSRGB:
		v, err = newANSRGB(b)
	case KindANSDepth:
		v = ANSDepth{}
	case KindOccAntRGB:
		v, err = newOccAntRGB(b)
	case KindOccAntDepth:
		v, err = newOccAntDepth(b)
	case KindOccAntRGBD:
		v, err = newOccAntRGBD(b)
	case KindOccAntGroundTruth:
		v = OccAntGroundTruth{}
	case KindCrossView:
		v, err = newCrossView(b)
	default:
		err = fmt.Errorf("anticipator: no constructor for %v", s.kind)
	}
	if err != nil {
		return nil, err
	}

	a := &Anticipator{s: s, main: v}
	total, trainable := nnet.Count(a.Parameters())
	b.log.Info("built anticipation model", "kind", s.kind, "rgbKey", s.rgbKey,
		"parameters", total, "trainable", trainable, "gp", a.UsesGPAnticipation())
	if frozen := total - trainable; frozen > 0 {
		b.log.V(1).Info("frozen parameters", "values", frozen)
	}
	return a, nil
}

// Forward runs the variant and post-processes occ_estimate and
// depth_proj_estimate: both are resized to OutputSize×OutputSize with area
// averaging and squashed with a sigmoid, unless the variant applies its own
// activation. Other outputs are returned as produced.
func (a *Anticipator) Forward(x Observations) (Outputs, error) {
	out, err := a.main.Anticipate(x)
	if err != nil {
		return nil, err
	}
	if sa, ok := a.main.(selfActivating); ok && sa.AppliesOwnActivation() {
		return out, nil
	}
	res := make(Outputs, len(out))
	for k, t := range out {
		if k == KeyOccEstimate || k == KeyDepthProjEstimate {
			if t, err = tensor.Interpolate(t, OutputSize, OutputSize); err != nil {
				return nil, err
			}
			t = tensor.Sigmoid(t)
		}
		res[k] = t
	}
	return res, nil
}

// ModelType returns the configuration tag the model was built from.
func (a *Anticipator) ModelType() string {
	return a.s.tag
}

// Kind returns the model family.
func (a *Anticipator) Kind() Kind {
	return a.s.kind
}

// UsesGPAnticipation reports whether the variant is built on the geometric
// projection anticipation stack.
func (a *Anticipator) UsesGPAnticipation() bool {
	gp, ok := a.main.(gpAnticipator)
	return ok && gp.UsesGPAnticipation()
}

// Variant returns the wrapped model.
func (a *Anticipator) Variant() Variant {
	return a.main
}

// Parameters returns every parameter and buffer, named as in a saved
// model_state_dict.
func (a *Anticipator) Parameters() []nnet.Parameter {
	return nnet.Prefix("main", a.main.Parameters())
}
