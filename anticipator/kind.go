package anticipator

import (
	"github.com/occant/occant/common"
	"github.com/occant/occant/config"
)

// Kind enumerates the model families.
type Kind int

const (
	// KindANSRGB estimates the depth projection from RGB.
	KindANSRGB Kind = iota
	// KindANSDepth passes the ground-truth depth projection through.
	KindANSDepth
	// KindOccAntRGB anticipates from RGB and an estimated depth projection.
	KindOccAntRGB
	// KindOccAntDepth anticipates from the ground-truth depth projection.
	KindOccAntDepth
	// KindOccAntRGBD anticipates from RGB and the ground-truth projection.
	KindOccAntRGBD
	// KindOccAntGroundTruth passes the ground-truth anticipated map through.
	KindOccAntGroundTruth
	// KindCrossView wraps a front-view to top-down transformer.
	KindCrossView
)

var kindNames = [...]string{
	KindANSRGB:            "ans_rgb",
	KindANSDepth:          "ans_depth",
	KindOccAntRGB:         "occant_rgb",
	KindOccAntDepth:       "occant_depth",
	KindOccAntRGBD:        "occant_rgbd",
	KindOccAntGroundTruth: "occant_ground_truth",
	KindCrossView:         "cross-view",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

type tagInfo struct {
	kind   Kind
	rgbKey string // forced observation key, or empty
}

// tags maps every recognized configuration tag to its model family.
// occant_rgb_large is the RGB anticipator reading the large RGB frame.
var tags = map[string]tagInfo{
	"ans_rgb":             {kind: KindANSRGB},
	"ans_depth":           {kind: KindANSDepth},
	"occant_rgb":          {kind: KindOccAntRGB},
	"occant_depth":        {kind: KindOccAntDepth},
	"occant_rgbd":         {kind: KindOccAntRGBD},
	"occant_ground_truth": {kind: KindOccAntGroundTruth},
	"occant_rgb_large":    {kind: KindOccAntRGB, rgbKey: KeyRGBLarge},
	"cross-view":          {kind: KindCrossView, rgbKey: KeyRGBLarge},
}

// Tags returns the recognized configuration tags.
func Tags() []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	return out
}

// settings is the resolved, read-only form of a configuration.
type settings struct {
	tag       string
	kind      Kind
	rgbKey    string
	gp        config.GPAnticipation
	crossView config.CrossView
}

// resolve validates cfg and derives the effective observation routing.
// cfg is never modified.
func resolve(cfg config.Config) (settings, error) {
	info, ok := tags[cfg.Type]
	if !ok {
		return settings{}, &common.InvalidConfiguration{Field: "type", Value: cfg.Type}
	}
	if err := cfg.Validate(); err != nil {
		return settings{}, err
	}
	key := info.rgbKey
	if key == "" {
		key = cfg.RGBKey
	}
	if key == "" {
		key = KeyRGB
	}
	return settings{
		tag:       cfg.Type,
		kind:      info.kind,
		rgbKey:    key,
		gp:        cfg.GPAnticipation,
		crossView: cfg.CrossView,
	}, nil
}
