package anticipator

import (
	"github.com/occant/occant/common"
	"github.com/occant/occant/tensor"
)

// Observation keys.
const (
	KeyRGB                 = "rgb"
	KeyRGBLarge            = "rgb_large"
	KeyDepth               = "depth"
	KeyEgoMapGT            = "ego_map_gt"
	KeyEgoMapGTAnticipated = "ego_map_gt_anticipated"
)

// Output keys.
const (
	KeyOccEstimate       = "occ_estimate"
	KeyDepthProjEstimate = "depth_proj_estimate"
)

// Observations is one batch of sensor inputs, each (N, C, H, W).
type Observations map[string]*tensor.Tensor

// Get returns the observation stored under key or a
// *common.MissingInputKey.
func (o Observations) Get(key string) (*tensor.Tensor, error) {
	t, ok := o[key]
	if !ok || t == nil {
		return nil, &common.MissingInputKey{Key: key}
	}
	return t, nil
}

// Outputs holds the maps produced by a model. occ_estimate is always set;
// depth_proj_estimate only by models that estimate the projection.
type Outputs map[string]*tensor.Tensor
