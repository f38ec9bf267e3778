package anticipator

import (
	"fmt"
	"strings"

	"github.com/occant/occant/backbone"
	"github.com/occant/occant/checkpoint"
	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
)

// Markers and prefixes of the depth-projection parameters inside a mapper
// checkpoint.
const (
	mapperCopyMarker     = "mapper_copy"
	projectionUnitMarker = "projection_unit"
	dataParallelPrefix   = "module."
	projectionPrefix     = "mapper.projection_unit.main.main."
)

// FilterDepthProjState selects the depth-projection parameters of a mapper
// state dict. Keys containing "mapper_copy" or not containing
// "projection_unit" are dropped; every occurrence of "module." and then of
// "mapper.projection_unit.main.main." is removed from the remaining keys.
// The tensors are shared with sd.
func FilterDepthProjState(sd nnet.StateDict) nnet.StateDict {
	out := make(nnet.StateDict)
	for k, v := range sd {
		if strings.Contains(k, mapperCopyMarker) || !strings.Contains(k, projectionUnitMarker) {
			continue
		}
		k = strings.ReplaceAll(k, dataParallelPrefix, "")
		k = strings.ReplaceAll(k, projectionPrefix, "")
		out[k] = v
	}
	return out
}

// LoadDepthProjModel loads the depth-projection parameters of a mapper
// checkpoint into est. It fails with a *common.CheckpointKeyMismatch when
// the checkpoint has no mapper state, nothing survives the filter, or the
// surviving keys do not match est exactly.
func LoadDepthProjModel(est *ANSRGB, f checkpoint.File) error {
	sd, err := f.Get(checkpoint.MapperKey)
	if err != nil {
		return err
	}
	filtered := FilterDepthProjState(sd)
	if len(filtered) == 0 {
		return &common.CheckpointKeyMismatch{}
	}
	return nnet.LoadState(est, filtered)
}

// loadPretrainedTrunk copies torchvision weights into r from the pretrained
// backbone checkpoint, which stores one state dict per trunk type. Without a
// configured checkpoint the trunk keeps its random initialization.
func (b *builder) loadPretrainedTrunk(r *backbone.ResNet) error {
	path := b.s.gp.PretrainedBackbone
	if path == "" {
		b.log.V(1).Info("no pretrained backbone configured, trunk is randomly initialized", "resnet", r.Type)
		return nil
	}
	if b.backbones == nil {
		f, err := checkpoint.Load(path)
		if err != nil {
			return fmt.Errorf("pretrained backbone: %w", err)
		}
		b.backbones = f
	}
	sd, err := b.backbones.Get(r.Type)
	if err != nil {
		return fmt.Errorf("pretrained backbone %s: %w", path, err)
	}
	if err := r.LoadPretrained(sd); err != nil {
		return fmt.Errorf("pretrained backbone %s: %w", path, err)
	}
	b.log.Info("loaded pretrained backbone", "resnet", r.Type, "path", path)
	return nil
}

// loadDepthProjModel applies the configured pretrained depth-projection
// checkpoint, if any.
func (b *builder) loadDepthProjModel(est *ANSRGB) error {
	path := b.s.gp.PretrainedDepthProjModel
	if path == "" {
		return nil
	}
	f, err := checkpoint.Load(path)
	if err != nil {
		return fmt.Errorf("pretrained depth projection model: %w", err)
	}
	if err := LoadDepthProjModel(est, f); err != nil {
		return fmt.Errorf("pretrained depth projection model %s: %w", path, err)
	}
	total, _ := nnet.Count(est.Parameters())
	b.log.Info("loaded pretrained depth projection model", "path", path, "values", total)
	return nil
}
