// Package predict runs an anticipation model over many observation batches
// in parallel.
package predict

import (
	"github.com/occant/occant/anticipator"
	"github.com/occant/occant/common"
)

// Predictor is a model whose Forward is safe for concurrent use, such as
// *anticipator.Anticipator.
type Predictor interface {
	Forward(x anticipator.Observations) (anticipator.Outputs, error)
}

// BatchPredict runs p on every batch, grainSize batches per worker task,
// and returns the outputs in input order. On failure the error of the
// lowest failing batch index is returned along with the outputs computed so
// far.
func BatchPredict(p Predictor, batches []anticipator.Observations, grainSize int) ([]anticipator.Outputs, error) {
	outputs := make([]anticipator.Outputs, len(batches))
	errs := make([]error, len(batches))

	// TODO: skip the batches after a failed one instead of running them all.
	common.ParallelFor(len(batches), grainSize, func(start, end int) {
		for i := start; i < end; i++ {
			out, err := p.Forward(batches[i])
			if err != nil {
				errs[i] = err
				continue
			}
			outputs[i] = out
		}
	})
	for _, err := range errs {
		if err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}
