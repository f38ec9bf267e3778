// Package train applies gradient updates to model parameters after a
// backward pass.
package train

import (
	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/nnet"
	"github.com/occant/occant/regularize"
)

// SGD is plain stochastic gradient descent with an optional weight penalty.
type SGD struct {
	LearningRate float64
	// Regularizer adds its gradient before the update. Nil means none.
	Regularizer regularize.Regularizer
}

// Step moves every trainable parameter against its gradient and returns the
// regularization penalty. Parameters that do not require a gradient and
// buffers are left untouched, which is how frozen sub-models stay fixed.
// Gradients are not cleared; call nnet.ZeroGrad before the next pass.
func (s SGD) Step(params []nnet.Parameter) float64 {
	var penalty float64
	if s.Regularizer != nil {
		penalty = regularize.Parameters(s.Regularizer, params)
	}
	for _, p := range params {
		if p.Buffer || !p.Value.RequiresGrad() || p.Value.Grad == nil {
			continue
		}
		floats.AddScaled(p.Value.Data, -s.LearningRate, p.Value.Grad)
	}
	return penalty
}
