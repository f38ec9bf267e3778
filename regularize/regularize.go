// Package regularize provides weight penalties applied to the trainable
// parameters of a model alongside the data loss.
package regularize

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/nnet"
)

// Regularizer is a type that puts pressure on the values of
// parameters to prevent overfitting
type Regularizer interface {
	// How much loss is generated from the value of the parameters
	Loss(parameters []float64) float64

	// Returns the value of the loss and puts dLossDParameters
	// in place into the second argument. Writer may assume that
	// len(parameters) == len(derivative), but should not assume
	// that derivative is all zeros
	LossDeriv(parameters, derivative []float64) float64

	// LossAddDeriv adds the derivative rather than storing in place
	LossAddDeriv(parameters, derivative []float64) float64
}

// Parameters applies r to every trainable parameter: the penalty gradient
// is added to the parameter's gradient and the summed penalty is returned.
// Buffers and frozen parameters are skipped.
func Parameters(r Regularizer, params []nnet.Parameter) float64 {
	var loss float64
	for _, p := range params {
		if p.Buffer || !p.Value.RequiresGrad() {
			continue
		}
		if p.Value.Grad == nil {
			p.Value.Grad = make([]float64, p.Value.Len())
		}
		loss += r.LossAddDeriv(p.Value.Data, p.Value.Grad)
	}
	return loss
}

// TwoNorm gives the result of  ɣ||w||_2^2
type TwoNorm struct {
	Gamma float64 // Relative weight compared to loss function
}

func (t TwoNorm) Loss(parameters []float64) float64 {
	return t.Gamma * math.Pow(floats.Norm(parameters, 2), 2)
}

func (t TwoNorm) LossDeriv(parameters, derivative []float64) float64 {
	for i := range derivative {
		derivative[i] = 0
	}
	return t.LossAddDeriv(parameters, derivative)
}

func (t TwoNorm) LossAddDeriv(parameters, derivative []float64) float64 {
	floats.AddScaled(derivative, 2*t.Gamma, parameters)
	return t.Loss(parameters)
}

// OneNorm gives the result of  ɣ||w||_1
type OneNorm struct {
	Gamma float64 // Relative weight compared to loss function
}

func (o OneNorm) Loss(parameters []float64) float64 {
	return o.Gamma * floats.Norm(parameters, 1)
}

func (o OneNorm) LossDeriv(parameters, derivative []float64) float64 {
	for i := range derivative {
		derivative[i] = 0
	}
	return o.LossAddDeriv(parameters, derivative)
}

// LossAddDeriv uses a zero subgradient at zero.
func (o OneNorm) LossAddDeriv(parameters, derivative []float64) float64 {
	for i, p := range parameters {
		switch {
		case p > 0:
			derivative[i] += o.Gamma
		case p < 0:
			derivative[i] -= o.Gamma
		}
	}
	return o.Loss(parameters)
}

// None represents no regularizer
type None struct{}

func (n None) Loss(parameters []float64) float64 {
	return 0
}

func (n None) LossDeriv(parameters, derivative []float64) float64 {
	for i := range derivative {
		derivative[i] = 0
	}
	return 0
}

func (n None) LossAddDeriv(parameters, derivative []float64) float64 {
	return 0
}
